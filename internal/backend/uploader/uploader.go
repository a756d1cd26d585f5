// Package uploader periodically pushes local sort events and daily
// statistics to a remote collection endpoint. Re-sending an
// unacknowledged window is safe because the server deduplicates on
// event id; the watermark only advances after a confirmed success.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
)

// Network failure kinds. All of them are retryable up to the configured
// attempt count.
var (
	ErrTimeout       = errors.New("upload timed out")
	ErrConnection    = errors.New("connection failed")
	ErrHTTPStatus    = errors.New("unexpected http status")
	ErrResponseParse = errors.New("unparseable server response")
	ErrRejected      = errors.New("server rejected upload")
)

type Config struct {
	ServerURL          string
	APIKey             string
	Interval           time.Duration
	MaxEventsPerUpload int
	RetryAttempts      int
	RetryDelay         time.Duration
	StatePath          string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxEventsPerUpload <= 0 {
		c.MaxEventsPerUpload = 100
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// payload is the wire document POSTed to the server.
type payload struct {
	APIKey    string      `json:"api_key"`
	Timestamp string      `json:"timestamp"`
	Events    []eventDoc  `json:"events"`
	Stats     []statDoc   `json:"stats"`
}

type eventDoc struct {
	ID          string  `json:"id"`
	Timestamp   string  `json:"timestamp"`
	ItemType    string  `json:"item_type"`
	Confidence  float64 `json:"confidence"`
	Destination string  `json:"sort_destination"`
	ImageID     string  `json:"image_id,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	Metadata    any     `json:"metadata,omitempty"`
}

type statDoc struct {
	Date           string  `json:"date"`
	CanCount       int     `json:"can_count"`
	RecyclingCount int     `json:"recycling_count"`
	GarbageCount   int     `json:"garbage_count"`
	TotalCount     int     `json:"total_count"`
	TokenRewards   float64 `json:"token_rewards"`
	Metadata       any     `json:"metadata,omitempty"`
}

type serverResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type Uploader struct {
	databaseService database.DatabaseService
	config          Config
	client          *http.Client
	now             func() time.Time
	sleep           func(time.Duration)
}

func NewUploader(databaseService database.DatabaseService, config Config) *Uploader {
	config.applyDefaults()
	return &Uploader{
		databaseService: databaseService,
		config:          config,
		client:          &http.Client{Timeout: 30 * time.Second},
		now:             time.Now,
		sleep:           time.Sleep,
	}
}

// Run uploads on the configured interval until the context is canceled.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.config.Interval)
	defer ticker.Stop()

	for {
		if err := u.RunOnce(ctx); err != nil {
			slog.Error("upload cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single upload cycle: read events newer than the
// watermark, POST them with the full statistics table, and advance the
// watermark only on confirmed success.
func (u *Uploader) RunOnce(ctx context.Context) error {
	watermark, err := loadWatermark(u.config.StatePath)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	events, err := u.databaseService.GetEventsAfter(watermark, u.config.MaxEventsPerUpload)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if len(events) == 0 {
		slog.Info("no new events to upload", "watermark", watermark)
		return nil
	}

	stats, err := u.databaseService.GetDailyStatistics(-1)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	body := u.buildPayload(events, stats)
	slog.Info("uploading", "url", u.config.ServerURL, "events", len(events), "stats", len(stats))

	var lastErr error
	for attempt := 0; attempt < u.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			slog.Info("retrying upload", "attempt", attempt+1, "of", u.config.RetryAttempts)
			u.sleep(u.config.RetryDelay)
		}
		lastErr = u.post(ctx, body)
		if lastErr == nil {
			break
		}
		slog.Warn("upload attempt failed", "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		// Watermark stays put; the same window is re-sent next cycle.
		return fmt.Errorf("upload failed after %d attempts: %w", u.config.RetryAttempts, lastErr)
	}

	// The watermark uses the stored column layout so the next cycle's
	// string comparison lines up with what the database holds.
	newWatermark := events[len(events)-1].Timestamp.UTC().Format(database.TimestampLayout)
	if err := saveWatermark(u.config.StatePath, newWatermark); err != nil {
		return fmt.Errorf("upload succeeded but watermark save failed: %w", err)
	}
	slog.Info("upload complete", "events", len(events), "watermark", newWatermark)
	return nil
}

func (u *Uploader) buildPayload(events []*database.SortEvent, stats []*database.DailyStatistic) *payload {
	doc := &payload{
		APIKey:    u.config.APIKey,
		Timestamp: u.now().UTC().Format(time.RFC3339Nano),
		Events:    make([]eventDoc, 0, len(events)),
		Stats:     make([]statDoc, 0, len(stats)),
	}
	for _, event := range events {
		doc.Events = append(doc.Events, eventDoc{
			ID:          event.ID,
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339Nano),
			ItemType:    event.Category,
			Confidence:  event.Confidence,
			Destination: event.Destination,
			ImageID:     event.ImageID,
			UserID:      event.UserID,
			Metadata:    metadataValue(event.Metadata, event.RawMetadata),
		})
	}
	for _, stat := range stats {
		doc.Stats = append(doc.Stats, statDoc{
			Date:           stat.Date,
			CanCount:       stat.CanCount,
			RecyclingCount: stat.RecyclingCount,
			GarbageCount:   stat.GarbageCount,
			TotalCount:     stat.TotalCount,
			TokenRewards:   stat.TokenRewards,
			Metadata:       metadataValue(stat.Metadata, stat.RawMetadata),
		})
	}
	return doc
}

// metadataValue prefers the parsed map and falls back to the raw string.
func metadataValue(parsed database.Metadata, raw string) any {
	if parsed != nil {
		return parsed
	}
	if raw != "" {
		return raw
	}
	return nil
}

func (u *Uploader) post(ctx context.Context, doc *payload) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.ServerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "WasteSorter/1.0")

	response, err := u.client.Do(request)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %w", response.StatusCode, ErrHTTPStatus)
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", ErrResponseParse)
	}
	var result serverResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%v: %w", err, ErrResponseParse)
	}
	if !result.Success {
		return fmt.Errorf("%s: %w", result.Error, ErrRejected)
	}

	slog.Info("server accepted upload", "message", result.Message)
	return nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, ErrConnection)
}
