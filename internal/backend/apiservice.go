package backend

import (
	"bytes"
	"encoding/csv"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
	"github.com/jo-hoe/waste-sorter/internal/backend/imaging"
	"github.com/jo-hoe/waste-sorter/internal/core"
)

const (
	mimePNG = "image/png"

	defaultRecentLimit = 20
	maxRecentLimit     = 200
	defaultStatsDays   = 7
)

type APIService struct {
	config      *core.ServiceConfig
	coreService *core.CoreService
	cache       *StatsCache
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService) *APIService {
	var cache *StatsCache
	if config.Cache.Address != "" {
		cache = NewStatsCache(config.Cache.Address, config.Cache.Password,
			time.Duration(config.Cache.TTLSeconds)*time.Second)
	}
	return &APIService{
		config:      config,
		coreService: coreService,
		cache:       cache,
	}
}

type eventDocument struct {
	ID            string            `json:"id"`
	Timestamp     string            `json:"timestamp"`
	FormattedTime string            `json:"formatted_time"`
	Category      string            `json:"category"`
	Confidence    float64           `json:"confidence"`
	Destination   string            `json:"destination"`
	ImageID       string            `json:"image_id,omitempty"`
	HasImage      bool              `json:"has_image"`
	Metadata      database.Metadata `json:"metadata,omitempty"`
}

type dailyStatDocument struct {
	Date           string  `json:"date"`
	CanCount       int     `json:"can_count"`
	RecyclingCount int     `json:"recycling_count"`
	GarbageCount   int     `json:"garbage_count"`
	TotalCount     int     `json:"total_count"`
	TokenRewards   float64 `json:"token_rewards"`
}

type totalsDocument struct {
	TotalCans      int     `json:"total_cans"`
	TotalRecycling int     `json:"total_recycling"`
	TotalGarbage   int     `json:"total_garbage"`
	GrandTotal     int     `json:"grand_total"`
	TotalRewards   float64 `json:"total_rewards"`
}

func (service *APIService) SetRoutes(e *echo.Echo) {
	e.GET("/probe", service.probeHandler)
	e.GET("/status", service.statusHandler)

	e.GET("/api/events/recent", service.recentEventsHandler)
	e.GET("/api/events/:id", service.eventHandler)
	e.GET("/api/thumbnail/:id", service.thumbnailHandler)
	e.GET("/api/stats/daily", service.dailyStatsHandler)
	e.GET("/api/stats/totals", service.totalStatsHandler)
	e.GET("/api/export/csv", service.exportCSVHandler)
}

func (service *APIService) Close() error {
	if service.cache != nil {
		return service.cache.Close()
	}
	return nil
}

func (service *APIService) probeHandler(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "API Service is running")
}

func (service *APIService) statusHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, echo.Map{
		"status":   "ok",
		"database": service.coreService.Database().DoesDatabaseExist(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (service *APIService) recentEventsHandler(ctx echo.Context) error {
	limit := defaultRecentLimit
	if raw := ctx.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return ctx.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be a positive integer"})
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	events, err := service.coreService.Database().GetRecentEvents(limit)
	if err != nil {
		slog.Error("recentEventsHandler: failed to fetch events", "error", err)
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch events"})
	}

	documents := make([]eventDocument, 0, len(events))
	for _, event := range events {
		documents = append(documents, toEventDocument(event))
	}
	return ctx.JSON(http.StatusOK, echo.Map{"events": documents})
}

func (service *APIService) eventHandler(ctx echo.Context) error {
	id := ctx.Param("id")
	event, err := service.coreService.Database().GetEvent(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ctx.JSON(http.StatusNotFound, echo.Map{"error": "event not found"})
		}
		slog.Error("eventHandler: failed to fetch event", "event_id", id, "error", err)
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch event"})
	}
	return ctx.JSON(http.StatusOK, toEventDocument(event))
}

// thumbnailHandler serves the stored thumbnail, falling back to a
// rendered placeholder when the image is missing or unreadable.
func (service *APIService) thumbnailHandler(ctx echo.Context) error {
	id := ctx.Param("id")
	thumbnail, err := service.coreService.Database().GetThumbnail(id)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			slog.Warn("thumbnailHandler: thumbnail not readable", "image_id", id, "error", err)
		}
		size := service.config.ThumbnailSize
		placeholder, renderErr := imaging.Placeholder(size, size)
		if renderErr != nil {
			slog.Error("thumbnailHandler: failed to render placeholder", "error", renderErr)
			return ctx.String(http.StatusInternalServerError, "Thumbnail not available")
		}
		return ctx.Blob(http.StatusOK, mimePNG, placeholder)
	}
	return ctx.Blob(http.StatusOK, mimePNG, thumbnail)
}

func (service *APIService) dailyStatsHandler(ctx echo.Context) error {
	days := defaultStatsDays
	if raw := ctx.QueryParam("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return ctx.JSON(http.StatusBadRequest, echo.Map{"error": "days must be a positive integer"})
		}
		days = parsed
	}

	statistics, err := service.coreService.Database().GetDailyStatistics(days)
	if err != nil {
		slog.Error("dailyStatsHandler: failed to fetch statistics", "error", err)
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch statistics"})
	}

	documents := make([]dailyStatDocument, 0, len(statistics))
	for _, stat := range statistics {
		documents = append(documents, dailyStatDocument{
			Date:           stat.Date,
			CanCount:       stat.CanCount,
			RecyclingCount: stat.RecyclingCount,
			GarbageCount:   stat.GarbageCount,
			TotalCount:     stat.TotalCount,
			TokenRewards:   stat.TokenRewards,
		})
	}
	return ctx.JSON(http.StatusOK, echo.Map{"daily_stats": documents})
}

func (service *APIService) totalStatsHandler(ctx echo.Context) error {
	requestContext := ctx.Request().Context()

	if service.cache != nil {
		if totals, ok := service.cache.GetTotals(requestContext); ok {
			return ctx.JSON(http.StatusOK, toTotalsDocument(totals))
		}
	}

	totals, err := service.coreService.Database().GetTotalStatistics()
	if err != nil {
		slog.Error("totalStatsHandler: failed to fetch totals", "error", err)
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch totals"})
	}

	if service.cache != nil {
		service.cache.SetTotals(requestContext, totals)
	}
	return ctx.JSON(http.StatusOK, toTotalsDocument(totals))
}

// exportCSVHandler streams the daily statistics table as a CSV download.
func (service *APIService) exportCSVHandler(ctx echo.Context) error {
	statistics, err := service.coreService.Database().GetDailyStatistics(-1)
	if err != nil {
		slog.Error("exportCSVHandler: failed to fetch statistics", "error", err)
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch statistics"})
	}

	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	header := []string{"date", "can_count", "recycling_count", "garbage_count", "total_count", "token_rewards"}
	if err := writer.Write(header); err != nil {
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to build export"})
	}
	for _, stat := range statistics {
		record := []string{
			stat.Date,
			strconv.Itoa(stat.CanCount),
			strconv.Itoa(stat.RecyclingCount),
			strconv.Itoa(stat.GarbageCount),
			strconv.Itoa(stat.TotalCount),
			strconv.FormatFloat(stat.TokenRewards, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to build export"})
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return ctx.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to build export"})
	}

	ctx.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="statistics.csv"`)
	return ctx.Blob(http.StatusOK, "text/csv", buffer.Bytes())
}

func toEventDocument(event *database.SortEvent) eventDocument {
	return eventDocument{
		ID:            event.ID,
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
		FormattedTime: event.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		Category:      event.Category,
		Confidence:    event.Confidence,
		Destination:   event.Destination,
		ImageID:       event.ImageID,
		HasImage:      event.ImageID != "",
		Metadata:      event.Metadata,
	}
}

func toTotalsDocument(totals *database.TotalStatistics) totalsDocument {
	return totalsDocument{
		TotalCans:      totals.TotalCans,
		TotalRecycling: totals.TotalRecycling,
		TotalGarbage:   totals.TotalGarbage,
		GrandTotal:     totals.GrandTotal,
		TotalRewards:   totals.TotalRewards,
	}
}
