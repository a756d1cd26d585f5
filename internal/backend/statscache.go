package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
)

const totalsCacheKey = "waste-sorter:stats:totals"

// StatsCache keeps the aggregated dashboard totals in Redis for a short
// while so frequent page refreshes do not hammer the database. Cache
// failures are logged and treated as misses, the database stays the
// source of truth.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatsCache(address, password string, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StatsCache{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
		}),
		ttl: ttl,
	}
}

func (cache *StatsCache) GetTotals(ctx context.Context) (*database.TotalStatistics, bool) {
	data, err := cache.client.Get(ctx, totalsCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("stats cache read failed", "error", err)
		}
		return nil, false
	}
	var totals database.TotalStatistics
	if err := json.Unmarshal(data, &totals); err != nil {
		slog.Warn("stats cache holds unreadable entry", "error", err)
		return nil, false
	}
	return &totals, true
}

func (cache *StatsCache) SetTotals(ctx context.Context, totals *database.TotalStatistics) {
	data, err := json.Marshal(totals)
	if err != nil {
		slog.Warn("failed to encode totals for cache", "error", err)
		return
	}
	if err := cache.client.Set(ctx, totalsCacheKey, data, cache.ttl).Err(); err != nil {
		slog.Warn("stats cache write failed", "error", err)
	}
}

func (cache *StatsCache) Close() error {
	return cache.client.Close()
}
