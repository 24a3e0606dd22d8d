package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

const markerTTL = 48 * time.Hour

// RedisClient caches sync markers and reports
type RedisClient struct {
	client    *redis.Client
	logger    *logrus.Entry
	prefix    string
	reportTTL time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:               fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:           cfg.Password,
		DB:                 cfg.DB,
		PoolSize:           cfg.PoolSize,
		MinIdleConns:       cfg.MinIdleConns,
		DialTimeout:        cfg.DialTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		PoolTimeout:        4 * time.Second,
		IdleTimeout:        5 * time.Minute,
		MaxRetries:         2,
		IdleCheckFrequency: time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return newRedisClient(client, cfg, logger), nil
}

func newRedisClient(client *redis.Client, cfg *config.RedisConfig, logger *logrus.Logger) *RedisClient {
	ttl := cfg.ReportTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisClient{
		client:    client,
		logger:    logger.WithField("component", "redis"),
		prefix:    cfg.KeyPrefix,
		reportTTL: ttl,
	}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health checks Redis health
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Key joins parts under the configured prefix
func (rc *RedisClient) Key(parts ...string) string {
	return rc.prefix + strings.Join(parts, ":")
}

// SetJSON stores a JSON-encoded value
func (rc *RedisClient) SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return rc.client.Set(ctx, key, data, expiration).Err()
}

// GetJSON retrieves and decodes a JSON value
func (rc *RedisClient) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return true, nil
}

// Report operations

// SetReport stores a finished report under its session and as the latest
func (rc *RedisClient) SetReport(ctx context.Context, report *models.SyncReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, rc.Key("report", report.SessionID), data, rc.reportTTL)
	pipe.Set(ctx, rc.Key("report", "latest"), data, rc.reportTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache report: %w", err)
	}
	return nil
}

// LatestReport returns the most recently cached report
func (rc *RedisClient) LatestReport(ctx context.Context) (*models.SyncReport, bool, error) {
	var report models.SyncReport
	ok, err := rc.GetJSON(ctx, rc.Key("report", "latest"), &report)
	if err != nil || !ok {
		return nil, false, err
	}
	return &report, true, nil
}

// Marker operations

// SetDirectoryRefreshed marks the symbol directory of market as refreshed on day
func (rc *RedisClient) SetDirectoryRefreshed(ctx context.Context, market string, day time.Time) error {
	return rc.client.Set(ctx, rc.Key("directory", market), models.FormatDate(day), markerTTL).Err()
}

// DirectoryRefreshed returns the day the directory of market was last refreshed
func (rc *RedisClient) DirectoryRefreshed(ctx context.Context, market string) (time.Time, bool, error) {
	val, err := rc.client.Get(ctx, rc.Key("directory", market)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	d, err := models.ParseDate(val)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// Bar progress operations

// SetLastBarDates records the latest stored bar date per symbol for frequency
func (rc *RedisClient) SetLastBarDates(ctx context.Context, frequency string, dates map[string]time.Time) error {
	if len(dates) == 0 {
		return nil
	}
	values := make(map[string]any, len(dates))
	for sym, d := range dates {
		values[sym] = models.FormatDate(d)
	}
	return rc.client.HSet(ctx, rc.Key("lastbar", frequency), values).Err()
}

// LastBarDates returns cached last bar dates for symbols; unknown symbols are absent
func (rc *RedisClient) LastBarDates(ctx context.Context, frequency string, symbols []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	vals, err := rc.client.HMGet(ctx, rc.Key("lastbar", frequency), symbols...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read last bar dates: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		d, err := models.ParseDate(s)
		if err != nil {
			rc.logger.WithError(err).WithField("symbol", symbols[i]).Warn("Ignoring malformed cached date")
			continue
		}
		out[symbols[i]] = d
	}
	return out, nil
}
