package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachable returns a client pointed at a closed port
func unreachable(t *testing.T) *RedisClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return newRedisClient(client, &config.RedisConfig{KeyPrefix: "market-sync:"}, logger.Discard())
}

func TestKeyUsesPrefix(t *testing.T) {
	rc := unreachable(t)
	assert.Equal(t, "market-sync:report:latest", rc.Key("report", "latest"))
	assert.Equal(t, "market-sync:lastbar:1d", rc.Key("lastbar", "1d"))
}

func TestDefaultReportTTL(t *testing.T) {
	rc := unreachable(t)
	assert.Equal(t, 7*24*time.Hour, rc.reportTTL)
}

func TestErrorsSurfaceWhenServerIsDown(t *testing.T) {
	rc := unreachable(t)
	ctx := context.Background()

	_, _, err := rc.LatestReport(ctx)
	require.Error(t, err)
	assert.Error(t, rc.Health(ctx))

	// nothing to send, so no round trip
	require.NoError(t, rc.SetLastBarDates(ctx, "1d", nil))
	dates, err := rc.LastBarDates(ctx, "1d", nil)
	require.NoError(t, err)
	assert.Empty(t, dates)
}
