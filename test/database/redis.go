package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	redisOnce    sync.Once
	redisErr     error
	redisURL     string
	redisDBIndex atomic.Int32
)

// NewTestRedis returns a Redis client on a dedicated logical database,
// flushed before use. In CI, connects to an external Redis via CI_REDIS_URL;
// in local dev, shares one testcontainer per package run.
func NewTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	url := getOrCreateSharedRedis(t)
	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)

	// Logical databases give per-test isolation; Redis ships 16 by default,
	// so indexes wrap and the flush below clears any previous tenant.
	opts.DB = int(redisDBIndex.Add(1) % 16)
	rdb := goredis.NewClient(opts)
	require.NoError(t, rdb.FlushDB(ctx).Err())

	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func getOrCreateSharedRedis(t *testing.T) string {
	if ciRedisURL := os.Getenv("CI_REDIS_URL"); ciRedisURL != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return ciRedisURL
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			redisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}
		url, err := container.ConnectionString(ctx)
		if err != nil {
			redisErr = fmt.Errorf("failed to get redis connection string: %w", err)
			return
		}
		redisURL = url
	})

	require.NoError(t, redisErr, "Failed to setup shared Redis container")
	return redisURL
}
