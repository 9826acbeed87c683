package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTest returns a client for REDIS_ADDR and a key prefix unique to the
// test. Keys under the prefix are deleted on cleanup. Skips when REDIS_ADDR
// is not set.
func RedisTest(t *testing.T) (*redis.Client, string) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping %s: %v", addr, err)
	}

	prefix := fmt.Sprintf("txftest:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		// The store under test may already have closed client.
		c := redis.NewClient(&redis.Options{Addr: addr})
		defer func() { _ = c.Close() }()
		ctx := context.Background()
		iter := c.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			_ = c.Del(ctx, iter.Val()).Err()
		}
	})
	return client, prefix
}
