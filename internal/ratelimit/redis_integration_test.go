//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestRedisLimiterAgainstRealContainer exercises RedisLimiter against an
// actual Redis server instead of miniredis's in-process emulation, for
// the INCR/EXPIRE behavior that matters most under real network
// latency. Opt-in via `go test -tags integration` with RUN_INTEGRATION
// set, since it needs Docker.
func TestRedisLimiterAgainstRealContainer(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run against a real Redis container")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	defer container.Terminate(ctx)

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	opts, err := redis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("parsing redis url: %v", err)
	}

	l := NewRedisLimiter(redis.NewClient(opts))
	for i := 0; i < 3; i++ {
		if !l.Admit("sub-1", 3) {
			t.Fatalf("request %d should have been admitted", i)
		}
	}
	if l.Admit("sub-1", 3) {
		t.Fatal("4th request should have been rejected")
	}
}
