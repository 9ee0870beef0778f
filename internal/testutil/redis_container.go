// Package testutil starts shared backing services for integration tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce      sync.Once
	redisContainer testcontainers.Container
	redisAddr      string
	redisErr       error
)

// RedisAddress starts (once per test binary) a Redis container and returns
// its host:port. The test is skipped when no container runtime is available.
func RedisAddress(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "redis:7-alpine",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}
		redisContainer = c

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			redisErr = err
			return
		}
		redisAddr = endpoint
	})

	if redisErr != nil {
		t.Skipf("redis container unavailable: %v", redisErr)
	}
	return redisAddr
}

// TerminateRedis stops the container started by RedisAddress, if any. Call it
// from TestMain after m.Run.
func TerminateRedis() {
	if redisContainer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = redisContainer.Terminate(ctx)
	redisContainer = nil
}
