//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

func TestTracker_Integration_StateRoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != DefaultRemaining {
		t.Errorf("Default Remaining = %v, want %d", state.Remaining, DefaultRemaining)
	}

	headers := http.Header{}
	headers.Set(HeaderRemaining, "432.5")
	headers.Set(HeaderRequestCost, "2.25")
	if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() after update error = %v", err)
	}
	if state.Remaining != 432.5 {
		t.Errorf("Remaining = %v, want 432.5", state.Remaining)
	}
	if state.RequestCost != 2.25 {
		t.Errorf("RequestCost = %v, want 2.25", state.RequestCost)
	}
	if !state.IsHealthy {
		t.Error("State with 432.5 remaining should be healthy")
	}
	if state.IsStale(StateMaxAge) {
		t.Error("Freshly stored state should not be stale")
	}
}

func TestTracker_Integration_SharedAcrossTrackers(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	writer := NewTracker(redisClient, zerolog.Nop())
	reader := NewTracker(redisClient, zerolog.Nop())

	headers := http.Header{}
	headers.Set(HeaderRemaining, "150")
	if err := writer.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	start := time.Now()
	if err := reader.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d < 900*time.Millisecond {
		t.Errorf("Wait() duration = %v, want >= 1s in warning state", d)
	}
}

func TestTracker_Integration_WaitHonoursContext(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(redisClient, zerolog.Nop())
	headers := http.Header{}
	headers.Set(HeaderRemaining, "5")
	if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := tracker.Wait(ctx); err == nil {
		t.Error("Wait() error = nil, want context deadline")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Wait() took %v, want it to stop at the deadline", d)
	}
}
