package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Canvas throttling headers.
const (
	HeaderRemaining   = "X-Rate-Limit-Remaining"
	HeaderRequestCost = "X-Request-Cost"
)

// Prometheus metrics for rate limit tracking.
var (
	lmsRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lms_rate_limit_remaining",
		Help: "Last observed X-Rate-Limit-Remaining budget",
	})

	lmsRateLimitPausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_rate_limit_pauses_total",
		Help: "Total number of requests paused due to a low rate limit budget",
	}, []string{"level"})
)

// Tracker monitors the Canvas throttling budget and gates requests.
// It satisfies client.RateLimiter.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger.With().Str("component", "rate-limit").Logger(),
		sleep:  sleepContext,
	}
}

// GetState retrieves the current rate limit state from Redis.
// Returns a default healthy state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Float64()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return DefaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	cost, err := t.redis.Get(ctx, RedisKeyRequestCost).Float64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get request cost: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &RateLimitState{
		Remaining:   remaining,
		RequestCost: cost,
		LastUpdate:  lastUpdate,
	}
	state.UpdateHealth()
	return state, nil
}

// ParseHeaders extracts a state from Canvas throttling headers. ok is false
// when the response carries no budget header.
func ParseHeaders(headers http.Header) (state *RateLimitState, ok bool, err error) {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil, false, nil
	}

	remain, err := strconv.ParseFloat(remainStr, 64)
	if err != nil {
		return nil, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	var cost float64
	if costStr := headers.Get(HeaderRequestCost); costStr != "" {
		cost, err = strconv.ParseFloat(costStr, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderRequestCost, err)
		}
	}

	state = &RateLimitState{
		Remaining:   remain,
		RequestCost: cost,
		LastUpdate:  time.Now(),
	}
	state.UpdateHealth()
	return state, true, nil
}

// UpdateFromHeaders parses Canvas throttling headers and updates Redis state.
// A response without the headers leaves the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseHeaders(headers)
	if err != nil || !ok {
		return err
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, 0)
	pipe.Set(ctx, RedisKeyRequestCost, state.RequestCost, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	lmsRateLimitRemaining.Set(state.Remaining)

	switch {
	case state.IsCritical():
		t.logger.Error().Float64("remaining", state.Remaining).Msg("Rate limit budget CRITICAL - requests will be paused")
	case state.NeedsThrottling():
		t.logger.Warn().Float64("remaining", state.Remaining).Msg("Rate limit budget WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Float64("remaining", state.Remaining).
			Float64("request_cost", state.RequestCost).
			Msg("Rate limit state updated")
	}
	return nil
}

// Wait blocks while the shared budget is low. State older than StateMaxAge
// counts as healthy. A Redis failure is logged and the request proceeds; only
// context cancellation is returned as an error.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable, proceeding")
		return ctx.Err()
	}
	if state.IsStale(StateMaxAge) {
		return nil
	}

	pause := state.Pause()
	if pause == 0 {
		return nil
	}

	level := "warning"
	if state.IsCritical() {
		level = "critical"
	}
	lmsRateLimitPausesTotal.WithLabelValues(level).Inc()
	t.logger.Warn().
		Float64("remaining", state.Remaining).
		Dur("pause", pause).
		Str("level", level).
		Msg("Rate limit budget low - pausing request")

	return t.sleep(ctx, pause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
