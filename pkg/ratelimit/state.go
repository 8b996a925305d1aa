// Package ratelimit tracks the Canvas request-cost budget and gates requests.
// It reads the X-Rate-Limit-Remaining and X-Request-Cost headers so that every
// worker sharing one token slows down before the API starts answering 403.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining   = "canvas:rate_limit:remaining"
	RedisKeyRequestCost = "canvas:rate_limit:request_cost"
	RedisKeyLastUpdate  = "canvas:rate_limit:last_update"
)

// Thresholds for rate limit decisions, in Canvas quota units. A fresh bucket
// holds 700.
const (
	// RemainingThresholdCritical pauses requests for CriticalPause when the
	// budget falls below this value.
	RemainingThresholdCritical = 50

	// RemainingThresholdWarning pauses requests for WarningPause.
	RemainingThresholdWarning = 200

	// RemainingThresholdHealthy indicates normal operation.
	RemainingThresholdHealthy = 400

	// DefaultRemaining is assumed before any header has been seen.
	DefaultRemaining = 700
)

// Pauses applied by Tracker.Wait.
const (
	WarningPause  = 1 * time.Second
	CriticalPause = 10 * time.Second
)

// StateMaxAge is how long a stored budget is trusted. Canvas refills the
// bucket continuously, so an old low reading says nothing about now.
const StateMaxAge = 60 * time.Second

// RateLimitState represents the last observed Canvas throttling budget.
// It is shared across workers and processes via Redis.
type RateLimitState struct {
	// Remaining is the X-Rate-Limit-Remaining value of the last response.
	Remaining float64 `json:"remaining"`

	// RequestCost is the X-Request-Cost value of the last response.
	RequestCost float64 `json:"request_cost"`

	// LastUpdate is when the state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// DefaultState returns the healthy state assumed when nothing is stored.
func DefaultState() *RateLimitState {
	s := &RateLimitState{Remaining: DefaultRemaining, LastUpdate: time.Now()}
	s.UpdateHealth()
	return s
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsCritical returns true if requests should take the long pause.
func (s *RateLimitState) IsCritical() bool {
	return s.Remaining < RemainingThresholdCritical
}

// NeedsThrottling returns true if requests should take the short pause.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingThresholdWarning && !s.IsCritical()
}

// Pause returns how long a request should wait before being sent.
func (s *RateLimitState) Pause() time.Duration {
	switch {
	case s.IsCritical():
		return CriticalPause
	case s.NeedsThrottling():
		return WarningPause
	default:
		return 0
	}
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingThresholdHealthy
}
