// Package metrics exposes the Prometheus registry shared by the harvest and
// aggregate stages. All metrics are defined in their respective packages
// (client, harvest, aggregate, ratelimit) to maintain modularity and avoid
// circular dependencies.
//
// This package serves them over HTTP and documents them.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a /metrics listener on addr in the background. The caller
// shuts the returned server down when the run ends.
func Serve(addr string, logger zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	return srv, nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - lms_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - lms_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - lms_errors_total{class} (Counter): Errors by class (timeout, network, client, server, rate_limit)
//
// Harvest Metrics (pkg/harvest):
//   - lms_harvest_courses_total{status} (Counter): Courses by outcome
//   - lms_harvest_students_total{status} (Counter): Students by outcome
//   - lms_harvest_rows_written_total (Counter): Activity rows written
//
// Aggregate Metrics (pkg/aggregate):
//   - lms_aggregate_files_total{status} (Counter): Files by outcome
//   - lms_aggregate_rows_read_total (Counter): Raw rows read
//
// Rate Limit Metrics (pkg/ratelimit):
//   - lms_rate_limit_remaining (Gauge): Last observed X-Rate-Limit-Remaining
//   - lms_rate_limit_pauses_total{level} (Counter): Requests paused by level (warning, critical)
//
// Example Prometheus Queries:
//
//   # Student failure ratio
//   sum(rate(lms_harvest_students_total{status="failed"}[5m])) /
//   sum(rate(lms_harvest_students_total[5m]))
//
//   # Budget running low
//   lms_rate_limit_remaining < 200
//
//   # P95 analytics latency
//   histogram_quantile(0.95, rate(lms_request_duration_seconds_bucket[5m]))
