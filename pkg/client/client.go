// Package client provides the authenticated HTTP transport for the LMS REST
// API with per-call timeouts, error classification and request metrics.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for LMS client operations.
var (
	lmsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_requests_total",
		Help: "Total LMS API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	lmsRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lms_request_duration_seconds",
		Help:    "LMS API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	lmsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lms_errors_total",
		Help: "Total LMS API errors by class",
	}, []string{"class"})
)

// DefaultTimeout bounds a single request when the caller does not pass one.
const DefaultTimeout = 30 * time.Second

// RateLimiter gates outgoing requests on the upstream throttling budget.
type RateLimiter interface {
	Wait(ctx context.Context) error
	UpdateFromHeaders(ctx context.Context, headers http.Header) error
}

// Client is the LMS API client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter RateLimiter
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://canvas.example.edu/api/v1".
	BaseURL string

	// Token is the opaque bearer credential.
	Token string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout is the default per-request timeout.
	Timeout time.Duration

	// RateLimiter is optional. When nil, requests are never gated.
	RateLimiter RateLimiter
}

// DefaultConfig returns a configuration with the default timeout.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:   baseURL,
		Token:     token,
		UserAgent: "canvas-activity/0.1.0",
		Timeout:   DefaultTimeout,
	}
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// New creates a new LMS client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		// Deadlines come from the per-request context, not the transport.
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rateLimiter: cfg.RateLimiter,
		config:      cfg,
		logger:      log.With().Str("component", "lms-client").Logger(),
	}, nil
}

// URL joins an endpoint path onto the base address.
func (c *Client) URL(endpoint string) string {
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Get issues an authenticated GET against rawURL and reads the whole body.
// params are merged into the URL query when non-empty. A timeout of zero
// uses the configured default. Non-2xx responses are returned as *APIError.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	endpoint := endpointLabel(u.Path)

	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	startTime := time.Now()
	defer func() {
		lmsRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().
		Str("endpoint", endpoint).
		Dur("timeout", timeout).
		Msg("Executing LMS request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(endpoint, u.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(endpoint, u.String(), err)
	}

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errClass := classifyStatus(resp.StatusCode, body)
		lmsErrorsTotal.WithLabelValues(string(errClass)).Inc()
		lmsRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("url", u.String()).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("LMS request error")

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
			URL:        u.String(),
		}
	}

	lmsRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        u.String(),
	}, nil
}

// endpointLabel replaces numeric path segments with {id} so metric labels
// stay bounded by endpoint rather than by course and student.
func endpointLabel(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if _, err := strconv.ParseInt(seg, 10, 64); err == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// transportError wraps a failure that happened before a complete response
// was read.
func (c *Client) transportError(endpoint, rawURL string, err error) error {
	errClass := ErrorClassNetwork
	if isTimeoutErr(err) {
		errClass = ErrorClassTimeout
	}
	lmsErrorsTotal.WithLabelValues(string(errClass)).Inc()
	lmsRequestsTotal.WithLabelValues(endpoint, string(errClass)).Inc()

	c.logger.Error().Err(err).
		Str("endpoint", endpoint).
		Str("url", rawURL).
		Str("error_class", string(errClass)).
		Msg("HTTP request failed")

	return &APIError{
		ErrorClass: errClass,
		Message:    "request failed",
		URL:        rawURL,
		Err:        err,
	}
}

// classifyStatus categorizes a non-2xx response for observability and handling.
func classifyStatus(status int, body []byte) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(string(body)), "rate limit exceeded"):
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
