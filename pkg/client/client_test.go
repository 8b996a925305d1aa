package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLimiter struct {
	waits   int32
	updates int32
	waitErr error
}

func (f *fakeLimiter) Wait(ctx context.Context) error {
	atomic.AddInt32(&f.waits, 1)
	return f.waitErr
}

func (f *fakeLimiter) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	atomic.AddInt32(&f.updates, 1)
	return nil
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(DefaultConfig(baseURL, "secret-token"))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("https://lms.example.com/api/v1", "token"),
			expectError: false,
		},
		{
			name:        "empty base url",
			config:      Config{Token: "token"},
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name:        "empty token",
			config:      Config{BaseURL: "https://lms.example.com/api/v1"},
			expectError: true,
			errorMsg:    "token is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				if client == nil {
					t.Error("Client is nil")
				}
			}
		})
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	c, err := New(Config{BaseURL: "https://lms.example.com", Token: "t"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if c.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.config.Timeout, DefaultTimeout)
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		base     string
		endpoint string
		expected string
	}{
		{"https://lms.example.com/api/v1", "courses/1", "https://lms.example.com/api/v1/courses/1"},
		{"https://lms.example.com/api/v1/", "courses/1", "https://lms.example.com/api/v1/courses/1"},
		{"https://lms.example.com/api/v1", "/courses/1", "https://lms.example.com/api/v1/courses/1"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			c := newTestClient(t, tt.base)
			if got := c.URL(tt.endpoint); got != tt.expected {
				t.Errorf("URL(%q) = %q, want %q", tt.endpoint, got, tt.expected)
			}
		})
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/api/v1/courses/42", "/api/v1/courses/{id}"},
		{"/api/v1/courses/42/analytics/users/7/activity", "/api/v1/courses/{id}/analytics/users/{id}/activity"},
		{"/api/v1/accounts/self/courses", "/api/v1/accounts/self/courses"},
		{"/api/v1/courses/42a", "/api/v1/courses/42a"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := endpointLabel(tt.path); got != tt.expected {
				t.Errorf("endpointLabel(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		expected   ErrorClass
	}{
		{"client error 404", 404, "", ErrorClassClient},
		{"client error 401", 401, `{"errors":[{"message":"Invalid access token."}]}`, ErrorClassClient},
		{"forbidden without throttle", 403, "forbidden", ErrorClassClient},
		{"forbidden throttled", 403, "403 Forbidden (Rate Limit Exceeded)", ErrorClassRateLimit},
		{"too many requests", 429, "", ErrorClassRateLimit},
		{"server error 500", 500, "", ErrorClassServer},
		{"server error 503", 503, "", ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatus(tt.statusCode, []byte(tt.body)); got != tt.expected {
				t.Errorf("classifyStatus() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGet_SetsHeadersAndQuery(t *testing.T) {
	var auth, accept, userAgent string
	var query url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		userAgent = r.Header.Get("User-Agent")
		query = r.URL.Query()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"id": 1}]`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	params := url.Values{}
	params.Add("include[]", "term")
	params.Set("per_page", "100")

	resp, err := c.Get(context.Background(), c.URL("accounts/self/courses"), params, 0)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
	if accept != "application/json" {
		t.Errorf("Accept = %q, want application/json", accept)
	}
	if userAgent != "canvas-activity/0.1.0" {
		t.Errorf("User-Agent = %q", userAgent)
	}
	if query.Get("include[]") != "term" || query.Get("per_page") != "100" {
		t.Errorf("query = %v, want include[]=term and per_page=100", query)
	}
	if string(resp.Body) != `[{"id": 1}]` {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestGet_HTTPErrorReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Get(context.Background(), c.URL("courses/1"), nil, 0)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}
	if apiErr.ErrorClass != ErrorClassServer {
		t.Errorf("ErrorClass = %q, want %q", apiErr.ErrorClass, ErrorClassServer)
	}
}

func TestGet_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Get(context.Background(), c.URL("slow"), nil, 50*time.Millisecond)

	if !IsTimeout(err) {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestGet_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	c := newTestClient(t, baseURL)
	_, err := c.Get(context.Background(), c.URL("courses/1"), nil, time.Second)

	if ClassOf(err) != ErrorClassNetwork {
		t.Errorf("ClassOf() = %q, want %q (err=%v)", ClassOf(err), ErrorClassNetwork, err)
	}
}

func TestGet_RateLimiterConsulted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Rate-Limit-Remaining", "650.0")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	limiter := &fakeLimiter{}
	cfg := DefaultConfig(server.URL, "token")
	cfg.RateLimiter = limiter
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := c.Get(context.Background(), c.URL("courses/1"), nil, 0); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if atomic.LoadInt32(&limiter.waits) != 1 {
		t.Errorf("Wait calls = %d, want 1", limiter.waits)
	}
	if atomic.LoadInt32(&limiter.updates) != 1 {
		t.Errorf("UpdateFromHeaders calls = %d, want 1", limiter.updates)
	}
}

func TestGet_RateLimiterWaitError(t *testing.T) {
	limiter := &fakeLimiter{waitErr: context.Canceled}
	cfg := DefaultConfig("http://127.0.0.1:1", "token")
	cfg.RateLimiter = limiter
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = c.Get(context.Background(), c.URL("courses/1"), nil, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected wrapped context.Canceled, got %v", err)
	}
}
