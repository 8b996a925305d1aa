// Package testutil provides testing utilities for the LMS activity harvester.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// APIPrefix is the path prefix the mock serves the API under.
const APIPrefix = "/api/v1"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockLMS is a configurable mock LMS API server for testing.
type MockLMS struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockLMS creates a new mock LMS server.
func NewMockLMS() *MockLMS {
	mock := &MockLMS{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		notFound(w)
	}))

	return mock
}

// URL returns the mock server root URL.
func (m *MockLMS) URL() string {
	return m.server.URL
}

// BaseURL returns the API base address clients should be configured with.
func (m *MockLMS) BaseURL() string {
	return m.server.URL + APIPrefix
}

// Close shuts down the mock server.
func (m *MockLMS) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockLMS) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockLMS) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to an API path
// (relative to APIPrefix).
func (m *MockLMS) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[APIPrefix+"/"+path]
}

// SetHandler sets a custom handler for an API path relative to APIPrefix,
// e.g. "courses/42".
func (m *MockLMS) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[APIPrefix+"/"+path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockLMS) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(resp.Delay):
			}
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetJSON configures a 200 OK JSON response for a path.
func (m *MockLMS) SetJSON(path, body string) {
	m.SetResponse(path, NewJSONResponse(body))
}

// SetPages serves pages[i] for ?page=i+1 and links each page to the next
// with an absolute rel="next" URL, the way the LMS does.
func (m *MockLMS) SetPages(path string, pages []string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 || n > len(pages) {
				notFound(w)
				return
			}
			page = n
		}

		self := fmt.Sprintf("%s%s", m.server.URL, r.URL.Path)
		link := fmt.Sprintf(`<%s?page=%d&per_page=100>; rel="current"`, self, page)
		if page < len(pages) {
			link += fmt.Sprintf(`,<%s?page=%d&per_page=100>; rel="next"`, self, page+1)
		}
		link += fmt.Sprintf(`,<%s?page=1&per_page=100>; rel="first"`, self)
		w.Header().Set("Link", link)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(pages[page-1]))
	})
}

// SetCourse registers GET courses/{id}.
func (m *MockLMS) SetCourse(courseID int64, name string) {
	m.SetJSON(fmt.Sprintf("courses/%d", courseID),
		fmt.Sprintf(`{"id": %d, "name": %q, "course_code": "C%d", "workflow_state": "available"}`, courseID, name, courseID))
}

// SetStudents registers GET courses/{id}/users with a single page.
func (m *MockLMS) SetStudents(courseID int64, body string) {
	m.SetPages(fmt.Sprintf("courses/%d/users", courseID), []string{body})
}

// SetActivity registers GET courses/{id}/analytics/users/{sid}/activity.
func (m *MockLMS) SetActivity(courseID, studentID int64, body string) {
	m.SetJSON(fmt.Sprintf("courses/%d/analytics/users/%d/activity", courseID, studentID), body)
}

// SetActivityResponse registers an arbitrary response for a student's activity.
func (m *MockLMS) SetActivityResponse(courseID, studentID int64, resp MockResponse) {
	m.SetResponse(fmt.Sprintf("courses/%d/analytics/users/%d/activity", courseID, studentID), resp)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"errors":[{"message":"The specified resource does not exist."}]}`))
}

// NewJSONResponse creates a standard 200 OK JSON response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type":           "application/json; charset=utf-8",
			"X-Rate-Limit-Remaining": "700.0",
			"X-Request-Cost":         "0.1",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"message":"An error occurred."}]}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 response as returned for a bad token.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errors":[{"message":"Invalid access token."}]}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewThrottledResponse creates a 403 response as returned when the token's
// request budget is exhausted.
func NewThrottledResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       "403 Forbidden (Rate Limit Exceeded)",
		Headers: map[string]string{
			"X-Rate-Limit-Remaining": "0.0",
		},
	}
}

// NewSlowResponse creates a response that only arrives after delay.
func NewSlowResponse(data string, delay time.Duration) MockResponse {
	resp := NewJSONResponse(data)
	resp.Delay = delay
	return resp
}
