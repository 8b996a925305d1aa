package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/canvas-activity/pkg/client"
	"github.com/rs/zerolog"
)

// DefaultDelay is the pause after every page to stay under upstream rate limits.
const DefaultDelay = 200 * time.Millisecond

// ErrMalformedBody is returned when a page body is not valid JSON.
var ErrMalformedBody = errors.New("malformed response body")

// loggedParams are the query parameters echoed in per-page log lines.
var loggedParams = []string{"start_time", "end_time", "search_term"}

// Getter is the subset of the LMS client the fetcher needs.
type Getter interface {
	URL(endpoint string) string
	Get(ctx context.Context, rawURL string, params url.Values, timeout time.Duration) (*client.Response, error)
}

// Request describes one logical paginated query.
type Request struct {
	// Endpoint is relative to the client's base address, e.g. "courses/42/users".
	Endpoint string

	// Params are sent with the first request only.
	Params url.Values

	// Timeout per page request. Zero uses the client default.
	Timeout time.Duration
}

// Fetcher follows Link header pagination and concatenates every page.
type Fetcher struct {
	client Getter
	delay  time.Duration
	logger zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithDelay overrides the inter-page delay.
func WithDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		if d >= 0 {
			f.delay = d
		}
	}
}

// NewFetcher creates a fetcher on top of an LMS client.
func NewFetcher(c Getter, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: c,
		delay:  DefaultDelay,
		logger: logger.With().Str("component", "pagination").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the ordered concatenation of all pages for req.
//
// A timed-out request ends pagination and returns what was gathered so far
// with a nil error. An empty body also ends pagination without error.
// Network failures, HTTP error statuses and invalid JSON are returned.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]json.RawMessage, error) {
	target := f.client.URL(req.Endpoint)
	params := req.Params

	var items []json.RawMessage
	for page := 1; target != ""; page++ {
		f.logPage(page, target, params)

		resp, err := f.client.Get(ctx, target, params, req.Timeout)
		if err != nil {
			if client.IsTimeout(err) {
				f.logger.Warn().
					Str("url", target).
					Int("page", page).
					Int("items", len(items)).
					Msg("Request timed out, returning partial results")
				return items, nil
			}
			f.logger.Error().Err(err).Str("url", target).Msg("Request error")
			return nil, err
		}

		body := bytes.TrimSpace(resp.Body)
		if len(body) == 0 {
			f.logger.Warn().Str("url", target).Msg("Empty response received")
			return items, nil
		}

		pageItems, err := decodePage(body)
		if err != nil {
			f.logger.Error().Err(err).
				Str("url", target).
				Str("body_prefix", truncate(string(body), 200)).
				Msg("Error parsing JSON")
			return nil, fmt.Errorf("%w from %s: %v", ErrMalformedBody, target, err)
		}
		items = append(items, pageItems...)

		f.logger.Info().
			Int("page", page).
			Int("items", len(pageItems)).
			Msg("Received page")

		next := NextLink(resp.Header)
		if next != "" {
			next = resolve(target, next)
		}
		target = next
		params = nil

		if err := f.sleep(ctx); err != nil {
			return nil, err
		}
	}

	return items, nil
}

func (f *Fetcher) sleep(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	t := time.NewTimer(f.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Fetcher) logPage(page int, target string, params url.Values) {
	event := f.logger.Info().
		Int("page", page).
		Str("url", strings.SplitN(target, "?", 2)[0])
	for _, key := range loggedParams {
		if v := params.Get(key); v != "" {
			event = event.Str(key, v)
		}
	}
	event.Msg("Requesting page")
}

// decodePage splits a JSON array into its elements; any other JSON value
// becomes a single element.
func decodePage(body []byte) ([]json.RawMessage, error) {
	if body[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	if !json.Valid(body) {
		// Unmarshal reports the syntax error position.
		var v any
		return nil, json.Unmarshal(body, &v)
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}

// resolve makes a possibly relative next link absolute against the current URL.
func resolve(current, next string) string {
	base, err := url.Parse(current)
	if err != nil {
		return next
	}
	ref, err := url.Parse(next)
	if err != nil {
		return next
	}
	return base.ResolveReference(ref).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
