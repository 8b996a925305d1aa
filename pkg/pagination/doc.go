// Package pagination follows cursor-style Link header pagination on LMS
// collection endpoints.
//
// The API returns a page of results and, when more remain, a
// Link: <url>; rel="next" header. The next URL already encodes all query
// state, so it is requested as-is without the original parameters.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(lmsClient, logger)
//	items, err := fetcher.Fetch(ctx, pagination.Request{
//		Endpoint: "courses/42/users",
//		Params:   url.Values{"enrollment_type[]": {"student"}, "per_page": {"100"}},
//	})
//
// The fetcher:
//   - Concatenates every page in order (a lone JSON object counts as one item)
//   - Sleeps a fixed delay after every page (default 200ms)
//   - Returns partial results without error when a request times out
//   - Stops without error on an empty body
//   - Propagates network errors, HTTP error statuses and malformed JSON
package pagination
