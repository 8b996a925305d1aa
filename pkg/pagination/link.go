package pagination

import (
	"net/http"
	"strings"
)

// ParseLinkHeader parses an RFC 8288 Link header value into a map of
// relation type to target URL. Entries with several space-separated
// relation types are registered under each of them.
//
//	<https://lms.example.com/api/v1/courses?page=2>; rel="next", <...>; rel="last"
func ParseLinkHeader(header string) map[string]string {
	links := make(map[string]string)

	for _, part := range splitLinks(header) {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "<") {
			continue
		}
		end := strings.Index(part, ">")
		if end < 0 {
			continue
		}
		target := strings.TrimSpace(part[1:end])

		for _, param := range strings.Split(part[end+1:], ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			value = strings.Trim(strings.TrimSpace(value), `"'`)
			for _, rel := range strings.Fields(value) {
				links[strings.ToLower(rel)] = target
			}
		}
	}

	return links
}

// NextLink returns the rel="next" target from the response headers, or "".
func NextLink(h http.Header) string {
	var links map[string]string
	for _, v := range h.Values("Link") {
		for rel, target := range ParseLinkHeader(v) {
			if links == nil {
				links = make(map[string]string)
			}
			links[rel] = target
		}
	}
	return links["next"]
}

// splitLinks splits on commas that are outside of <...> targets.
func splitLinks(header string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range header {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, header[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, header[start:])
}
