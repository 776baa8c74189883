package cdx

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// defaultPorts maps schemes to ports that are dropped during normalization.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL applies deterministic transformations so equivalent URLs
// compare equal: scheme and host are lowercased, default ports and fragments
// are dropped, and the trailing slash is removed from non-root paths.
// Query strings are kept as captured; for archived pages they distinguish
// genuinely different captures.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrBadURL, raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = normalizeHost(parsed)
	parsed.Fragment = ""

	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	return parsed.String(), nil
}

func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || port == defaultPorts[u.Scheme] {
		return host
	}
	return host + ":" + port
}

// waybackPathPattern matches the timestamp segment of an archive capture URL,
// e.g. https://web.archive.org/web/20190304112233/http://example.com/.
var waybackPathPattern = regexp.MustCompile(`/web/(\d{4,14})(?:[a-z]{2}_)?/`)

// TimestampFromCaptureURL re-derives a capture timestamp embedded in a
// wayback-style URL. Legacy records often carry only the capture URL; the
// migration engine uses this before falling back to a validation skip.
func TimestampFromCaptureURL(captureURL string) (time.Time, bool) {
	m := waybackPathPattern.FindStringSubmatch(captureURL)
	if m == nil {
		return time.Time{}, false
	}
	ts, err := ParseTimestamp(m[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// TargetFromCaptureURL extracts the original page URL out of a wayback-style
// capture URL. Returns the input unchanged when no wrapper is present.
func TargetFromCaptureURL(captureURL string) string {
	loc := waybackPathPattern.FindStringIndex(captureURL)
	if loc == nil {
		return captureURL
	}
	return captureURL[loc[1]:]
}
