// Package cdx models web-archive capture index (CDX) records and the
// normalization rules that turn them into deduplication keys.
// A dedup key is the normalized URL plus the capture timestamp in the
// archive's compact 14-digit form; two records with the same key refer
// to the same captured page.
package cdx

import (
	"errors"
	"fmt"
	"time"
)

// CompactTimeLayout is the wayback-style 14-digit timestamp format.
const CompactTimeLayout = "20060102150405"

var (
	// ErrMissingURL is returned when a record has no URL
	ErrMissingURL = errors.New("cdx record has no url")
	// ErrMissingTimestamp is returned when a record has no capture timestamp
	ErrMissingTimestamp = errors.New("cdx record has no timestamp")
	// ErrBadTimestamp is returned when a timestamp is neither 14-digit nor ISO 8601
	ErrBadTimestamp = errors.New("cdx timestamp is not 14-digit or ISO 8601")
	// ErrBadURL is returned when a URL cannot be parsed or lacks scheme/host
	ErrBadURL = errors.New("cdx url is not absolute")
)

// Record is one line of a CDX capture index as received from a source.
type Record struct {
	URL        string `json:"url"`
	Timestamp  string `json:"timestamp"` // 14-digit (YYYYMMDDhhmmss) or ISO 8601
	Mimetype   string `json:"mimetype,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Length     int64  `json:"length,omitempty"`
}

// Key identifies one unique captured page: normalized URL at one capture time.
type Key struct {
	URL       string    // normalized form
	CaptureTS time.Time // UTC
}

// String returns the canonical string form used as the storage dedup key.
func (k Key) String() string {
	return k.URL + "@" + k.CaptureTS.UTC().Format(CompactTimeLayout)
}

// KeyForRecord validates a record and computes its dedup key.
// Malformed records are rejected here, before any storage row is created.
func KeyForRecord(r Record) (Key, error) {
	if r.URL == "" {
		return Key{}, ErrMissingURL
	}
	if r.Timestamp == "" {
		return Key{}, ErrMissingTimestamp
	}

	normalized, err := NormalizeURL(r.URL)
	if err != nil {
		return Key{}, err
	}

	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return Key{}, err
	}

	return Key{URL: normalized, CaptureTS: ts}, nil
}

// ParseTimestamp accepts the archive's 14-digit compact form or an ISO 8601
// timestamp and returns the capture time in UTC. Shorter digit prefixes
// (YYYYMMDD, YYYYMMDDhh) are padded the way archive CDX servers emit them.
func ParseTimestamp(s string) (time.Time, error) {
	if isDigits(s) {
		if len(s) < 4 || len(s) > 14 || len(s)%2 != 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
		}
		if len(s) < 14 {
			// Truncated precision: month/day default to 01, time-of-day to 00.
			s += "0101000000"[len(s)-4:]
		}
		ts, err := time.ParseInLocation(CompactTimeLayout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
		}
		return ts, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
