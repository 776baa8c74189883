package cdx

import (
	"testing"
	"time"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "Lowercase scheme and host",
			input:    "HTTPS://Example.COM/Page",
			expected: "https://example.com/Page",
		},
		{
			name:     "Drop default http port",
			input:    "http://example.com:80/page",
			expected: "http://example.com/page",
		},
		{
			name:     "Drop default https port",
			input:    "https://example.com:443/page",
			expected: "https://example.com/page",
		},
		{
			name:     "Keep non-default port",
			input:    "http://example.com:8080/page",
			expected: "http://example.com:8080/page",
		},
		{
			name:     "Drop fragment",
			input:    "https://example.com/page#section",
			expected: "https://example.com/page",
		},
		{
			name:     "Trim trailing slash",
			input:    "https://example.com/page/",
			expected: "https://example.com/page",
		},
		{
			name:     "Root path kept",
			input:    "https://example.com/",
			expected: "https://example.com/",
		},
		{
			name:     "Empty path becomes root",
			input:    "https://example.com",
			expected: "https://example.com/",
		},
		{
			name:     "Query string preserved",
			input:    "https://example.com/search?q=go&page=2",
			expected: "https://example.com/search?q=go&page=2",
		},
		{
			name:     "Surrounding whitespace trimmed",
			input:    "  https://example.com/page  ",
			expected: "https://example.com/page",
		},
		{
			name:    "Relative URL rejected",
			input:   "/relative/path",
			wantErr: true,
		},
		{
			name:    "Schemeless rejected",
			input:   "example.com/page",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("got %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestTimestampFromCaptureURL(t *testing.T) {
	t.Run("full wayback URL", func(t *testing.T) {
		ts, ok := TimestampFromCaptureURL("https://web.archive.org/web/20190304112233/http://example.com/page")
		if !ok {
			t.Fatal("expected a timestamp")
		}
		expected := time.Date(2019, 3, 4, 11, 22, 33, 0, time.UTC)
		if !ts.Equal(expected) {
			t.Errorf("got %v, expected %v", ts, expected)
		}
	})

	t.Run("replay flag suffix", func(t *testing.T) {
		ts, ok := TimestampFromCaptureURL("https://web.archive.org/web/20190304112233id_/http://example.com/")
		if !ok {
			t.Fatal("expected a timestamp")
		}
		if ts.Year() != 2019 {
			t.Errorf("got %v", ts)
		}
	})

	t.Run("no wayback wrapper", func(t *testing.T) {
		if _, ok := TimestampFromCaptureURL("https://example.com/page"); ok {
			t.Error("expected no timestamp")
		}
	})
}

func TestTargetFromCaptureURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Wayback wrapper stripped",
			input:    "https://web.archive.org/web/20190304112233/http://example.com/page",
			expected: "http://example.com/page",
		},
		{
			name:     "Replay flag stripped",
			input:    "https://web.archive.org/web/20190304112233id_/http://example.com/page",
			expected: "http://example.com/page",
		},
		{
			name:     "Plain URL unchanged",
			input:    "http://example.com/page",
			expected: "http://example.com/page",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetFromCaptureURL(tt.input); got != tt.expected {
				t.Errorf("got %q, expected %q", got, tt.expected)
			}
		})
	}
}
