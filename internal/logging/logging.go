// Package logging configures the process-wide structured logger. Output is
// JSON, to stderr and optionally to a size-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options selects log level and destinations.
type Options struct {
	Level    string // debug, info, warn, error
	FilePath string // empty disables file output
	MaxBytes int64  // rotation threshold, 0 means defaultMaxBytes
	Keep     int    // rotated files kept, 0 means defaultKeep
	Quiet    bool   // suppress stderr output
}

const (
	defaultMaxBytes = 64 << 20
	defaultKeep     = 4
)

// Setup installs the default slog logger per the options. The returned
// closer flushes the rotated file, if any; callers defer it.
func Setup(opts Options) (io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)

	if !opts.Quiet {
		out = os.Stderr
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, err
		}
		maxBytes := opts.MaxBytes
		if maxBytes <= 0 {
			maxBytes = defaultMaxBytes
		}
		keep := opts.Keep
		if keep <= 0 {
			keep = defaultKeep
		}
		fw, err := newRotatingWriter(opts.FilePath, maxBytes, keep)
		if err != nil {
			return nil, err
		}
		closer = fw
		if out == nil {
			out = fw
		} else {
			out = io.MultiWriter(out, fw)
		}
	}

	if out == nil {
		out = io.Discard
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: Level(opts.Level)})
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// Level maps a config string to a slog level, defaulting to info.
func Level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
