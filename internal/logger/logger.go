// Package logger holds the process-wide structured logger used by the runtime
// packages and beethovenctl.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// L is the global logger. It discards everything until Init enables it.
var L = discard()

const (
	logPrefix  = "beethoven-"
	logSuffix  = ".log"
	dateLayout = "2006-01-02"

	// DefaultRetention is how long daily log files are kept in LogDir.
	DefaultRetention = 30 * 24 * time.Hour
)

// Options configures the logger initialization.
type Options struct {
	Enabled   bool          // If false, all logging is discarded
	LogDir    string        // Directory for daily log files. Empty logs to Output
	Output    io.Writer     // Destination when LogDir is empty. Default: os.Stderr
	Level     slog.Level    // Minimum level. The zero value is info
	JSON      bool          // Emit JSON records instead of key=value text
	Retention time.Duration // Age after which daily files are pruned. Default: DefaultRetention
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Init replaces L according to opts. Runtime packages capture a child logger
// when they are constructed, so call Init before opening a runtime.
func Init(opts Options) error {
	if !opts.Enabled {
		L = discard()
		return nil
	}

	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	if opts.LogDir != "" {
		f, err := openDaily(opts.LogDir, opts.Retention, time.Now())
		if err != nil {
			return err
		}
		w = f
	}

	ho := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		L = slog.New(slog.NewJSONHandler(w, ho))
	} else {
		L = slog.New(slog.NewTextHandler(w, ho))
	}
	return nil
}

// openDaily prunes expired files in dir and opens today's file for append.
func openDaily(dir string, retention time.Duration, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	prune(dir, now.Add(-retention))

	name := filepath.Join(dir, logPrefix+now.Format(dateLayout)+logSuffix)
	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// prune removes daily files dated before cutoff. Errors are ignored.
func prune(dir string, cutoff time.Time) {
	matches, _ := filepath.Glob(filepath.Join(dir, logPrefix+"*"+logSuffix))
	for _, path := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), logPrefix), logSuffix)
		day, err := time.Parse(dateLayout, stamp)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		_ = os.Remove(path)
	}
}

// ParseLevel maps a config string to a slog level. Unknown strings map to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// With returns a child of the global logger tagged with the component name.
func With(component string) *slog.Logger { return L.With("component", component) }

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { L.Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { L.Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { L.Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { L.Error(msg, args...) }
