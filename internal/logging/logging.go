// Package logging configures the process-wide slog logger.
//
// Attributes whose key names a credential are replaced with a fixed marker
// before they reach the handler, so API tokens passed through request or
// config logging never land in log files.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of any credential-named attribute.
const Redacted = "[REDACTED]"

var secretKeys = []string{"token", "api_key", "apikey", "authorization", "secret", "password"}

// Init builds a logger on stderr and installs it as the slog default.
func Init(format string, level slog.Level, echoToStdout bool) *slog.Logger {
	logger := New(os.Stderr, format, level, echoToStdout)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w. JSON is used when format is "json" or
// when records are echoed to stdout, so a log line can always be told apart
// from an NDJSON record.
func New(w io.Writer, format string, level slog.Level, echoToStdout bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}
	if echoToStdout || strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to slog.Level. Offsets such as "debug+2" are
// accepted; anything unrecognised is info.
func ParseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if isSecret(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
