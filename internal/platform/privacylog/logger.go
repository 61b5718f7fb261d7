package privacylog

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger: JSON or text output at level, wrapped
// in a SanitizingHandler.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	return slog.New(WrapHandler(base))
}

// ParseLevel maps debug, info, warn and error to slog levels; anything else
// is info.
func ParseLevel(raw string) slog.Level {
	var level slog.Level
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "warning":
		level = slog.LevelWarn
	default:
		if err := level.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
	}
	return level
}
