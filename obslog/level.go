package obslog

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel converts a config string into a slog.Level, case-insensitively,
// after nugget-thane-ai-agent/internal/config.ParseLogLevel. Accepted:
// debug, info (or empty), warn/warning, error; anything else, including
// trace, is an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}
