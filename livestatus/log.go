package livestatus

import (
	"log/slog"

	"github.com/ghyeongl/livestatus/logging"
)

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logging.Sub(component)
}

func logEnabled(level slog.Level) bool {
	return logging.Enabled(level)
}
