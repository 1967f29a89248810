package devserver

import (
	"log/slog"

	"github.com/ghyeongl/livestatus/logging"
)

func sub(component string) *slog.Logger {
	return logging.Sub(component)
}

func logEnabled(level slog.Level) bool {
	return logging.Enabled(level)
}
