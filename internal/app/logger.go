package app

import (
	"strings"

	"github.com/imovtec/twofactor/pkg/logger"
)

// ConfigureLogging initialises the global logger with the provided level, defaulting to info.
// An empty format selects JSON output.
func ConfigureLogging(level, format string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
	}
	return logger.InitWithFormat(level, format)
}
