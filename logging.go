package lambdart

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// newLogger builds the process-wide logger from LOG_LEVEL, grounded on
// the same "a writer wrapped in a *zerolog.Logger" shape the teacher
// codebase uses for its agent-wide logger.
func newLogger(levelName string) zerolog.Logger {
	level, ok := parseLevel(levelName)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if !ok && levelName != "" {
		logger.Warn().Str("log_level", levelName).Msg("lambdart: unrecognized LOG_LEVEL, defaulting to info")
	}
	return logger
}

func parseLevel(name string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return zerolog.InfoLevel, true
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}
