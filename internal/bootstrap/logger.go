package bootstrap

import (
	"dcaengine/internal/core"
	"dcaengine/pkg/logging"
)

// InitLogger builds the structured logger every component in the
// engine is built against, and installs it as the package-level
// global so early-init code that can't take a dependency yet
// (logging.Info/Warn/Error) still lands in the same sink.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
	}
	logging.SetGlobalLogger(logger)
	return logger
}
