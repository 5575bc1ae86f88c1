package bootstrap

import (
	"tradeguard/internal/core"
	"tradeguard/pkg/logging"
)

// InitLogger creates the process logger with the configured level and format
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.System.LogLevel,
		Format: cfg.System.LogFormat,
	})
	if err != nil {
		return nil, err
	}
	return logger.WithField("app", cfg.App.Name), nil
}
