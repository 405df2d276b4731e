package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string

	// Component tags every entry with the emitting process (api, worker).
	Component string
}

func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "timestamp"

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Component != "" {
		logger = logger.With(zap.String("component", cfg.Component))
	}
	return logger, nil
}
