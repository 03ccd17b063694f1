package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the process-wide logger. Tests replace it with zap.NewNop().
var logger = zap.NewNop()

// InitLogger builds the global logger for the given level.
func InitLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if lvl == zapcore.DebugLevel {
		cfg.Development = true
		cfg.Encoding = "console"
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = l
	return nil
}
