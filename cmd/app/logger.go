package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func initLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	lvl := zap.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.StacktraceKey = ""
	logger, _ := cfg.Build()
	return logger
}
