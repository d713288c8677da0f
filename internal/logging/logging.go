// Package logging builds this process's zap.Logger. It is a scaled-down
// version of the teacher's shared logger construction: JSON to stdout,
// a single core, no otel bridge and no multi-service fan-out, since this
// process has exactly one log sink and nothing to export metrics to.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger New builds.
type Options struct {
	Development bool
	Debug       bool
}

// New builds a zap.Logger writing structured JSON lines to stdout (or
// zap's human-readable console encoding in Development mode).
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	encoding := "json"
	if opts.Development {
		encoding = "console"
	}

	config := zap.Config{
		Level:             level,
		Development:       opts.Development,
		DisableStacktrace: false,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := config.Build(
		zap.Fields(zap.String("service", "vhost-blk-server"), zap.Int("pid", os.Getpid())),
	)
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}

	return logger, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    zapcore.DefaultLineEnding,
	}
}
