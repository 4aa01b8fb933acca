// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	serviceName = "lectio-api"
)

// NewLogger returns a zap logger writing structured entries at level. The
// console format is meant for local runs.
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON, "":
	case FormatConsole:
		cfg.Encoding = FormatConsole
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": serviceName}

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	return cfg.Build()
}
