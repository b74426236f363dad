// Package observability holds the process-wide loggers.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger commands write diagnostics to. It is a no-op
// logger until InitCLILogger runs.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// InitCLILogger configures CLILogger. verbose switches to a development
// console encoder at debug level.
func InitCLILogger(name string, verbose bool) {
	level, profile := "info", ProfileStructured
	if verbose {
		level, profile = "debug", ProfileConsole
	}
	l, err := NewLogger(level, profile)
	if err != nil {
		l = zap.NewExample()
	}
	CLILogger = l.Named(name)
}

// NewLogger builds a logger for a level and profile. The structured profile
// writes JSON to stderr; the console profile writes colored text.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
