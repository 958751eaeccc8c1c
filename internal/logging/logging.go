// Package logging builds the process-wide zap logger used by every
// subsystem package. Subsystems take a logger at construction; this
// package keeps no package-level logger, and internal/runtimevm uses the
// one passed to runtimevm.New.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a development (human-readable, colorized) logger when debug is
// true, or a production (JSON) logger otherwise.
func New(debug bool) *zap.SugaredLogger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		// Logger construction failing means the process environment is
		// broken beyond repair; fall back to a no-op rather than panic
		// before any diagnostics can be emitted.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything, for tests and embedders
// that don't want engine chatter.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
