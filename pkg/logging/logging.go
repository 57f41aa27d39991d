// Package logging builds the zap.Logger used across title-node: JSON in
// production, console in debug mode, with a "component" field attached at
// each package boundary.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's verbosity and encoding.
type Config struct {
	// Debug switches to a human-readable console encoder at debug level.
	// Production deployments leave this false for JSON-encoded info level.
	Debug bool
}

// NewLogger builds a *zap.Logger per cfg. A nil cfg is treated as
// production defaults.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Debug {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return zc.Build()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return zc.Build()
}

// Component returns a child logger tagged with the owning package's name,
// matching the "component" field convention used throughout title-node.
func Component(l *zap.Logger, name string) *zap.Logger {
	return l.With(zap.String("component", name))
}
