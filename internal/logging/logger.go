// Package logging builds the zap logger a pipeline instance is given.
// Nothing here is global: callers construct a logger once and pass it, or a
// category-named child of it, to each component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"secondmind/internal/config"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and config
	CategoryPipeline   Category = "pipeline"   // Cycle orchestration
	CategoryGeneration Category = "generation" // Generation stage
	CategoryReflection Category = "reflection" // Reflection stage
	CategoryRanking    Category = "ranking"    // Ranking stage
	CategoryEvolution  Category = "evolution"  // Evolution stage
	CategoryMetaReview Category = "metareview" // Meta-review stage
	CategoryOracle     Category = "oracle"     // Text-generation calls
	CategoryEvidence   Category = "evidence"   // Search and fetch
	CategoryStore      Category = "store"      // Context store and journal
)

// New builds a logger from the logging config. verbose forces debug level.
func New(cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
	} else {
		zc.OutputPaths = []string{"stderr"}
	}

	return zc.Build()
}

// For returns a child logger named after the category. A nil base yields a
// no-op logger so components can be constructed without one.
func For(base *zap.Logger, category Category) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(string(category))
}

// Session scopes a logger to a session and cycle.
func Session(base *zap.Logger, sessionID string, cycle int) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.With(zap.String("session_id", sessionID), zap.Int("cycle", cycle))
}
