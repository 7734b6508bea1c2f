// Package telemetry provides the structured logger shared by every
// component of the bulk execution engine.
//
// The engine is a concurrent system: per-partition streamers, dispatchers,
// and congestion controllers all run as background goroutines and need
// component-scoped, field-based logs rather than printf debugging. This
// wraps go.uber.org/zap instead of hand-rolling level filtering and text
// formatting.
package telemetry

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a component-scoped structured logger. The zero value is not
// usable; construct one with NewLogger or NewNop.
type Logger struct {
	base      *zap.Logger
	component string
}

// Config controls how the root Logger is built.
type Config struct {
	// Level is the minimum level that will be emitted.
	Level zapcore.Level
	// JSON selects JSON encoding; otherwise a console encoder is used.
	JSON bool
}

// DefaultConfig returns the engine's default logging configuration:
// info level, console-encoded, written to stderr.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel, JSON: false}
}

// NewLogger builds a root Logger from cfg.
func NewLogger(cfg Config) (*Logger, error) {
	zc := zap.NewProductionConfig()
	if !cfg.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.Level)
	zc.OutputPaths = []string{"stderr"}

	base, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{base: base}, nil
}

// NewNop returns a Logger that discards everything. Callers that are
// never given a Logger (e.g. in unit tests) should default to this
// instead of a nil pointer.
func NewNop() *Logger {
	return &Logger{base: zap.NewNop()}
}

// Named returns a logger scoped to the given component, analogous to
// WithComponent on a hand-rolled logger but backed by zap's logical
// name chaining.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{base: l.base.Named(component), component: name}
}

// With returns a logger with the given structured fields attached to
// every subsequent log line.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{base: l.base.With(fields...), component: l.component}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }

// Sync flushes any buffered log entries. Callers should invoke this on
// shutdown; errors writing to stderr are expected on some platforms and
// intentionally ignored here.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

var (
	globalMu  sync.RWMutex
	globalLog *Logger
)

// SetGlobal installs l as the process-wide fallback logger, used by
// components constructed with a nil *Logger (bulk.NewExecutor falls back
// to Global in that case).
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLog = l
}

// Global returns the process-wide fallback logger, building a sane
// stderr-writing default the first time it is called.
func Global() *Logger {
	globalMu.RLock()
	l := globalLog
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	built, err := NewLogger(DefaultConfig())
	if err != nil {
		// zap's own config construction does not fail for the console
		// encoder; this is defensive only.
		os.Stderr.WriteString("telemetry: falling back to nop logger: " + err.Error() + "\n")
		built = NewNop()
	}
	SetGlobal(built)
	return built
}
