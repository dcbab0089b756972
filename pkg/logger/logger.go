// Package logger provides component-tagged structured logging on top of zap.
package logger

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	current atomic.Pointer[zap.Logger]
	initMu  sync.Mutex
)

func get() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	initMu.Lock()
	defer initMu.Unlock()
	if l := current.Load(); l != nil {
		return l
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	current.Store(l)
	return l
}

// SetLevel changes the minimum level for all subsequent log calls.
func SetLevel(l LogLevel) {
	switch l {
	case DEBUG:
		level.SetLevel(zapcore.DebugLevel)
	case WARN:
		level.SetLevel(zapcore.WarnLevel)
	case ERROR:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// SetLogger replaces the backing zap logger. Tests use zap.NewNop or an observer core.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// Sync flushes buffered entries.
func Sync() {
	_ = get().Sync()
}

func fieldsOf(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("component", component))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func DebugC(component, msg string) { get().Debug(msg, fieldsOf(component, nil)...) }
func InfoC(component, msg string)  { get().Info(msg, fieldsOf(component, nil)...) }
func WarnC(component, msg string)  { get().Warn(msg, fieldsOf(component, nil)...) }
func ErrorC(component, msg string) { get().Error(msg, fieldsOf(component, nil)...) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	get().Debug(msg, fieldsOf(component, fields)...)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	get().Info(msg, fieldsOf(component, fields)...)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	get().Warn(msg, fieldsOf(component, fields)...)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	get().Error(msg, fieldsOf(component, fields)...)
}
