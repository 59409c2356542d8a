// Package logger is the logging facade of the module: go-belt loggers
// carried in the context, with a field per component instance.
package logger

import (
	"context"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
)

type Logger = logger.Logger
type Level = logger.Level

const (
	LevelUndefined = logger.LevelUndefined
	LevelFatal     = logger.LevelFatal
	LevelPanic     = logger.LevelPanic
	LevelError     = logger.LevelError
	LevelWarning   = logger.LevelWarning
	LevelInfo      = logger.LevelInfo
	LevelDebug     = logger.LevelDebug
	LevelTrace     = logger.LevelTrace
)

// SetDefault sets the logger used by contexts that carry none.
func SetDefault(defaultLogger func() Logger) {
	logger.Default = defaultLogger
}

func FromCtx(ctx context.Context) Logger {
	return logger.FromCtx(ctx)
}

func CtxWithLogger(ctx context.Context, l Logger) context.Context {
	return logger.CtxWithLogger(ctx, l)
}

// CtxWithField returns a context whose logger attaches the field to every entry.
func CtxWithField(ctx context.Context, key string, value any) context.Context {
	return belt.WithField(ctx, key, value)
}

// IsEnabled reports whether the logger of ctx writes entries of the level.
func IsEnabled(ctx context.Context, level Level) bool {
	return FromCtx(ctx).Level() >= level
}

func Debugf(ctx context.Context, format string, args ...any) {
	logger.Debugf(ctx, format, args...)
}

func Infof(ctx context.Context, format string, args ...any) {
	logger.Infof(ctx, format, args...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	logger.Warnf(ctx, format, args...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	logger.Errorf(ctx, format, args...)
}

func Error(ctx context.Context, values ...any) {
	logger.Error(ctx, values...)
}

// Panicf logs and then panics.
func Panicf(ctx context.Context, format string, args ...any) {
	logger.Panicf(ctx, format, args...)
}
