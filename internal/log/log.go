// Package log is a thin printf-style facade over zap, shared by every
// component of the server.
package log

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leorces/leorces/internal/appcontext"
	"github.com/leorces/leorces/internal/profile"
)

var logger *zap.Logger = zap.NewNop()

// Init builds the process-wide logger. The DEV profile gets a readable
// console encoder, everything else JSON. Level is read from LOG_LEVEL
// (debug|info|warn|error), defaulting to info.
func Init() {
	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	conf := zap.NewProductionConfig()
	if profile.Current == profile.DEV {
		conf = zap.NewDevelopmentConfig()
	}
	conf.Level = zap.NewAtomicLevelAt(level)
	conf.EncoderConfig.TimeKey = "ts"
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	built, err := conf.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %s", err))
	}
	logger = built
}

// Sync flushes buffered log entries, for use on shutdown.
func Sync() {
	_ = logger.Sync()
}

func Debug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

// The ctx-taking variants attach the correlation identifiers stored in
// the context as structured fields.

func fields(ctx context.Context) []zap.Field {
	var out []zap.Field
	if key, ok := appcontext.ProcessKey(ctx); ok {
		out = append(out, zap.Int64("processKey", key))
	}
	if key, ok := appcontext.ActivityKey(ctx); ok {
		out = append(out, zap.Int64("activityKey", key))
	}
	return out
}

func Debugf(ctx context.Context, format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), fields(ctx)...)
}

func Infof(ctx context.Context, format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...), fields(ctx)...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), fields(ctx)...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), fields(ctx)...)
}
