// Package logging builds the zap logger shared by the services.
package logging

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains the logger initialization inputs.
type Config struct {
	ServiceName string
	Environment string
	Level       string
}

// New creates a JSON logger tagged with the service name and environment.
// An empty level resolves to debug for local environments and info otherwise.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if isLocal(cfg.Environment) {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Encoding = "json"
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}

	return logger.With(
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
	), nil
}

// WithTrace appends trace_id and span_id when ctx carries an active span.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return logger.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return logger
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}

	if isLocal(cfg.Environment) {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func isLocal(env string) bool {
	return env == "" || env == "local" || env == "development"
}
