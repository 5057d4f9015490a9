package logger

import (
	"context"

	"github.com/settleco/settle/internal/config"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New builds the root logger. Production gets JSON output, everything
// else gets the console encoder.
func New(cfg config.Config) (*zap.Logger, error) {
	var log *zap.Logger
	var err error
	if cfg.IsProduction() {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

// FromContext returns the global logger enriched with the active span's
// trace and span ids when the context carries a sampled span.
func FromContext(ctx context.Context) *zap.Logger {
	log := zap.L()
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", span.TraceID().String()),
		zap.String("span_id", span.SpanID().String()),
	)
}

var Module = fx.Module("logger",
	fx.Provide(New),
)
