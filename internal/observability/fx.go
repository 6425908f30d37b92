package observability

import (
	"github.com/smallbiznis/loyalty/internal/observability/logger"
	"github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config { return cfg.logger() },
		logger.New,
		func(cfg Config) tracing.Config { return cfg.tracing() },
		tracing.NewProvider,
		func(cfg Config) metrics.Config { return cfg.metrics() },
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.JobsWithConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
