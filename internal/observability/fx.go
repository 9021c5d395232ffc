package observability

import (
	"github.com/smallbiznis/billingcore/internal/observability/logger"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		LoggerConfig,
		logger.New,
		GormLogger,
		TracerConfig,
		tracing.NewProvider,
		MetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	// Constructed eagerly: the tracer provider registers itself globally and
	// scheduler instruments must exist before the first run.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(func(cfg metrics.Config) { metrics.SchedulerWithConfig(cfg) }),
)

func LoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

// GormLogger writes SQL through the service logger under the "gorm" name.
func GormLogger(cfg Config, log *zap.Logger) *logger.GormLogger {
	gcfg := logger.DefaultGormLoggerConfig()
	gcfg.Level = logger.ParseGormLevel(cfg.SQL.Level)
	if cfg.SQL.SlowThreshold > 0 {
		gcfg.SlowThreshold = cfg.SQL.SlowThreshold
	}
	gcfg.LogParams = cfg.SQL.LogParams
	if log != nil {
		gcfg.Base = log.Named("gorm")
	}
	return logger.NewGormLogger(gcfg)
}

func TracerConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		ExporterProtocol: cfg.Tracing.Protocol,
		SamplingRatio:    cfg.Tracing.SamplingRatio,
	}
}

// HTTPTracing configures the gin tracing middleware.
func HTTPTracing(cfg Config) tracing.HTTPConfig {
	return tracing.HTTPConfig{SkipPaths: cfg.Tracing.SkipPaths}
}

func MetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.Tracing.Enabled,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		ExporterProtocol: cfg.Tracing.Protocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}
