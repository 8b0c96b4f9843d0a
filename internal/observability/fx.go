package observability

import (
	"github.com/phraiz/phraiz/internal/observability/logger"
	"github.com/phraiz/phraiz/internal/observability/metrics"
	"github.com/phraiz/phraiz/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.loggerConfig,
		Config.gormLoggerConfig,
		Config.tracingConfig,
		Config.metricsConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.Jobs,
	),
	// The tracer provider has no consumer in the graph; force construction.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func (c Config) loggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.Service.Name,
		Environment:         c.Service.Environment,
		Version:             c.Service.Version,
		Level:               c.Log.Level,
		Format:              c.Log.Format,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) gormLoggerConfig() *logger.GormLoggerConfig {
	cfg := logger.DefaultGormLoggerConfig()
	if c.Log.SlowQuery > 0 {
		cfg.SlowThreshold = c.Log.SlowQuery
	}
	if c.Log.Level == "debug" {
		cfg.Level = gormlogger.Info
	}
	return &cfg
}

func (c Config) tracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.Otel.Enabled,
		ServiceName:      c.Service.Name,
		ServiceVersion:   c.Service.Version,
		Environment:      c.Service.Environment,
		ExporterEndpoint: c.Otel.Endpoint,
		ExporterProtocol: c.Otel.Protocol,
		SamplingRatio:    c.Otel.SamplingRatio,
	}
}

func (c Config) metricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.Otel.Enabled,
		ExporterEndpoint: c.Otel.Endpoint,
		ExporterProtocol: c.Otel.Protocol,
		ServiceName:      c.Service.Name,
		Environment:      c.Service.Environment,
	}
}
