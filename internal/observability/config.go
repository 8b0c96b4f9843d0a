package observability

import (
	"strings"
	"time"

	"github.com/phraiz/phraiz/internal/config"
	"github.com/spf13/viper"
)

// Config groups the logging and telemetry settings. Values come from the
// environment and fall back to the application config.
type Config struct {
	Service ServiceInfo
	Log     LogConfig
	Otel    OtelConfig
}

type ServiceInfo struct {
	Name        string
	Environment string
	Version     string
}

type LogConfig struct {
	Level  string
	Format string
	// SlowQuery is the statement duration above which gorm queries log at warn.
	SlowQuery time.Duration
}

type OtelConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

func LoadConfig(app config.Config) Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DEPLOYMENT_ENV", app.Environment)
	v.SetDefault("SERVICE_VERSION", app.AppVersion)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DB_SLOW_QUERY_MS", 200)
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", app.OTLPEndpoint)
	v.SetDefault("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	v.SetDefault("OTEL_SAMPLING_RATIO", 0.1)

	name := strings.TrimSpace(app.AppName)
	if name == "" {
		name = "phraiz"
	}

	// A traces-specific protocol wins over the shared one.
	protocol := v.GetString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")
	if strings.TrimSpace(protocol) == "" {
		protocol = v.GetString("OTEL_EXPORTER_OTLP_PROTOCOL")
	}

	return Config{
		Service: ServiceInfo{
			Name:        name,
			Environment: strings.TrimSpace(v.GetString("DEPLOYMENT_ENV")),
			Version:     strings.TrimSpace(v.GetString("SERVICE_VERSION")),
		},
		Log: LogConfig{
			Level:     lower(v.GetString("LOG_LEVEL")),
			Format:    lower(v.GetString("LOG_FORMAT")),
			SlowQuery: time.Duration(v.GetInt("DB_SLOW_QUERY_MS")) * time.Millisecond,
		},
		Otel: OtelConfig{
			Enabled:       v.GetBool("OTEL_ENABLED"),
			Endpoint:      strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
			Protocol:      lower(protocol),
			SamplingRatio: v.GetFloat64("OTEL_SAMPLING_RATIO"),
		},
	}
}

// Debug reports whether verbose request logging is on: an explicit debug
// level, or any non-shared environment.
func (c Config) Debug() bool {
	if c.Log.Level == "debug" {
		return true
	}
	switch lower(c.Service.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
