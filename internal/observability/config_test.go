package observability

import (
	"testing"
	"time"

	"github.com/phraiz/phraiz/internal/config"
	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestLoadConfigFallsBackToAppConfig(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("DB_SLOW_QUERY_MS", "")

	cfg := LoadConfig(config.Config{
		Environment:  "staging",
		AppVersion:   "1.2.3",
		OTLPEndpoint: "collector:4317",
	})

	assert.Equal(t, "phraiz", cfg.Service.Name)
	assert.Equal(t, "staging", cfg.Service.Environment)
	assert.Equal(t, "1.2.3", cfg.Service.Version)
	assert.Equal(t, "collector:4317", cfg.Otel.Endpoint)
	assert.False(t, cfg.Otel.Enabled)
	assert.Equal(t, 200*time.Millisecond, cfg.Log.SlowQuery)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigPrefersTracesProtocol(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP/protobuf")

	cfg := LoadConfig(config.Config{})
	assert.Equal(t, "http/protobuf", cfg.Otel.Protocol)
}

func TestDebugLevelRaisesGormVerbosity(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DB_SLOW_QUERY_MS", "50")

	cfg := LoadConfig(config.Config{Environment: "production"})
	assert.True(t, cfg.Debug())

	gormCfg := cfg.gormLoggerConfig()
	assert.Equal(t, gormlogger.Info, gormCfg.Level)
	assert.Equal(t, 50*time.Millisecond, gormCfg.SlowThreshold)
}
