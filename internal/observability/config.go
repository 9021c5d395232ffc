package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/billingcore/internal/config"
)

// Config is the resolved observability setup shared by the logger, the SQL
// logger, the tracer and the OTLP metrics exporter.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	SQL     SQLConfig
	Tracing TracingConfig
}

type SQLConfig struct {
	Level         string
	SlowThreshold time.Duration
	LogParams     bool
}

type TracingConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
	SkipPaths     []string
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "billingcore"
	}
	obs := cfg.Observability

	ratio := obs.OtelSamplingRatio
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}

	return Config{
		ServiceName: serviceName,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),
		LogLevel:    obs.LogLevel,
		LogFormat:   obs.LogFormat,
		SQL: SQLConfig{
			Level:         obs.SQLLogLevel,
			SlowThreshold: obs.SQLSlowThreshold,
			LogParams:     obs.SQLLogParams,
		},
		Tracing: TracingConfig{
			Enabled:       obs.OtelEnabled,
			Endpoint:      obs.OtelEndpoint,
			Protocol:      obs.OtelProtocol,
			SamplingRatio: ratio,
			SkipPaths:     obs.TraceSkipPaths,
		},
	}
}

// Debug is true for debug logging or any non-shared environment.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
