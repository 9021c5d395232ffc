package config

import (
	"strings"
	"time"
)

// ObservabilityConfig covers logs, SQL logging and OTLP export.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	// SQLLogLevel is one of silent, error, warn or info.
	SQLLogLevel      string
	SQLSlowThreshold time.Duration
	// SQLLogParams renders bound values into logged SQL. Processor payload
	// tables stay masked.
	SQLLogParams bool

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
	// TraceSkipPaths are routes the HTTP tracer ignores.
	TraceSkipPaths []string
}

func loadObservability(cfg Config) ObservabilityConfig {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")); traces != "" {
		protocol = traces
	}
	skip := getenvList("OTEL_TRACE_SKIP_PATHS")
	if len(skip) == 0 {
		skip = []string{"/health", "/metrics"}
	}

	sqlLevel := "warn"
	if !cfg.IsProduction() {
		sqlLevel = "info"
	}

	return ObservabilityConfig{
		LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		SQLLogLevel:       strings.ToLower(strings.TrimSpace(getenv("SQL_LOG_LEVEL", sqlLevel))),
		SQLSlowThreshold:  getenvDuration("SQL_SLOW_THRESHOLD", 200*time.Millisecond),
		SQLLogParams:      getenvBool("SQL_LOG_PARAMS", false) && !cfg.IsProduction(),
		OtelEnabled:       getenvBool("OTEL_ENABLED", cfg.IsProduction()),
		OtelEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)),
		OtelProtocol:      strings.ToLower(strings.TrimSpace(protocol)),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		TraceSkipPaths:    skip,
	}
}
