package exporters

import (
	"context"
	"fmt"
	"time"

	"leadmarket/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

const defaultTimeout = 10 * time.Second

// ProvideHttp exports spans over OTLP/HTTP to OTEL.ADDR.
func ProvideHttp(cfg *config.Config) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithTimeout(timeout(cfg)),
	}
	if cfg.Otel.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Otel.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Otel.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout(cfg))
	defer cancel()
	exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp http exporter %s: %w", cfg.Otel.Addr, err)
	}
	return exp, nil
}

func timeout(cfg *config.Config) time.Duration {
	if cfg.Otel.Timeout > 0 {
		return cfg.Otel.Timeout
	}
	return defaultTimeout
}
