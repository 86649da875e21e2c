package exporters

import (
	"context"
	"fmt"

	"leadmarket/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
)

// ProvideGrpc exports spans over OTLP/gRPC to OTEL.ADDR.
func ProvideGrpc(cfg *config.Config) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
		otlptracegrpc.WithCompressor("gzip"),
		otlptracegrpc.WithTimeout(timeout(cfg)),
	}
	if cfg.Otel.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Otel.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Otel.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout(cfg))
	defer cancel()
	exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp grpc exporter %s: %w", cfg.Otel.Addr, err)
	}
	return exp, nil
}
