package exporters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leadmarket/pkg/config"
)

func TestTimeout(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, 10*time.Second, timeout(cfg))

	cfg.Otel.Timeout = 0
	require.Equal(t, defaultTimeout, timeout(cfg))

	cfg.Otel.Timeout = time.Second
	require.Equal(t, time.Second, timeout(cfg))
}

func TestProvide(t *testing.T) {
	cfg := config.Default()
	cfg.Otel.Addr = "127.0.0.1:4317"
	cfg.Otel.Headers = map[string]string{"x-tenant": "leadmarket"}

	exp, err := ProvideGrpc(cfg)
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))

	cfg.Otel.Addr = "127.0.0.1:4318"
	exp, err = ProvideHttp(cfg)
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))
}
