package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"leadmarket/pkg/config"
)

func TestBuild(t *testing.T) {
	cfg := config.Default()
	zc, err := build(cfg)
	require.NoError(t, err)
	require.Equal(t, "console", zc.Encoding)
	require.Equal(t, zapcore.InfoLevel, zc.Level.Level())

	cfg.AppEnv = "production"
	cfg.Log.Level = "warn"
	zc, err = build(cfg)
	require.NoError(t, err)
	require.Equal(t, "json", zc.Encoding)
	require.Equal(t, "severity", zc.EncoderConfig.LevelKey)
	require.Equal(t, zapcore.WarnLevel, zc.Level.Level())

	cfg.Log.Format = "console"
	zc, err = build(cfg)
	require.NoError(t, err)
	require.Equal(t, "console", zc.Encoding)

	cfg.Log.Format = "xml"
	_, err = build(cfg)
	require.Error(t, err)

	cfg.Log.Format = ""
	cfg.Log.Level = "loud"
	_, err = build(cfg)
	require.Error(t, err)
}

func TestNewReplacesGlobal(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	cfg := config.Default()
	cfg.Log.Level = "error"
	log, err := New(ConfigParams{Cfg: cfg})
	require.NoError(t, err)
	require.Same(t, log, zap.L())
	require.False(t, zap.L().Core().Enabled(zapcore.WarnLevel))
}
