package logger

import (
	"fmt"

	"leadmarket/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

// New builds the process logger and installs it as the zap global, which
// the services log through. Production defaults to JSON with severity keys
// the log collector understands; LOG.FORMAT overrides the encoding.
func New(p ConfigParams) (*zap.Logger, error) {
	cfg := p.Cfg
	if cfg == nil {
		cfg = config.Default()
	}

	zc, err := build(cfg)
	if err != nil {
		return nil, err
	}
	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
	)
	if cfg.AppVersion != "" {
		log = log.With(zap.String("service_version", cfg.AppVersion))
	}

	zap.ReplaceGlobals(log)
	return log, nil
}

func build(cfg *config.Config) (zap.Config, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.LevelKey = "severity"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		zc.OutputPaths = []string{"stdout"}
	}

	if cfg.Log.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return zc, fmt.Errorf("LOG.LEVEL: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	switch cfg.Log.Format {
	case "":
	case "json", "console":
		zc.Encoding = cfg.Log.Format
	default:
		return zc, fmt.Errorf("LOG.FORMAT: unknown encoding %q", cfg.Log.Format)
	}
	return zc, nil
}
