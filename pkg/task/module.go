package task

import (
	"context"
	"os"

	"leadmarket/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, registerInspector, NewEnqueuer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] Failed to connect to Asynq", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("[Asynq] Connected to Asynq")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

func registerInspector(lc fx.Lifecycle, cfg *config.Config) *asynq.Inspector {
	inspector := asynq.NewInspector(redisOpt(cfg))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return inspector.Close()
		},
	})

	return inspector
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

type ServerParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	Config       *config.Config
	Mux          *asynq.ServeMux
	RetryDelay   asynq.RetryDelayFunc `optional:"true"`
	ErrorHandler asynq.ErrorHandler   `optional:"true"`
}

func registerAsynqServer(p ServerParams) {
	cfg := p.Config

	retryDelay := p.RetryDelay
	if retryDelay == nil {
		retryDelay = asynq.DefaultRetryDelayFunc
	}

	errorHandler := p.ErrorHandler
	if errorHandler == nil {
		errorHandler = asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			zap.L().Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
		})
	}

	concurrency := cfg.Distribution.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency:    concurrency,
			RetryDelayFunc: retryDelay,
			Queues: map[string]int{
				cfg.Distribution.Queue: 6,
				"default":              3,
				"low":                  1,
			},
			ErrorHandler: errorHandler,
		},
	)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(p.Mux); err != nil {
				zap.L().Error("[Asynq] Failed to start Asynq server", zap.Error(err))
				return err
			}
			zap.L().Info("[Asynq] Asynq server started", zap.String("addr", cfg.Redis.Addr), zap.Int("concurrency", concurrency))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}
