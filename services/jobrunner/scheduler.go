package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadmarket/pkg/config"
	"leadmarket/pkg/task"
	"leadmarket/pkg/taskname"
	"leadmarket/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues the daily ledger reconciliation.
type Scheduler struct {
	enqueuer  task.Enqueuer
	hour      int
	tolerance int64
	now       func() time.Time
}

func NewScheduler(enqueuer task.Enqueuer, cfg *config.Config) *Scheduler {
	return &Scheduler{
		enqueuer:  enqueuer,
		hour:      cfg.Distribution.ReconcileHour,
		tolerance: cfg.Distribution.ReconcileTolerance,
		now:       time.Now,
	}
}

// StartScheduler is invoked by fx when the worker starts.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started reconciliation scheduler", zap.Int("hour", s.hour))

	for {
		now := s.now()
		next := nextRunTime(now, s.hour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			if err := s.runDaily(ctx); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue reconciliation", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// runDaily enqueues one reconciliation per calendar day.
func (s *Scheduler) runDaily(ctx context.Context) error {
	tolerance := s.tolerance
	payload, err := json.Marshal(ledger.ReconcilePayload{Tolerance: &tolerance})
	if err != nil {
		return err
	}

	day := s.now().Format("2006-01-02")
	_, err = s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.LedgerReconcile, payload),
		asynq.Queue("low"),
		asynq.TaskID(fmt.Sprintf("%s:%s", taskname.LedgerReconcile, day)),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Info("[Scheduler] reconciliation already enqueued", zap.String("day", day))
		return nil
	}
	if err != nil {
		return err
	}

	zap.L().Info("[Scheduler] reconciliation enqueued", zap.String("day", day))
	return nil
}

// nextRunTime returns the next occurrence of hour:minute after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
