package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "background_tasks_enqueued_total",
	Help: "Background tasks handed to the queue, by task type and outcome.",
}, []string{"type", "outcome"})

// Enqueuer hands distribution, alert and reconciliation tasks to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuer{client: client}
}

// Enqueue keeps asynq's duplicate and id-conflict errors matchable with
// errors.Is so callers can treat them as already queued.
func (e *enqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	enqueuedTotal.WithLabelValues(task.Type(), outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}

	zap.L().Debug("task enqueued",
		zap.String("task_type", task.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return info, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "queued"
	case errors.Is(err, asynq.ErrDuplicateTask), errors.Is(err, asynq.ErrTaskIDConflict):
		return "duplicate"
	default:
		return "error"
	}
}
