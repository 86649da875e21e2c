package task

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestEnqueue_ConflictStaysMatchable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	e := NewEnqueuer(client)
	ctx := context.Background()

	queued := promtest.ToFloat64(enqueuedTotal.WithLabelValues("ledger:reconcile", "queued"))
	duplicate := promtest.ToFloat64(enqueuedTotal.WithLabelValues("ledger:reconcile", "duplicate"))

	task := asynq.NewTask("ledger:reconcile", []byte(`{}`))
	info, err := e.Enqueue(ctx, task, asynq.TaskID("reconcile-2026-10-18"), asynq.Queue("maintenance"))
	require.NoError(t, err)
	require.Equal(t, "maintenance", info.Queue)

	_, err = e.Enqueue(ctx, task, asynq.TaskID("reconcile-2026-10-18"), asynq.Queue("maintenance"))
	require.ErrorIs(t, err, asynq.ErrTaskIDConflict)
	require.Contains(t, err.Error(), "ledger:reconcile")

	require.Equal(t, queued+1, promtest.ToFloat64(enqueuedTotal.WithLabelValues("ledger:reconcile", "queued")))
	require.Equal(t, duplicate+1, promtest.ToFloat64(enqueuedTotal.WithLabelValues("ledger:reconcile", "duplicate")))
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "queued", outcome(nil))
	require.Equal(t, "duplicate", outcome(asynq.ErrDuplicateTask))
	require.Equal(t, "duplicate", outcome(errors.Join(errors.New("wrapped"), asynq.ErrTaskIDConflict)))
	require.Equal(t, "error", outcome(errors.New("dial tcp: connection refused")))
}
