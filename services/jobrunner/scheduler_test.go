package jobrunner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"leadmarket/pkg/taskname"
	"leadmarket/services/ledger"
)

func TestNextRunTime(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 1, 30, 0, 0, loc)
	require.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, loc), nextRunTime(now, 2, 0))

	now = time.Date(2026, 3, 10, 3, 0, 0, 0, loc)
	require.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, loc), nextRunTime(now, 2, 0))
}

func TestSchedulerRunDaily(t *testing.T) {
	enq := &enqueuerMock{}
	s := &Scheduler{
		enqueuer:  enq,
		hour:      2,
		tolerance: 5,
		now:       func() time.Time { return time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC) },
	}

	require.NoError(t, s.runDaily(context.Background()))
	sent := enq.last()
	require.Equal(t, taskname.LedgerReconcile, sent.task.Type())
	require.Equal(t, "ledger:reconcile:2026-03-10", optionValue(sent.opts, asynq.TaskIDOpt))

	var payload ledger.ReconcilePayload
	require.NoError(t, json.Unmarshal(sent.task.Payload(), &payload))
	require.NotNil(t, payload.Tolerance)
	require.Equal(t, int64(5), *payload.Tolerance)

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, s.runDaily(context.Background()))
}
