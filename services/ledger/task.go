package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ReconcilePayload is the body of a ledger:reconcile task. A nil Tolerance
// uses the configured default.
type ReconcilePayload struct {
	Tolerance *int64 `json:"tolerance,omitempty"`
}

func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	payload := ReconcilePayload{}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			zap.L().Error("invalid reconcile payload", zap.Error(err))
			return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tolerance := s.tolerance
	if payload.Tolerance != nil {
		tolerance = *payload.Tolerance
	}

	mismatches, err := s.Reconcile(ctx, tolerance)
	if err != nil {
		zap.L().Error("reconciliation failed", zap.Error(err))
		return err
	}
	if len(mismatches) > 0 {
		zap.L().Warn("reconciliation found mismatches, reported for review", zap.Int("count", len(mismatches)))
	}
	return nil
}
