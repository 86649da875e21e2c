package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadmarket/pkg/errutil"
	"leadmarket/pkg/task"
	"leadmarket/pkg/taskname"
	"leadmarket/services/ledger"
	"leadmarket/services/marketplace"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service keeps subscription activation and balance alerts in step with a
// provider's balance.
type Service struct {
	market   *marketplace.Service
	ledger   *ledger.Service
	enqueuer task.Enqueuer
}

type ServiceParams struct {
	fx.In
	Marketplace *marketplace.Service
	Ledger      *ledger.Service
	Enqueuer    task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		market:   p.Marketplace,
		ledger:   p.Ledger,
		enqueuer: p.Enqueuer,
	}
}

// Sync runs after every charge, refund and deposit. At zero balance the
// provider's subscriptions are paused; once the balance covers its cheapest
// tier again, only the automatically paused ones come back. Decisions use the
// balance currently in the ledger; observed is what the caller saw when its
// transaction committed and may already be stale.
func (s *Service) Sync(ctx context.Context, providerID string, observed int64) error {
	p, err := s.market.GetProvider(ctx, providerID)
	if errutil.HasStatus(err, errutil.StatusNotFound) {
		zap.L().Debug("balance sync for unknown provider", zap.String("provider_id", providerID))
		return nil
	}
	if err != nil {
		return err
	}

	balance, err := s.currentBalance(ctx, providerID)
	if err != nil {
		return err
	}
	log := zap.L().With(zap.String("provider_id", providerID), zap.Int64("balance", balance))
	if balance != observed {
		log.Debug("balance moved since caller observed it", zap.Int64("observed", observed))
	}

	if balance <= 0 {
		niches, err := s.market.SetProviderSubscriptionsActive(ctx, providerID, false, true)
		if err != nil {
			return fmt.Errorf("pause subscriptions: %w", err)
		}
		if len(niches) > 0 {
			log.Info("subscriptions auto-deactivated", zap.Strings("niche_ids", niches))
			s.alert(ctx, BalanceLowPayload{ProviderID: providerID, Balance: balance, Threshold: p.LowBalanceThreshold, Reason: AlertSubscriptionsPaused})

			// A deposit that landed while pausing has already run its own
			// sync and would not see these subscriptions.
			if balance, err = s.currentBalance(ctx, providerID); err != nil {
				return err
			}
			if balance > 0 {
				if err := s.resume(ctx, log, providerID, balance); err != nil {
					return err
				}
			}
		}
	} else if err := s.resume(ctx, log, providerID, balance); err != nil {
		return err
	}

	switch {
	case p.LowBalanceThreshold > 0 && balance < p.LowBalanceThreshold && !p.LowBalanceNotified:
		s.alert(ctx, BalanceLowPayload{ProviderID: providerID, Balance: balance, Threshold: p.LowBalanceThreshold, Reason: AlertBelowThreshold})
		if err := s.market.SetLowBalanceNotified(ctx, providerID, true); err != nil {
			return err
		}
	case p.LowBalanceNotified && balance >= p.LowBalanceThreshold:
		if err := s.market.SetLowBalanceNotified(ctx, providerID, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) currentBalance(ctx context.Context, providerID string) (int64, error) {
	b, err := s.ledger.GetBalance(ctx, providerID)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return b.Balance, nil
}

// resume reactivates auto-paused subscriptions when balance covers the
// provider's cheapest tier.
func (s *Service) resume(ctx context.Context, log *zap.Logger, providerID string, balance int64) error {
	floor, err := s.cheapestTier(ctx, providerID)
	if err != nil {
		return err
	}
	if balance < floor {
		return nil
	}
	niches, err := s.market.SetProviderSubscriptionsActive(ctx, providerID, true, true)
	if err != nil {
		return fmt.Errorf("resume subscriptions: %w", err)
	}
	if len(niches) > 0 {
		log.Info("subscriptions auto-reactivated", zap.Strings("niche_ids", niches))
	}
	return nil
}

// NotifyInsufficientBalance flags a provider that could not pay for a lead.
func (s *Service) NotifyInsufficientBalance(ctx context.Context, providerID string, balance, required int64) error {
	s.alert(ctx, BalanceLowPayload{ProviderID: providerID, Balance: balance, Required: required, Reason: AlertInsufficientFunds})
	return s.Sync(ctx, providerID, balance)
}

// Deposit credits a provider from the payment webhook and recalculates its
// status. A repeated reference is acknowledged without a second credit.
func (s *Service) Deposit(ctx context.Context, providerID string, amount int64, referenceID string) (*ledger.CreditResult, error) {
	if _, err := s.market.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}

	res, err := s.ledger.Credit(ctx, ledger.CreditParams{
		ProviderID:  providerID,
		Amount:      amount,
		Type:        ledger.EntryDeposit,
		ReferenceID: referenceID,
		Description: "deposit",
	})
	if err != nil {
		return nil, err
	}

	if err := s.Sync(ctx, providerID, res.Balance); err != nil {
		zap.L().Warn("provider status sync failed after deposit", zap.String("provider_id", providerID), zap.Error(err))
	}
	return res, nil
}

func (s *Service) cheapestTier(ctx context.Context, providerID string) (int64, error) {
	subs, err := s.market.ListProviderSubscriptions(ctx, providerID)
	if err != nil {
		return 0, err
	}
	var floor int64 = 1
	first := true
	seen := map[string]bool{}
	for _, sub := range subs {
		if seen[sub.TierID] {
			continue
		}
		seen[sub.TierID] = true
		tier, err := s.market.GetTier(ctx, sub.TierID)
		if err != nil {
			if errutil.HasStatus(err, errutil.StatusNotFound) {
				continue
			}
			return 0, err
		}
		if first || tier.PricePerLead < floor {
			floor = tier.PricePerLead
			first = false
		}
	}
	if floor < 1 {
		floor = 1
	}
	return floor, nil
}

func (s *Service) alert(ctx context.Context, payload BalanceLowPayload) {
	log := zap.L().With(
		zap.String("provider_id", payload.ProviderID),
		zap.String("reason", string(payload.Reason)),
		zap.Int64("balance", payload.Balance))
	if s.enqueuer == nil {
		log.Warn("provider balance alert (no queue configured)")
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("failed to encode balance alert", zap.Error(err))
		return
	}
	_, err = s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.ProviderBalanceLow, body),
		asynq.Queue("default"),
		asynq.MaxRetry(3),
		asynq.Unique(time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			log.Debug("balance alert already queued")
			return
		}
		log.Error("failed to enqueue balance alert", zap.Error(err))
		return
	}
	log.Info("provider balance alert queued")
}

// HandleBalanceLowTask hands the alert to the notification collaborator.
// Delivery itself happens outside this service, so the handler records it.
func (s *Service) HandleBalanceLowTask(ctx context.Context, t *asynq.Task) error {
	var payload BalanceLowPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid balance alert payload", zap.Error(err))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zap.L().Warn("provider balance alert",
		zap.String("task_type", t.Type()),
		zap.String("provider_id", payload.ProviderID),
		zap.String("reason", string(payload.Reason)),
		zap.Int64("balance", payload.Balance),
		zap.Int64("threshold", payload.Threshold),
		zap.Int64("required", payload.Required))
	return nil
}
