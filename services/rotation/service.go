package rotation

import (
	"context"
	"fmt"
	"time"

	"leadmarket/pkg/db/option"
	"leadmarket/pkg/repository"
	"leadmarket/services/marketplace"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TierSource reads a niche's active tiers inside a transaction.
type TierSource interface {
	ListActiveTiersTx(ctx context.Context, tx *gorm.DB, nicheID string) ([]*marketplace.CompetitionTier, error)
}

type Service struct {
	db    *gorm.DB
	tiers TierSource
	state repository.Repository[State]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Marketplace *marketplace.Service
}

func NewService(p ServiceParams) *Service {
	return newService(p.DB, p.Marketplace)
}

func newService(db *gorm.DB, tiers TierSource) *Service {
	return &Service{
		db:    db,
		tiers: tiers,
		state: repository.ProvideStore[State](db),
	}
}

// NextTraversal reads and advances the niche's pointer under a row lock on
// that niche only, and returns every active tier once starting at the
// chosen position.
func (s *Service) NextTraversal(ctx context.Context, nicheID string) (*Traversal, error) {
	var out *Traversal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&State{
			NicheID:           nicheID,
			NextStartPosition: 1,
			UpdatedAt:         time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("ensure rotation state: %w", err)
		}

		state, err := s.state.WithTrx(tx).FindOne(ctx, &State{NicheID: nicheID}, option.WithLockingUpdate())
		if err != nil {
			return fmt.Errorf("lock rotation state: %w", err)
		}
		if state == nil {
			return fmt.Errorf("rotation state for niche %s vanished", nicheID)
		}

		tiers, err := s.tiers.ListActiveTiersTx(ctx, tx, nicheID)
		if err != nil {
			return fmt.Errorf("load tiers: %w", err)
		}

		out = plan(nicheID, state.NextStartPosition, tiers)
		if len(tiers) == 0 {
			return nil
		}

		if err := tx.WithContext(ctx).Model(&State{}).
			Where("niche_id = ?", nicheID).
			Updates(map[string]any{
				"next_start_position": out.NextStartPosition,
				"advances":            gorm.Expr("advances + 1"),
				"updated_at":          time.Now(),
			}).Error; err != nil {
			return fmt.Errorf("advance rotation: %w", err)
		}

		zap.L().Info("rotation advanced",
			zap.String("niche_id", nicheID),
			zap.Int("start_position", out.StartPosition),
			zap.Int("next_start_position", out.NextStartPosition),
			zap.Int("tiers", len(out.TierIDs)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// plan picks the first active tier at or after next, wrapping to the lowest
// position, and lays out the ring from there.
func plan(nicheID string, next int, tiers []*marketplace.CompetitionTier) *Traversal {
	t := &Traversal{NicheID: nicheID, StartPosition: next, NextStartPosition: next, TierIDs: []string{}}
	if len(tiers) == 0 {
		return t
	}

	start := 0
	for i, tier := range tiers {
		if tier.OrderPosition >= next {
			start = i
			break
		}
	}

	for i := 0; i < len(tiers); i++ {
		t.TierIDs = append(t.TierIDs, tiers[(start+i)%len(tiers)].ID)
	}
	t.StartPosition = tiers[start].OrderPosition
	t.NextStartPosition = tiers[(start+1)%len(tiers)].OrderPosition
	return t
}
