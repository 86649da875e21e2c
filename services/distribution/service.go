package distribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"leadmarket/pkg/db/option"
	"leadmarket/pkg/db/pagination"
	"leadmarket/pkg/errutil"
	"leadmarket/pkg/repository"
	"leadmarket/services/eligibility"
	"leadmarket/services/ledger"
	"leadmarket/services/marketplace"
	"leadmarket/services/rotation"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Rotator interface {
	NextTraversal(ctx context.Context, nicheID string) (*rotation.Traversal, error)
}

type EligibilityResolver interface {
	ResolveEligible(ctx context.Context, lead *marketplace.Lead) (*eligibility.Eligibility, error)
}

type Charger interface {
	ChargeTx(ctx context.Context, tx *gorm.DB, providerID string, amount int64, relatedAssignmentID string) (*ledger.ChargeResult, error)
	CreditTx(ctx context.Context, tx *gorm.DB, p ledger.CreditParams) (*ledger.CreditResult, error)
}

// StatusSyncer recalculates a provider's subscription status and balance
// alerts after its balance moved.
type StatusSyncer interface {
	Sync(ctx context.Context, providerID string, balance int64) error
	NotifyInsufficientBalance(ctx context.Context, providerID string, balance, required int64) error
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	tracer trace.Tracer

	market   *marketplace.Service
	rotation Rotator
	resolver EligibilityResolver
	ledger   Charger
	status   StatusSyncer

	assignment repository.Repository[Assignment]
	result     repository.Repository[Result]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Marketplace *marketplace.Service
	Rotation    *rotation.Service
	Resolver    *eligibility.Resolver
	Ledger      *ledger.Service
	Status      StatusSyncer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return newService(p.DB, p.Node, p.Marketplace, p.Rotation, p.Resolver, p.Ledger, p.Status)
}

func newService(db *gorm.DB, node *snowflake.Node, market *marketplace.Service, rot Rotator, resolver EligibilityResolver, charger Charger, status StatusSyncer) *Service {
	return &Service{
		db:     db,
		node:   node,
		tracer: otel.Tracer("leadmarket/distribution"),

		market:   market,
		rotation: rot,
		resolver: resolver,
		ledger:   charger,
		status:   status,

		assignment: repository.ProvideStore[Assignment](db),
		result:     repository.ProvideStore[Result](db),
	}
}

// Distribute runs one distribution of an approved lead. Business outcomes
// are reported in the result; an error is returned only for invalid input
// or infrastructure faults.
func (s *Service) Distribute(ctx context.Context, leadID string, by TriggeredBy, jobID string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "distribution.Distribute", trace.WithAttributes(
		attribute.String("lead_id", leadID),
		attribute.String("job_id", jobID),
	))
	defer span.End()

	started := time.Now()
	log := zap.L().With(zap.String("lead_id", leadID), zap.String("job_id", jobID))

	lead, err := s.market.GetLead(ctx, leadID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if lead.Status != marketplace.LeadStatusApproved {
		err := errutil.UnprocessableEntity(fmt.Sprintf("lead is %s, only approved leads can be distributed", lead.Status), nil)
		span.RecordError(err)
		return nil, err
	}

	result := &Result{
		ID:          s.node.Generate().String(),
		LeadID:      lead.ID,
		JobID:       jobID,
		NicheID:     lead.NicheID,
		ActorID:     by.ActorID,
		ActorRole:   by.ActorRole,
		Traversal:   datatypes.JSONSlice[string]{},
		Assignments: datatypes.JSONSlice[AssignmentSummary]{},
		Skipped:     datatypes.JSONSlice[Skip]{},
	}

	fail := func(stage string, cause error) (*Result, error) {
		err := fmt.Errorf("%s: %w", stage, cause)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		result.Status = StatusFailed
		result.Error = err.Error()
		result.DurationMS = time.Since(started).Milliseconds()
		if perr := s.persist(ctx, result); perr != nil {
			log.Error("failed to persist failed distribution result", zap.Error(perr))
		}
		log.Error("distribution failed", zap.String("stage", stage), zap.Error(cause))
		return result, err
	}

	traversal, err := s.rotation.NextTraversal(ctx, lead.NicheID)
	if err != nil {
		return fail("rotation", err)
	}
	result.StartPosition = traversal.StartPosition
	result.Traversal = datatypes.JSONSlice[string](traversal.TierIDs)

	elig, err := s.resolver.ResolveEligible(ctx, lead)
	if err != nil {
		return fail("eligibility", err)
	}
	result.EligibleCount = elig.Count()

	tiers, err := s.market.ListActiveTiers(ctx, lead.NicheID)
	if err != nil {
		return fail("tiers", err)
	}
	tierByID := make(map[string]*marketplace.CompetitionTier, len(tiers))
	for _, t := range tiers {
		tierByID[t.ID] = t
	}

	held, err := s.heldAssignments(ctx, lead.ID)
	if err != nil {
		return fail("assignments", err)
	}

	if result.EligibleCount > 0 {
		for _, tierID := range traversal.TierIDs {
			tier, ok := tierByID[tierID]
			if !ok {
				continue
			}
			s.distributeTier(ctx, log, lead, tier, elig.ByTier[tierID], held, result)
		}
	}

	result.Status = computeStatus(result.EligibleCount, len(result.Assignments), result.Skipped)
	result.DurationMS = time.Since(started).Milliseconds()

	if err := s.persist(ctx, result); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist distribution result: %w", err)
	}
	if len(result.Assignments) > 0 {
		if err := s.market.MarkLeadDistributed(ctx, lead.ID, time.Now()); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("mark lead distributed: %w", err)
		}
	}

	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("assignments", len(result.Assignments)),
		attribute.Int("skipped", len(result.Skipped)),
	)
	log.Info("distribution finished",
		zap.String("status", string(result.Status)),
		zap.Int("eligible", result.EligibleCount),
		zap.Int("assignments", len(result.Assignments)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int64("duration_ms", result.DurationMS))
	return result, nil
}

// heldAssignments maps provider id to its active assignment of the lead.
func (s *Service) heldAssignments(ctx context.Context, leadID string) (map[string]*Assignment, error) {
	active, err := s.assignment.Find(ctx, &Assignment{LeadID: leadID, Status: AssignmentActive})
	if err != nil {
		return nil, err
	}
	held := make(map[string]*Assignment, len(active))
	for _, a := range active {
		held[a.ProviderID] = a
	}
	return held, nil
}

// distributeTier tries candidates least-recently-assigned first until the
// tier's capacity is filled. Providers already holding the lead are reported
// as duplicates before anyone else is tried, and their assignments in this
// tier use capacity. Other skipped candidates do not.
func (s *Service) distributeTier(ctx context.Context, log *zap.Logger, lead *marketplace.Lead, tier *marketplace.CompetitionTier, eligible []*marketplace.Subscription, held map[string]*Assignment, result *Result) {
	if len(eligible) == 0 {
		return
	}

	assigned := 0
	fresh := make([]*marketplace.Subscription, 0, len(eligible))
	for _, sub := range eligible {
		a, ok := held[sub.ProviderID]
		if !ok {
			fresh = append(fresh, sub)
			continue
		}
		if a.TierID == tier.ID {
			assigned++
		}
		log.Info("candidate skipped",
			zap.String("subscription_id", sub.ID),
			zap.String("provider_id", sub.ProviderID),
			zap.String("tier_id", tier.ID),
			zap.String("reason", string(SkipDuplicate)))
		result.Skipped = append(result.Skipped, Skip{
			SubscriptionID: sub.ID, ProviderID: sub.ProviderID, TierID: tier.ID, Reason: SkipDuplicate,
		})
	}
	if len(fresh) == 0 {
		return
	}

	candidates := s.orderCandidates(ctx, log, fresh)
	for _, sub := range candidates {
		if assigned >= tier.MaxRecipients {
			break
		}

		a, reason, err := s.assign(ctx, lead, tier, sub)
		switch {
		case err != nil:
			log.Error("assign failed", zap.String("subscription_id", sub.ID), zap.String("provider_id", sub.ProviderID), zap.Error(err))
			result.Skipped = append(result.Skipped, Skip{
				SubscriptionID: sub.ID, ProviderID: sub.ProviderID, TierID: tier.ID,
				Reason: SkipEligibilityError, Detail: err.Error(),
			})
		case reason != "":
			log.Info("candidate skipped",
				zap.String("subscription_id", sub.ID),
				zap.String("provider_id", sub.ProviderID),
				zap.String("tier_id", tier.ID),
				zap.String("reason", string(reason)))
			result.Skipped = append(result.Skipped, Skip{
				SubscriptionID: sub.ID, ProviderID: sub.ProviderID, TierID: tier.ID, Reason: reason,
			})
		default:
			assigned++
			held[a.ProviderID] = a
			log.Info("lead assigned",
				zap.String("assignment_id", a.ID),
				zap.String("provider_id", a.ProviderID),
				zap.String("tier_id", tier.ID),
				zap.Int64("price", a.Price))
			result.Assignments = append(result.Assignments, AssignmentSummary{
				AssignmentID: a.ID, ProviderID: a.ProviderID, SubscriptionID: a.SubscriptionID,
				TierID: a.TierID, Price: a.Price,
			})
		}
	}
}

// orderCandidates sorts by last_assigned_at ascending with never-assigned
// first and subscription id as tie-break. Timestamps are re-read because
// eligibility may come from cache.
func (s *Service) orderCandidates(ctx context.Context, log *zap.Logger, eligible []*marketplace.Subscription) []*marketplace.Subscription {
	ids := make([]string, 0, len(eligible))
	for _, sub := range eligible {
		ids = append(ids, sub.ID)
	}
	fresh, err := s.market.ListSubscriptionsByIDs(ctx, ids)
	if err != nil {
		log.Warn("could not refresh assignment times, using cached order", zap.Error(err))
		fresh = nil
	}

	out := make([]*marketplace.Subscription, 0, len(eligible))
	for _, sub := range eligible {
		if f, ok := fresh[sub.ID]; ok {
			out = append(out, f)
			continue
		}
		out = append(out, sub)
	}
	sortFair(out)
	return out
}

func sortFair(subs []*marketplace.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		a, b := subs[i].LastAssignedAt, subs[j].LastAssignedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return subs[i].ID < subs[j].ID
	})
}

// assign is the atomic unit for one candidate: duplicate check, active
// check, charge and assignment insert commit together or not at all.
func (s *Service) assign(ctx context.Context, lead *marketplace.Lead, tier *marketplace.CompetitionTier, sub *marketplace.Subscription) (*Assignment, SkipReason, error) {
	ctx, span := s.tracer.Start(ctx, "distribution.assign", trace.WithAttributes(
		attribute.String("provider_id", sub.ProviderID),
		attribute.String("subscription_id", sub.ID),
	))
	defer span.End()

	var (
		assignment *Assignment
		reason     SkipReason
		charge     *ledger.ChargeResult
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.assignment.WithTrx(tx).FindOne(ctx, &Assignment{
			LeadID:     lead.ID,
			ProviderID: sub.ProviderID,
			Status:     AssignmentActive,
		})
		if err != nil {
			return err
		}
		if existing != nil {
			reason = SkipDuplicate
			return nil
		}

		current, err := s.market.GetSubscriptionTx(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if current == nil || !current.IsActive {
			reason = SkipSubscriptionInactive
			return nil
		}

		assignmentID := s.node.Generate().String()
		charge, err = s.ledger.ChargeTx(ctx, tx, sub.ProviderID, tier.PricePerLead, assignmentID)
		if err != nil {
			return err
		}
		switch charge.Outcome {
		case ledger.ChargeInsufficientBalance:
			reason = SkipInsufficientBalance
			return nil
		case ledger.ChargeAlreadyApplied:
			reason = SkipDuplicate
			return nil
		}

		now := time.Now()
		marker := activeMarker
		assignment = &Assignment{
			ID:             assignmentID,
			LeadID:         lead.ID,
			ProviderID:     sub.ProviderID,
			ActiveKey:      &marker,
			SubscriptionID: sub.ID,
			TierID:         tier.ID,
			NicheID:        lead.NicheID,
			Price:          tier.PricePerLead,
			Status:         AssignmentActive,
			LedgerEntryID:  charge.Entry.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.assignment.WithTrx(tx).Create(ctx, assignment); err != nil {
			return err
		}
		return s.market.TouchSubscriptionTx(ctx, tx, sub.ID, now)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, SkipDuplicate, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}

	if charge != nil && s.status != nil {
		switch reason {
		case SkipInsufficientBalance:
			if err := s.status.NotifyInsufficientBalance(ctx, sub.ProviderID, charge.Balance, tier.PricePerLead); err != nil {
				zap.L().Warn("low balance notification failed", zap.String("provider_id", sub.ProviderID), zap.Error(err))
			}
		case "":
			if err := s.status.Sync(ctx, sub.ProviderID, charge.Balance); err != nil {
				zap.L().Warn("provider status sync failed", zap.String("provider_id", sub.ProviderID), zap.Error(err))
			}
		}
	}

	if reason != "" {
		span.SetAttributes(attribute.String("skip_reason", string(reason)))
		return nil, reason, nil
	}
	return assignment, "", nil
}

func (s *Service) persist(ctx context.Context, result *Result) error {
	result.CreatedAt = time.Now()
	return s.result.Create(ctx, result)
}

// LastResult returns the most recent run for a lead, or nil when the lead
// was never distributed.
func (s *Service) LastResult(ctx context.Context, leadID string) (*Result, error) {
	return s.result.FindOne(ctx, &Result{LeadID: leadID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}))
}

func (s *Service) ListAssignments(ctx context.Context, leadID string, page pagination.Pagination) ([]*Assignment, *pagination.PageInfo, error) {
	if _, err := s.market.GetLead(ctx, leadID); err != nil {
		return nil, nil, err
	}

	page = page.Normalize()
	query := &Assignment{LeadID: leadID}
	total, err := s.assignment.Count(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.assignment.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		option.WithPage(page.Page, page.Limit),
	)
	if err != nil {
		return nil, nil, err
	}
	return items, pagination.BuildPageInfo(page, total), nil
}

// RefundAssignment credits the price back to the provider and releases the
// (lead, provider) pair.
func (s *Service) RefundAssignment(ctx context.Context, assignmentID, actorID string) (*Assignment, error) {
	var (
		out     *Assignment
		balance int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignment.WithTrx(tx).FindOne(ctx, &Assignment{ID: assignmentID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if a == nil {
			return errutil.NotFound("assignment not found", nil)
		}
		if a.Status != AssignmentActive {
			return errutil.Conflict("assignment already refunded", nil)
		}

		credit, err := s.ledger.CreditTx(ctx, tx, ledger.CreditParams{
			ProviderID:  a.ProviderID,
			Amount:      a.Price,
			Type:        ledger.EntryRefund,
			ReferenceID: "refund:" + a.ID,
			Description: fmt.Sprintf("refund of assignment %s by %s", a.ID, actorID),
		})
		if err != nil {
			return err
		}
		balance = credit.Balance

		now := time.Now()
		if err := s.assignment.WithTrx(tx).Update(ctx, a.ID, &map[string]any{
			"status":      AssignmentRefunded,
			"active_key":  nil,
			"refunded_at": now,
			"updated_at":  now,
		}); err != nil {
			return err
		}
		a.Status = AssignmentRefunded
		a.ActiveKey = nil
		a.RefundedAt = &now
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("assignment refunded",
		zap.String("assignment_id", out.ID),
		zap.String("provider_id", out.ProviderID),
		zap.String("actor_id", actorID),
		zap.Int64("amount", out.Price))

	if s.status != nil {
		if err := s.status.Sync(ctx, out.ProviderID, balance); err != nil {
			zap.L().Warn("provider status sync failed", zap.String("provider_id", out.ProviderID), zap.Error(err))
		}
	}
	return out, nil
}
