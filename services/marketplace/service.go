package marketplace

import (
	"context"
	"errors"
	"strings"
	"time"

	"leadmarket/pkg/db/option"
	"leadmarket/pkg/errutil"
	"leadmarket/pkg/repository"
	"leadmarket/services/filter"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CacheInvalidator drops cached eligibility for every lead of a niche.
type CacheInvalidator interface {
	InvalidateNiche(ctx context.Context, nicheID string) error
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateNiche(context.Context, string) error { return nil }

// Service is the persistence surface for niches, tiers, subscriptions,
// providers and leads.
type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	invalidator CacheInvalidator

	niche        repository.Repository[Niche]
	tier         repository.Repository[CompetitionTier]
	subscription repository.Repository[Subscription]
	provider     repository.Repository[Provider]
	lead         repository.Repository[Lead]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Invalidator CacheInvalidator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	inv := p.Invalidator
	if inv == nil {
		inv = noopInvalidator{}
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		invalidator: inv,

		niche:        repository.ProvideStore[Niche](p.DB),
		tier:         repository.ProvideStore[CompetitionTier](p.DB),
		subscription: repository.ProvideStore[Subscription](p.DB),
		provider:     repository.ProvideStore[Provider](p.DB),
		lead:         repository.ProvideStore[Lead](p.DB),
	}
}

func (s *Service) invalidate(ctx context.Context, nicheID string) {
	if err := s.invalidator.InvalidateNiche(ctx, nicheID); err != nil {
		zap.L().Warn("failed to invalidate eligibility cache", zap.String("niche_id", nicheID), zap.Error(err))
	}
}

func byOrderPosition() option.QueryOption {
	return option.WithSortBy(option.QuerySortBy{
		SortBy:  "order_position",
		OrderBy: "asc",
		Allow:   map[string]bool{"order_position": true},
	})
}

// --- reads ---

func (s *Service) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	if strings.TrimSpace(leadID) == "" {
		return nil, errutil.BadRequest("lead_id is required", nil)
	}
	lead, err := s.lead.FindOne(ctx, &Lead{ID: leadID})
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, errutil.NotFound("lead not found", nil)
	}
	return lead, nil
}

func (s *Service) GetNiche(ctx context.Context, nicheID string) (*Niche, error) {
	niche, err := s.niche.FindOne(ctx, &Niche{ID: nicheID})
	if err != nil {
		return nil, err
	}
	if niche == nil {
		return nil, errutil.NotFound("niche not found", nil)
	}
	return niche, nil
}

func (s *Service) GetTier(ctx context.Context, tierID string) (*CompetitionTier, error) {
	tier, err := s.tier.FindOne(ctx, &CompetitionTier{ID: tierID})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, errutil.NotFound("tier not found", nil)
	}
	return tier, nil
}

// ListActiveTiers returns a niche's active tiers ordered by position.
func (s *Service) ListActiveTiers(ctx context.Context, nicheID string) ([]*CompetitionTier, error) {
	return s.ListActiveTiersTx(ctx, nil, nicheID)
}

func (s *Service) ListActiveTiersTx(ctx context.Context, tx *gorm.DB, nicheID string) ([]*CompetitionTier, error) {
	return s.tier.WithTrx(tx).Find(ctx, &CompetitionTier{NicheID: nicheID, IsActive: true}, byOrderPosition())
}

// ListCandidateSubscriptions returns subscriptions of the niche that may take
// part in eligibility: active, not deleted, with a valid filter set and
// attached to an active tier.
func (s *Service) ListCandidateSubscriptions(ctx context.Context, nicheID string) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.db.WithContext(ctx).
		Model(&Subscription{}).
		Select("subscriptions.*").
		Joins("JOIN competition_tiers ON competition_tiers.id = subscriptions.tier_id").
		Where("subscriptions.niche_id = ?", nicheID).
		Where("subscriptions.is_active = ? AND subscriptions.filter_is_valid = ?", true, true).
		Where("competition_tiers.is_active = ?", true).
		Order("subscriptions.id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// GetSubscriptionTx reads one subscription inside tx. Soft-deleted rows are
// not returned.
func (s *Service) GetSubscriptionTx(ctx context.Context, tx *gorm.DB, subscriptionID string) (*Subscription, error) {
	return s.subscription.WithTrx(tx).FindOne(ctx, &Subscription{ID: subscriptionID})
}

func (s *Service) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := s.GetSubscriptionTx(ctx, nil, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errutil.NotFound("subscription not found", nil)
	}
	return sub, nil
}

func (s *Service) ListProviderSubscriptions(ctx context.Context, providerID string) ([]*Subscription, error) {
	return s.subscription.Find(ctx, &Subscription{ProviderID: providerID})
}

func (s *Service) GetProvider(ctx context.Context, providerID string) (*Provider, error) {
	p, err := s.provider.FindOne(ctx, &Provider{ID: providerID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("provider not found", nil)
	}
	return p, nil
}

// --- writes owned by the distribution core ---

// TouchSubscriptionTx records that the subscription just received a lead.
func (s *Service) TouchSubscriptionTx(ctx context.Context, tx *gorm.DB, subscriptionID string, at time.Time) error {
	return s.subscription.WithTrx(tx).Update(ctx, subscriptionID, &map[string]any{"last_assigned_at": at})
}

func (s *Service) MarkLeadDistributed(ctx context.Context, leadID string, at time.Time) error {
	return s.lead.Update(ctx, leadID, &map[string]any{
		"status":         LeadStatusDistributed,
		"distributed_at": at,
		"updated_at":     at,
	})
}

func (s *Service) SetLowBalanceNotified(ctx context.Context, providerID string, notified bool) error {
	return s.provider.Update(ctx, providerID, &map[string]any{
		"low_balance_notified": notified,
		"updated_at":           time.Now(),
	})
}

// SetProviderSubscriptionsActive flips every subscription of a provider.
// Deactivation with auto=true marks rows so that a later automatic
// reactivation only restores what it switched off. It returns the niches
// whose eligibility changed.
func (s *Service) SetProviderSubscriptionsActive(ctx context.Context, providerID string, active, auto bool) ([]string, error) {
	var subs []*Subscription
	q := s.db.WithContext(ctx).Where("provider_id = ?", providerID)
	if active {
		q = q.Where("is_active = ?", false)
		if auto {
			q = q.Where("auto_deactivated = ?", true)
		}
	} else {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(subs))
	niches := map[string]struct{}{}
	for _, sub := range subs {
		ids = append(ids, sub.ID)
		niches[sub.NicheID] = struct{}{}
	}

	updates := map[string]any{
		"is_active":        active,
		"auto_deactivated": !active && auto,
		"updated_at":       time.Now(),
	}
	if err := s.db.WithContext(ctx).Model(&Subscription{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
		return nil, err
	}

	out := make([]string, 0, len(niches))
	for nicheID := range niches {
		s.invalidate(ctx, nicheID)
		out = append(out, nicheID)
	}
	return out, nil
}

// --- collaborator writes ---

func (s *Service) CreateNiche(ctx context.Context, niche *Niche) error {
	if strings.TrimSpace(niche.Name) == "" {
		return errutil.BadRequest("niche name is required", nil)
	}
	if niche.ID == "" {
		niche.ID = s.node.Generate().String()
	}
	return s.niche.Create(ctx, niche)
}

func (s *Service) CreateTier(ctx context.Context, tier *CompetitionTier) error {
	if tier.OrderPosition < 1 {
		return errutil.BadRequest("order_position must be >= 1", nil)
	}
	if tier.MaxRecipients < 1 {
		return errutil.BadRequest("max_recipients must be >= 1", nil)
	}
	if tier.PricePerLead < 0 {
		return errutil.BadRequest("price_per_lead must not be negative", nil)
	}
	if _, err := s.GetNiche(ctx, tier.NicheID); err != nil {
		return err
	}
	if tier.ID == "" {
		tier.ID = s.node.Generate().String()
	}
	if err := s.tier.Create(ctx, tier); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errutil.Conflict("order_position already used in niche", err)
		}
		return err
	}
	s.invalidate(ctx, tier.NicheID)
	return nil
}

func (s *Service) SetTierActive(ctx context.Context, tierID string, active bool) error {
	tier, err := s.GetTier(ctx, tierID)
	if err != nil {
		return err
	}
	if err := s.tier.Update(ctx, tierID, &map[string]any{"is_active": active, "updated_at": time.Now()}); err != nil {
		return err
	}
	s.invalidate(ctx, tier.NicheID)
	return nil
}

func (s *Service) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = s.node.Generate().String()
	}
	return s.provider.Create(ctx, p)
}

func (s *Service) CreateLead(ctx context.Context, lead *Lead) error {
	if _, err := s.GetNiche(ctx, lead.NicheID); err != nil {
		return err
	}
	if _, err := lead.Form(); err != nil {
		return errutil.BadRequest("form_data must be a JSON object", err)
	}
	if lead.ID == "" {
		lead.ID = s.node.Generate().String()
	}
	if lead.Status == "" {
		lead.Status = LeadStatusSubmitted
	}
	return s.lead.Create(ctx, lead)
}

func (s *Service) UpdateLeadStatus(ctx context.Context, leadID string, status LeadStatus) error {
	if _, err := s.GetLead(ctx, leadID); err != nil {
		return err
	}
	return s.lead.Update(ctx, leadID, &map[string]any{"status": status, "updated_at": time.Now()})
}

// CreateSubscription stores a subscription. An invalid filter set is kept
// but flagged so the subscription never becomes eligible.
func (s *Service) CreateSubscription(ctx context.Context, sub *Subscription) error {
	tier, err := s.GetTier(ctx, sub.TierID)
	if err != nil {
		return err
	}
	if _, err := s.GetProvider(ctx, sub.ProviderID); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = s.node.Generate().String()
	}
	sub.NicheID = tier.NicheID
	sub.FilterVersion = 1
	sub.FilterIsValid = s.checkRules(sub.ID, sub.FilterRules)

	if err := s.subscription.Create(ctx, sub); err != nil {
		return err
	}
	s.invalidate(ctx, sub.NicheID)
	return nil
}

// UpdateSubscriptionFilters replaces the filter set and bumps its version.
func (s *Service) UpdateSubscriptionFilters(ctx context.Context, subscriptionID string, rules []byte) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	valid := s.checkRules(sub.ID, rules)
	if err := s.subscription.Update(ctx, sub.ID, &map[string]any{
		"filter_rules":    datatypes.JSON(rules),
		"filter_version":  gorm.Expr("filter_version + 1"),
		"filter_is_valid": valid,
		"updated_at":      time.Now(),
	}); err != nil {
		return nil, err
	}
	s.invalidate(ctx, sub.NicheID)
	return s.GetSubscription(ctx, sub.ID)
}

func (s *Service) SetSubscriptionActive(ctx context.Context, subscriptionID string, active bool) error {
	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if err := s.subscription.Update(ctx, sub.ID, &map[string]any{
		"is_active":        active,
		"auto_deactivated": false,
		"updated_at":       time.Now(),
	}); err != nil {
		return err
	}
	s.invalidate(ctx, sub.NicheID)
	return nil
}

// MoveSubscription rebinds a subscription to another tier of the same niche.
func (s *Service) MoveSubscription(ctx context.Context, subscriptionID, tierID string) error {
	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	tier, err := s.GetTier(ctx, tierID)
	if err != nil {
		return err
	}
	if tier.NicheID != sub.NicheID {
		return errutil.BadRequest("tier belongs to another niche", nil)
	}
	if err := s.subscription.Update(ctx, sub.ID, &map[string]any{"tier_id": tierID, "updated_at": time.Now()}); err != nil {
		return err
	}
	s.invalidate(ctx, sub.NicheID)
	return nil
}

func (s *Service) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&Subscription{}, "id = ?", sub.ID).Error; err != nil {
		return err
	}
	s.invalidate(ctx, sub.NicheID)
	return nil
}

func (s *Service) checkRules(subscriptionID string, rules []byte) bool {
	if err := filter.ValidateRuleSet(rules); err != nil {
		zap.L().Warn("subscription filter rules rejected",
			zap.String("subscription_id", subscriptionID), zap.Error(err))
		return false
	}
	return true
}

// ListSubscriptionsByIDs reads current rows for the given ids, keyed by id.
func (s *Service) ListSubscriptionsByIDs(ctx context.Context, ids []string) (map[string]*Subscription, error) {
	out := make(map[string]*Subscription, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	subs, err := s.subscription.Find(ctx, nil, option.ApplyOperator(option.Condition{
		Field:    "id",
		Operator: option.IN,
		Value:    ids,
	}))
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		out[sub.ID] = sub
	}
	return out, nil
}
