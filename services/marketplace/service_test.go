package marketplace

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"leadmarket/pkg/errutil"
	"leadmarket/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type invalidatorMock struct {
	mu     sync.Mutex
	niches []string
}

func (m *invalidatorMock) InvalidateNiche(_ context.Context, nicheID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.niches = append(m.niches, nicheID)
	return nil
}

func (m *invalidatorMock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.niches)
}

func newTestService(t *testing.T) (*Service, *invalidatorMock) {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	inv := &invalidatorMock{}
	return NewService(ServiceParams{DB: db, Node: node, Invalidator: inv}), inv
}

type fixture struct {
	niche    *Niche
	tierA    *CompetitionTier
	tierB    *CompetitionTier
	provider *Provider
}

func seed(t *testing.T, svc *Service) fixture {
	t.Helper()
	ctx := context.Background()

	niche := &Niche{Name: "roofing", IsActive: true}
	require.NoError(t, svc.CreateNiche(ctx, niche))

	tierA := &CompetitionTier{NicheID: niche.ID, Name: "A", OrderPosition: 1, PricePerLead: 5000, MaxRecipients: 1, IsActive: true}
	tierB := &CompetitionTier{NicheID: niche.ID, Name: "B", OrderPosition: 2, PricePerLead: 2500, MaxRecipients: 2, IsActive: true}
	require.NoError(t, svc.CreateTier(ctx, tierA))
	require.NoError(t, svc.CreateTier(ctx, tierB))

	provider := &Provider{Name: "Acme Roofing", LowBalanceThreshold: 10000}
	require.NoError(t, svc.CreateProvider(ctx, provider))

	return fixture{niche: niche, tierA: tierA, tierB: tierB, provider: provider}
}

func TestService_CreateTierRejectsDuplicatePosition(t *testing.T) {
	svc, _ := newTestService(t)
	f := seed(t, svc)

	err := svc.CreateTier(context.Background(), &CompetitionTier{
		NicheID: f.niche.ID, OrderPosition: 1, MaxRecipients: 1, IsActive: true,
	})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
}

func TestService_ListActiveTiersOrdered(t *testing.T) {
	svc, _ := newTestService(t)
	f := seed(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.CreateTier(ctx, &CompetitionTier{NicheID: f.niche.ID, OrderPosition: 3, MaxRecipients: 1}))

	tiers, err := svc.ListActiveTiers(ctx, f.niche.ID)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	require.Equal(t, f.tierA.ID, tiers[0].ID)
	require.Equal(t, f.tierB.ID, tiers[1].ID)
}

func TestService_InvalidFilterIsFlagged(t *testing.T) {
	svc, _ := newTestService(t)
	f := seed(t, svc)
	ctx := context.Background()

	sub := &Subscription{
		ProviderID:  f.provider.ID,
		TierID:      f.tierA.ID,
		IsActive:    true,
		FilterRules: datatypes.JSON(`[{"field_key":"zip","operator":"between","value":"nope"}]`),
	}
	require.NoError(t, svc.CreateSubscription(ctx, sub))
	require.False(t, sub.FilterIsValid)
	require.Equal(t, f.niche.ID, sub.NicheID)

	candidates, err := svc.ListCandidateSubscriptions(ctx, f.niche.ID)
	require.NoError(t, err)
	require.Empty(t, candidates)

	updated, err := svc.UpdateSubscriptionFilters(ctx, sub.ID, []byte(`[{"field_key":"zip","operator":"in","value":["94110"]}]`))
	require.NoError(t, err)
	require.True(t, updated.FilterIsValid)
	require.Equal(t, 2, updated.FilterVersion)

	candidates, err = svc.ListCandidateSubscriptions(ctx, f.niche.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, sub.ID, candidates[0].ID)
}

func TestService_CandidatesExcludeInactiveDeletedAndInactiveTier(t *testing.T) {
	svc, inv := newTestService(t)
	f := seed(t, svc)
	ctx := context.Background()

	mk := func(tierID string) *Subscription {
		sub := &Subscription{ProviderID: f.provider.ID, TierID: tierID, IsActive: true}
		require.NoError(t, svc.CreateSubscription(ctx, sub))
		return sub
	}
	keep := mk(f.tierA.ID)
	inactive := mk(f.tierA.ID)
	deleted := mk(f.tierA.ID)
	moved := mk(f.tierA.ID)

	before := inv.count()
	require.NoError(t, svc.SetSubscriptionActive(ctx, inactive.ID, false))
	require.NoError(t, svc.DeleteSubscription(ctx, deleted.ID))
	require.NoError(t, svc.MoveSubscription(ctx, moved.ID, f.tierB.ID))
	require.NoError(t, svc.SetTierActive(ctx, f.tierB.ID, false))
	require.Equal(t, before+4, inv.count())

	candidates, err := svc.ListCandidateSubscriptions(ctx, f.niche.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, keep.ID, candidates[0].ID)
}

func TestService_ProviderAutoDeactivation(t *testing.T) {
	svc, _ := newTestService(t)
	f := seed(t, svc)
	ctx := context.Background()

	auto := &Subscription{ProviderID: f.provider.ID, TierID: f.tierA.ID, IsActive: true}
	manual := &Subscription{ProviderID: f.provider.ID, TierID: f.tierB.ID, IsActive: true}
	require.NoError(t, svc.CreateSubscription(ctx, auto))
	require.NoError(t, svc.CreateSubscription(ctx, manual))
	require.NoError(t, svc.SetSubscriptionActive(ctx, manual.ID, false))

	niches, err := svc.SetProviderSubscriptionsActive(ctx, f.provider.ID, false, true)
	require.NoError(t, err)
	require.Equal(t, []string{f.niche.ID}, niches)

	got, err := svc.GetSubscription(ctx, auto.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.True(t, got.AutoDeactivated)

	_, err = svc.SetProviderSubscriptionsActive(ctx, f.provider.ID, true, true)
	require.NoError(t, err)

	got, err = svc.GetSubscription(ctx, auto.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)

	got, err = svc.GetSubscription(ctx, manual.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive, "manually paused subscription stays paused")
}

func TestService_GetLeadNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetLead(context.Background(), "missing")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	_, err = svc.GetLead(context.Background(), " ")
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))
}
