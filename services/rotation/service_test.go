package rotation

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadmarket/services/marketplace"
	"leadmarket/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func tiers(positions ...int) []*marketplace.CompetitionTier {
	out := make([]*marketplace.CompetitionTier, 0, len(positions))
	for _, p := range positions {
		out = append(out, &marketplace.CompetitionTier{ID: string(rune('A' + p - 1)), OrderPosition: p})
	}
	return out
}

func TestPlan(t *testing.T) {
	cases := []struct {
		name      string
		next      int
		positions []int
		wantStart int
		wantOrder []string
		wantNext  int
	}{
		{"from first", 1, []int{1, 2, 3}, 1, []string{"A", "B", "C"}, 2},
		{"from middle", 2, []int{1, 2, 3}, 2, []string{"B", "C", "A"}, 3},
		{"wraps at max", 3, []int{1, 2, 3}, 3, []string{"C", "A", "B"}, 1},
		{"pointer past max wraps", 7, []int{1, 2, 3}, 1, []string{"A", "B", "C"}, 2},
		{"skips gap", 2, []int{1, 3, 4}, 3, []string{"C", "D", "A"}, 4},
		{"single tier", 1, []int{1}, 1, []string{"A"}, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := plan("n1", tc.next, tiers(tc.positions...))
			require.Equal(t, tc.wantStart, got.StartPosition)
			require.Equal(t, tc.wantOrder, got.TierIDs)
			require.Equal(t, tc.wantNext, got.NextStartPosition)
		})
	}

	empty := plan("n1", 2, nil)
	require.Empty(t, empty.TierIDs)
	require.Equal(t, 2, empty.NextStartPosition)
}

func newTestService(t *testing.T, tierCount int) (*Service, string) {
	t.Helper()

	db := testutil.NewTestDB(t, append(marketplace.Models(), Models()...)...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	market := marketplace.NewService(marketplace.ServiceParams{DB: db, Node: node})
	ctx := context.Background()

	niche := &marketplace.Niche{Name: "solar", IsActive: true}
	require.NoError(t, market.CreateNiche(ctx, niche))
	for i := 1; i <= tierCount; i++ {
		require.NoError(t, market.CreateTier(ctx, &marketplace.CompetitionTier{
			NicheID: niche.ID, OrderPosition: i, MaxRecipients: 1, PricePerLead: 100, IsActive: true,
		}))
	}

	return NewService(ServiceParams{DB: db, Marketplace: market}), niche.ID
}

func TestNextTraversal_CyclesThroughAllPositions(t *testing.T) {
	svc, nicheID := newTestService(t, 3)
	ctx := context.Background()

	var starts []int
	for i := 0; i < 6; i++ {
		tr, err := svc.NextTraversal(ctx, nicheID)
		require.NoError(t, err)
		require.Len(t, tr.TierIDs, 3)
		starts = append(starts, tr.StartPosition)
	}
	require.Equal(t, []int{1, 2, 3, 1, 2, 3}, starts)
}

func TestNextTraversal_ConcurrentCallersNeverShareAStart(t *testing.T) {
	const tierCount, rounds = 4, 5
	svc, nicheID := newTestService(t, tierCount)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[int]int{}
		errs   []error
	)
	for i := 0; i < tierCount*rounds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := svc.NextTraversal(ctx, nicheID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			counts[tr.StartPosition]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, counts, tierCount)
	for pos, n := range counts {
		require.Equal(t, rounds, n, "position %d", pos)
	}

	var state State
	require.NoError(t, svc.db.First(&state, "niche_id = ?", nicheID).Error)
	require.Equal(t, int64(tierCount*rounds), state.Advances)
}

func TestNextTraversal_NoTiers(t *testing.T) {
	svc, nicheID := newTestService(t, 0)

	tr, err := svc.NextTraversal(context.Background(), nicheID)
	require.NoError(t, err)
	require.Empty(t, tr.TierIDs)
}
