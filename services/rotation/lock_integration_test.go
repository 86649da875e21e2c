//go:build integration

package rotation

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"leadmarket/services/marketplace"
	"leadmarket/services/testutil"
)

func TestNextTraversal_ConcurrentCallersOnPostgres(t *testing.T) {
	const tierCount, rounds = 3, 4
	db := testutil.NewPostgresDB(t, append(marketplace.Models(), Models()...)...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	market := marketplace.NewService(marketplace.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Marketplace: market})
	ctx := context.Background()

	niche := &marketplace.Niche{Name: "windows", IsActive: true}
	require.NoError(t, market.CreateNiche(ctx, niche))
	for i := 1; i <= tierCount; i++ {
		require.NoError(t, market.CreateTier(ctx, &marketplace.CompetitionTier{
			NicheID: niche.ID, OrderPosition: i, MaxRecipients: 1, PricePerLead: 100, IsActive: true,
		}))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		starts = map[int]int{}
	)
	for i := 0; i < tierCount*rounds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := svc.NextTraversal(ctx, niche.ID)
			require.NoError(t, err)
			mu.Lock()
			starts[tr.StartPosition]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for pos := 1; pos <= tierCount; pos++ {
		require.Equal(t, rounds, starts[pos], "start position %d", pos)
	}
}
