//go:build integration

package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"leadmarket/services/testutil"
)

// Run with: LEADMARKET_TEST_POSTGRES_DSN=... go test -tags integration ./services/...
func TestCharge_ConcurrentChargesNeverOverdraw(t *testing.T) {
	db := testutil.NewPostgresDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(ServiceParams{DB: db, Node: node})
	ctx := context.Background()

	const providerID, price, workers = "provider-lock", int64(100), 20
	deposit(t, svc, providerID, price*workers/2)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[ChargeOutcome]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Charge(ctx, providerID, price, fmt.Sprintf("assignment-%d", i))
			require.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Equal(t, workers/2, outcomes[ChargeApplied])
	require.Equal(t, workers/2, outcomes[ChargeInsufficientBalance])

	b, err := svc.GetBalance(ctx, providerID)
	require.NoError(t, err)
	require.Zero(t, b.Balance)

	report, err := svc.VerifyChain(ctx, providerID)
	require.NoError(t, err)
	require.True(t, report.Valid)
}
