package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"leadmarket/pkg/db/option"
	"leadmarket/pkg/db/pagination"
	"leadmarket/pkg/errutil"
	"leadmarket/pkg/repository"
	"leadmarket/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query, opts...)
	}
	return 0, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}), db
}

func deposit(t *testing.T, svc *Service, providerID string, amount int64) {
	t.Helper()
	_, err := svc.Credit(context.Background(), CreditParams{ProviderID: providerID, Amount: amount, Type: EntryDeposit})
	require.NoError(t, err)
}

func TestGetBalanceWithoutLedger(t *testing.T) {
	svc := &Service{
		balance: &repoMock[Balance]{},
	}

	b, err := svc.GetBalance(context.Background(), "provider-1")
	require.NoError(t, err)
	require.Equal(t, "provider-1", b.ProviderID)
	require.Zero(t, b.Balance)
}

func TestVerifyChainValid(t *testing.T) {
	first := &LedgerEntry{
		ID:           "entry-1",
		ProviderID:   "provider",
		Sequence:     1,
		Type:         EntryDeposit,
		Amount:       100,
		BalanceAfter: 100,
		PreviousHash: genesisHash,
		CreatedAt:    time.Now(),
	}
	first.Hash = first.GenerateHash()

	second := &LedgerEntry{
		ID:           "entry-2",
		ProviderID:   "provider",
		Sequence:     2,
		Type:         EntryLeadPurchase,
		Amount:       -50,
		BalanceAfter: 50,
		PreviousHash: first.Hash,
		CreatedAt:    time.Now().Add(time.Minute),
	}
	second.Hash = second.GenerateHash()

	svc := &Service{
		ledger: &repoMock[LedgerEntry]{
			findFn: func(ctx context.Context, _ *LedgerEntry, opts ...option.QueryOption) ([]*LedgerEntry, error) {
				return []*LedgerEntry{first, second}, nil
			},
		},
	}

	report, err := svc.VerifyChain(context.Background(), "provider")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)

	second.Amount = -5
	report, err = svc.VerifyChain(context.Background(), "provider")
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, "entry-2", report.BrokenAt)
}

func TestChargeAppliesAndChains(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	deposit(t, svc, "p1", 10000)

	res, err := svc.Charge(ctx, "p1", 2500, "asg-1")
	require.NoError(t, err)
	require.Equal(t, ChargeApplied, res.Outcome)
	require.Equal(t, int64(7500), res.Balance)
	require.Equal(t, int64(-2500), res.Entry.Amount)
	require.Equal(t, int64(7500), res.Entry.BalanceAfter)

	b, err := svc.GetBalance(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(7500), b.Balance)
	require.Equal(t, int64(2), b.Sequence)

	report, err := svc.VerifyChain(ctx, "p1")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}

func TestChargeInsufficientBalanceIsOutcome(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	deposit(t, svc, "p1", 1000)

	res, err := svc.Charge(ctx, "p1", 2500, "asg-1")
	require.NoError(t, err)
	require.Equal(t, ChargeInsufficientBalance, res.Outcome)
	require.Equal(t, int64(1000), res.Balance)

	res, err = svc.Charge(ctx, "unknown", 1, "asg-2")
	require.NoError(t, err)
	require.Equal(t, ChargeInsufficientBalance, res.Outcome)

	entries, _, err := svc.ListEntries(ctx, "p1", pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestChargeIdempotentUnderConcurrency(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	deposit(t, svc, "p1", 10000)

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]ChargeOutcome, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Charge(ctx, "p1", 2500, "asg-same")
			errs[i] = err
			if res != nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == ChargeApplied {
			applied++
		} else {
			require.Equal(t, ChargeAlreadyApplied, outcomes[i])
		}
	}
	require.Equal(t, 1, applied)

	var count int64
	require.NoError(t, db.Model(&LedgerEntry{}).Where("related_assignment_id = ?", "asg-same").Count(&count).Error)
	require.Equal(t, int64(1), count)

	b, err := svc.GetBalance(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(7500), b.Balance)
}

func TestCreditReferenceIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	params := CreditParams{ProviderID: "p1", Amount: 500, Type: EntryDeposit, ReferenceID: "stripe-evt-1"}
	first, err := svc.Credit(ctx, params)
	require.NoError(t, err)
	require.False(t, first.AlreadyApplied)

	second, err := svc.Credit(ctx, params)
	require.NoError(t, err)
	require.True(t, second.AlreadyApplied)
	require.Equal(t, int64(500), second.Balance)

	_, err = svc.Credit(ctx, CreditParams{ProviderID: "p2", Amount: 500, ReferenceID: "stripe-evt-1"})
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
}

func TestCreditValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditParams{ProviderID: "p1", Amount: 0})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	_, err = svc.Credit(ctx, CreditParams{ProviderID: "p1", Amount: 10, Type: EntryLeadPurchase})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	_, err = svc.Debit(ctx, "p1", 10, "", "chargeback")
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))
}

func TestReconcile(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	deposit(t, svc, "p1", 1000)
	deposit(t, svc, "p2", 2000)
	_, err := svc.Charge(ctx, "p2", 300, "asg-1")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "p2", 200, "adj-1", "manual adjustment")
	require.NoError(t, err)

	mismatches, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, mismatches)

	require.NoError(t, db.Model(&Balance{}).Where("provider_id = ?", "p1").Update("balance", 1003).Error)

	mismatches, err = svc.Reconcile(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, mismatches)

	mismatches, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, Mismatch{ProviderID: "p1", Balance: 1003, LedgerSum: 1000, Diff: 3}, mismatches[0])
}

func TestHandleReconcileTask(t *testing.T) {
	svc, _ := newTestService(t)
	deposit(t, svc, "p1", 100)

	require.NoError(t, svc.HandleReconcileTask(context.Background(), asynq.NewTask("ledger:reconcile", nil)))

	tolerance := int64(1)
	payload, err := json.Marshal(ReconcilePayload{Tolerance: &tolerance})
	require.NoError(t, err)
	require.NoError(t, svc.HandleReconcileTask(context.Background(), asynq.NewTask("ledger:reconcile", payload)))

	err = svc.HandleReconcileTask(context.Background(), asynq.NewTask("ledger:reconcile", []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
