package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadmarket/pkg/config"
	"leadmarket/pkg/db/option"
	"leadmarket/pkg/db/pagination"
	"leadmarket/pkg/errutil"
	"leadmarket/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	chargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_charges_total",
		Help: "Lead purchase charges by outcome.",
	}, []string{"outcome"})
	reconcileMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconcile_mismatches",
		Help: "Providers whose balance disagreed with the ledger on the last reconciliation.",
	})
)

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	tolerance int64

	ledger  repository.Repository[LedgerEntry]
	balance repository.Repository[Balance]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	var tolerance int64
	if p.Config != nil {
		tolerance = p.Config.Distribution.ReconcileTolerance
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		tolerance: tolerance,

		ledger:  repository.ProvideStore[LedgerEntry](p.DB),
		balance: repository.ProvideStore[Balance](p.DB),
	}
}

func logFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// lockBalance returns the provider's balance row locked for update,
// creating an empty one on first use.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, providerID string) (*Balance, error) {
	now := time.Now()
	seedRow := &Balance{
		ID:         s.node.Generate().String(),
		ProviderID: providerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_id"}},
		DoNothing: true,
	}).Create(seedRow).Error; err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	balance, err := s.balance.WithTrx(tx).FindOne(ctx, &Balance{ProviderID: providerID}, option.WithLockingUpdate())
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if balance == nil {
		return nil, fmt.Errorf("balance row for provider %s vanished", providerID)
	}
	return balance, nil
}

func (s *Service) getLastEntry(ctx context.Context, tx *gorm.DB, providerID string) (*LedgerEntry, error) {
	return s.ledger.WithTrx(tx).FindOne(ctx, &LedgerEntry{ProviderID: providerID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}),
	)
}

// appendEntry chains entry onto the provider's ledger and moves the locked
// balance by entry.Amount.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, balance *Balance, entry *LedgerEntry) error {
	last, err := s.getLastEntry(ctx, tx, balance.ProviderID)
	if err != nil {
		return err
	}

	entry.ID = s.node.Generate().String()
	entry.ProviderID = balance.ProviderID
	entry.Sequence = balance.Sequence + 1
	entry.BalanceAfter = balance.Balance + entry.Amount
	entry.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	entry.PreviousHash = genesisHash
	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := s.ledger.WithTrx(tx).Create(ctx, entry); err != nil {
		return err
	}

	if err := s.balance.WithTrx(tx).Update(ctx, balance.ID, &map[string]any{
		"balance":    gorm.Expr("balance + ?", entry.Amount),
		"sequence":   entry.Sequence,
		"updated_at": time.Now(),
	}); err != nil {
		return err
	}

	balance.Balance = entry.BalanceAfter
	balance.Sequence = entry.Sequence
	return nil
}

// Charge debits a lead purchase in its own transaction. See ChargeTx.
func (s *Service) Charge(ctx context.Context, providerID string, amount int64, relatedAssignmentID string) (*ChargeResult, error) {
	var result *ChargeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ChargeTx(ctx, tx, providerID, amount, relatedAssignmentID)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		chargesTotal.WithLabelValues(string(ChargeAlreadyApplied)).Inc()
		return &ChargeResult{Outcome: ChargeAlreadyApplied}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ChargeTx debits amount from the provider inside tx while holding the
// provider's balance row lock. A repeat for the same assignment is a no-op
// and insufficient funds is an outcome, not an error.
func (s *Service) ChargeTx(ctx context.Context, tx *gorm.DB, providerID string, amount int64, relatedAssignmentID string) (*ChargeResult, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, errutil.BadRequest("provider_id is required", nil)
	}
	if strings.TrimSpace(relatedAssignmentID) == "" {
		return nil, errutil.BadRequest("related_assignment_id is required", nil)
	}
	if amount < 0 {
		return nil, errutil.BadRequest("charge amount must not be negative", nil)
	}

	balance, err := s.lockBalance(ctx, tx, providerID)
	if err != nil {
		return nil, err
	}

	existing, err := s.ledger.WithTrx(tx).FindOne(ctx, &LedgerEntry{RelatedAssignmentID: &relatedAssignmentID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Info("charge already applied", logFields(ctx,
			zap.String("provider_id", providerID),
			zap.String("assignment_id", relatedAssignmentID))...)
		chargesTotal.WithLabelValues(string(ChargeAlreadyApplied)).Inc()
		return &ChargeResult{Outcome: ChargeAlreadyApplied, Entry: existing, Balance: balance.Balance}, nil
	}

	if balance.Balance < amount {
		chargesTotal.WithLabelValues(string(ChargeInsufficientBalance)).Inc()
		return &ChargeResult{Outcome: ChargeInsufficientBalance, Balance: balance.Balance}, nil
	}

	entry := &LedgerEntry{
		Type:                EntryLeadPurchase,
		Amount:              -amount,
		RelatedAssignmentID: &relatedAssignmentID,
		Description:         "lead purchase",
	}
	if err := s.appendEntry(ctx, tx, balance, entry); err != nil {
		zap.L().Error("failed to append charge entry", logFields(ctx,
			zap.String("provider_id", providerID), zap.Error(err))...)
		return nil, err
	}

	chargesTotal.WithLabelValues(string(ChargeApplied)).Inc()
	return &ChargeResult{Outcome: ChargeApplied, Entry: entry, Balance: balance.Balance}, nil
}

// Credit posts a deposit, refund or manual credit. A non-empty ReferenceID
// makes the call idempotent.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*CreditResult, error) {
	var result *CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, p CreditParams) (*CreditResult, error) {
	switch p.Type {
	case EntryDeposit, EntryRefund, EntryManualCredit:
	case "":
		p.Type = EntryDeposit
	default:
		return nil, errutil.BadRequest(fmt.Sprintf("entry type %q cannot credit", p.Type), nil)
	}
	if p.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0 for credit", nil)
	}
	return s.post(ctx, tx, p, p.Amount)
}

// Debit posts a manual debit. It refuses to take the balance below zero.
func (s *Service) Debit(ctx context.Context, providerID string, amount int64, referenceID, description string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0 for debit", nil)
	}
	var result *CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.post(ctx, tx, CreditParams{
			ProviderID:  providerID,
			Type:        EntryManualDebit,
			ReferenceID: referenceID,
			Description: description,
		}, -amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) post(ctx context.Context, tx *gorm.DB, p CreditParams, signed int64) (*CreditResult, error) {
	if strings.TrimSpace(p.ProviderID) == "" {
		return nil, errutil.BadRequest("provider_id is required", nil)
	}

	balance, err := s.lockBalance(ctx, tx, p.ProviderID)
	if err != nil {
		return nil, err
	}

	var ref *string
	if p.ReferenceID != "" {
		ref = &p.ReferenceID
		existing, err := s.ledger.WithTrx(tx).FindOne(ctx, &LedgerEntry{ReferenceID: ref})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.ProviderID != p.ProviderID {
				return nil, errutil.Conflict("reference_id already used by another provider", nil)
			}
			return &CreditResult{Entry: existing, Balance: balance.Balance, AlreadyApplied: true}, nil
		}
	}

	if balance.Balance+signed < 0 {
		return nil, errutil.UnprocessableEntity("insufficient balance for debit", nil)
	}

	entry := &LedgerEntry{
		Type:        p.Type,
		Amount:      signed,
		ReferenceID: ref,
		Description: p.Description,
		Metadata:    p.Metadata,
	}
	if err := s.appendEntry(ctx, tx, balance, entry); err != nil {
		zap.L().Error("failed to append ledger entry", logFields(ctx,
			zap.String("provider_id", p.ProviderID),
			zap.String("type", string(p.Type)),
			zap.Error(err))...)
		return nil, err
	}

	zap.L().Info("ledger entry posted", logFields(ctx,
		zap.String("provider_id", p.ProviderID),
		zap.String("type", string(p.Type)),
		zap.Int64("amount", signed),
		zap.Int64("balance", balance.Balance))...)

	return &CreditResult{Entry: entry, Balance: balance.Balance}, nil
}

// GetBalance returns the provider's balance; providers without a ledger
// have a zero balance.
func (s *Service) GetBalance(ctx context.Context, providerID string) (*Balance, error) {
	balance, err := s.balance.FindOne(ctx, &Balance{ProviderID: providerID})
	if err != nil {
		zap.L().Error("failed to query balance", logFields(ctx, zap.String("provider_id", providerID), zap.Error(err))...)
		return nil, err
	}
	if balance == nil {
		return &Balance{ProviderID: providerID}, nil
	}
	return balance, nil
}

func (s *Service) ListEntries(ctx context.Context, providerID string, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	page = page.Normalize()
	query := &LedgerEntry{ProviderID: providerID}

	total, err := s.ledger.Count(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.ledger.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc", Allow: map[string]bool{"sequence": true}}),
		option.WithPage(page.Page, page.Limit),
	)
	if err != nil {
		return nil, nil, err
	}
	return entries, pagination.BuildPageInfo(page, total), nil
}

// VerifyChain recomputes every hash of the provider's ledger in sequence
// order and checks the previous_hash links.
func (s *Service) VerifyChain(ctx context.Context, providerID string) (*ChainReport, error) {
	entries, err := s.ledger.Find(ctx, &LedgerEntry{ProviderID: providerID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc", Allow: map[string]bool{"sequence": true}}),
	)
	if err != nil {
		zap.L().Error("failed to query ledger entries", logFields(ctx, zap.String("provider_id", providerID), zap.Error(err))...)
		return nil, err
	}

	report := &ChainReport{ProviderID: providerID, Valid: true, Entries: len(entries)}
	lastHash := genesisHash
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			report.Valid = false
			report.BrokenAt = entry.ID
			return report, nil
		}
		lastHash = entry.Hash
	}
	return report, nil
}

type ledgerSum struct {
	ProviderID string
	Total      int64
}

// Reconcile compares every balance with the sum of its ledger entries and
// returns the providers that differ by more than tolerance. Nothing is
// repaired.
func (s *Service) Reconcile(ctx context.Context, tolerance int64) ([]Mismatch, error) {
	var sums []ledgerSum
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Select("provider_id, COALESCE(SUM(amount), 0) AS total").
		Group("provider_id").
		Scan(&sums).Error; err != nil {
		return nil, fmt.Errorf("sum ledger entries: %w", err)
	}

	balances, err := s.balance.Find(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}

	byProvider := make(map[string]int64, len(sums))
	for _, row := range sums {
		byProvider[row.ProviderID] = row.Total
	}

	var mismatches []Mismatch
	check := func(providerID string, balance, sum int64) {
		diff := balance - sum
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			mismatches = append(mismatches, Mismatch{ProviderID: providerID, Balance: balance, LedgerSum: sum, Diff: balance - sum})
		}
	}
	for _, b := range balances {
		check(b.ProviderID, b.Balance, byProvider[b.ProviderID])
		delete(byProvider, b.ProviderID)
	}
	for providerID, sum := range byProvider {
		check(providerID, 0, sum)
	}

	reconcileMismatches.Set(float64(len(mismatches)))
	for _, m := range mismatches {
		zap.L().Error("ledger balance mismatch",
			zap.String("provider_id", m.ProviderID),
			zap.Int64("balance", m.Balance),
			zap.Int64("ledger_sum", m.LedgerSum),
			zap.Int64("diff", m.Diff))
	}
	zap.L().Info("ledger reconciliation finished", zap.Int("balances", len(balances)), zap.Int("mismatches", len(mismatches)))
	return mismatches, nil
}
