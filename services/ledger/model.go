package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type EntryType string

const (
	EntryDeposit      EntryType = "deposit"
	EntryLeadPurchase EntryType = "lead_purchase"
	EntryRefund       EntryType = "refund"
	EntryManualCredit EntryType = "manual_credit"
	EntryManualDebit  EntryType = "manual_debit"
)

// genesisHash is the previous_hash of a provider's first entry.
const genesisHash = "GENESIS"

// Balance is the denormalized running total of a provider's ledger.
type Balance struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	ProviderID string    `gorm:"column:provider_id;uniqueIndex" json:"provider_id"`
	Balance    int64     `gorm:"column:balance" json:"balance"`
	Sequence   int64     `gorm:"column:sequence" json:"sequence"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Balance) TableName() string { return "provider_balances" }

// LedgerEntry is immutable once written. Amount is signed: debits are
// negative.
type LedgerEntry struct {
	ID                  string         `gorm:"column:id;primaryKey" json:"id"`
	ProviderID          string         `gorm:"column:provider_id;uniqueIndex:ux_ledger_provider_seq,priority:1" json:"provider_id"`
	Sequence            int64          `gorm:"column:sequence;uniqueIndex:ux_ledger_provider_seq,priority:2" json:"sequence"`
	Type                EntryType      `gorm:"column:type" json:"type"`
	Amount              int64          `gorm:"column:amount" json:"amount"`
	BalanceAfter        int64          `gorm:"column:balance_after" json:"balance_after"`
	RelatedAssignmentID *string        `gorm:"column:related_assignment_id;uniqueIndex" json:"related_assignment_id,omitempty"`
	ReferenceID         *string        `gorm:"column:reference_id;uniqueIndex" json:"reference_id,omitempty"`
	Description         string         `gorm:"column:description" json:"description,omitempty"`
	PreviousHash        string         `gorm:"column:previous_hash" json:"previous_hash"`
	Hash                string         `gorm:"column:hash" json:"hash"`
	Metadata            datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt           time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func Models() []any {
	return []any{&Balance{}, &LedgerEntry{}}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":                    m.ID,
		"provider_id":           m.ProviderID,
		"sequence":              fmt.Sprintf("%d", m.Sequence),
		"type":                  string(m.Type),
		"amount":                fmt.Sprintf("%d", m.Amount),
		"balance_after":         fmt.Sprintf("%d", m.BalanceAfter),
		"related_assignment_id": deref(m.RelatedAssignmentID),
		"reference_id":          deref(m.ReferenceID),
		"description":           m.Description,
		"created_at":            m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":         m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

type ChargeOutcome string

const (
	ChargeApplied             ChargeOutcome = "applied"
	ChargeAlreadyApplied      ChargeOutcome = "already_applied"
	ChargeInsufficientBalance ChargeOutcome = "insufficient_balance"
)

// ChargeResult reports how a charge ended. Balance is the provider's
// balance after the call.
type ChargeResult struct {
	Outcome ChargeOutcome
	Entry   *LedgerEntry
	Balance int64
}

type CreditParams struct {
	ProviderID  string
	Amount      int64
	Type        EntryType
	ReferenceID string
	Description string
	Metadata    datatypes.JSON
}

type CreditResult struct {
	Entry          *LedgerEntry
	Balance        int64
	AlreadyApplied bool
}

type ChainReport struct {
	ProviderID string `json:"provider_id"`
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	BrokenAt   string `json:"broken_at,omitempty"`
}

// Mismatch is a provider whose balance disagrees with its ledger sum.
type Mismatch struct {
	ProviderID string `json:"provider_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Diff       int64  `json:"diff"`
}
