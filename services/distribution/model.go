package distribution

import (
	"time"

	"gorm.io/datatypes"
)

type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "active"
	AssignmentRefunded AssignmentStatus = "refunded"
)

// activeMarker fills ActiveKey while an assignment is active. Refunded rows
// carry NULL, so the unique index only constrains active assignments.
const activeMarker = "active"

type Assignment struct {
	ID             string           `gorm:"column:id;primaryKey" json:"id"`
	LeadID         string           `gorm:"column:lead_id;index;uniqueIndex:ux_assignment_active,priority:1" json:"lead_id"`
	ProviderID     string           `gorm:"column:provider_id;index;uniqueIndex:ux_assignment_active,priority:2" json:"provider_id"`
	ActiveKey      *string          `gorm:"column:active_key;uniqueIndex:ux_assignment_active,priority:3" json:"-"`
	SubscriptionID string           `gorm:"column:subscription_id;index" json:"subscription_id"`
	TierID         string           `gorm:"column:tier_id" json:"tier_id"`
	NicheID        string           `gorm:"column:niche_id" json:"niche_id"`
	Price          int64            `gorm:"column:price" json:"price"`
	Status         AssignmentStatus `gorm:"column:status" json:"status"`
	LedgerEntryID  string           `gorm:"column:ledger_entry_id" json:"ledger_entry_id"`
	RefundedAt     *time.Time       `gorm:"column:refunded_at" json:"refunded_at,omitempty"`
	CreatedAt      time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (Assignment) TableName() string { return "assignments" }

type Status string

const (
	StatusSuccess    Status = "success"
	StatusPartial    Status = "partial"
	StatusNoEligible Status = "no_eligible"
	StatusFailed     Status = "failed"
)

type SkipReason string

const (
	SkipInsufficientBalance  SkipReason = "insufficient_balance"
	SkipEligibilityError     SkipReason = "eligibility_error"
	SkipDuplicate            SkipReason = "duplicate"
	SkipSubscriptionInactive SkipReason = "subscription_inactive"
)

type ActorRole string

const (
	ActorAdmin  ActorRole = "admin"
	ActorSystem ActorRole = "system"
)

// TriggeredBy identifies who asked for a distribution run.
type TriggeredBy struct {
	ActorID   string    `json:"actor_id"`
	ActorRole ActorRole `json:"actor_role"`
}

func (t TriggeredBy) Valid() bool {
	return t.ActorRole == ActorAdmin || t.ActorRole == ActorSystem
}

type Skip struct {
	SubscriptionID string     `json:"subscription_id"`
	ProviderID     string     `json:"provider_id"`
	TierID         string     `json:"tier_id"`
	Reason         SkipReason `json:"reason"`
	Detail         string     `json:"detail,omitempty"`
}

type AssignmentSummary struct {
	AssignmentID   string `json:"assignment_id"`
	ProviderID     string `json:"provider_id"`
	SubscriptionID string `json:"subscription_id"`
	TierID         string `json:"tier_id"`
	Price          int64  `json:"price"`
}

// Result is the persisted outcome of one distribution run.
type Result struct {
	ID            string                                `gorm:"column:id;primaryKey" json:"id"`
	LeadID        string                                `gorm:"column:lead_id;index" json:"lead_id"`
	JobID         string                                `gorm:"column:job_id;index" json:"job_id,omitempty"`
	NicheID       string                                `gorm:"column:niche_id" json:"niche_id"`
	ActorID       string                                `gorm:"column:actor_id" json:"actor_id"`
	ActorRole     ActorRole                             `gorm:"column:actor_role" json:"actor_role"`
	StartPosition int                                   `gorm:"column:start_position" json:"start_position"`
	Traversal     datatypes.JSONSlice[string]            `gorm:"column:traversal" json:"traversal"`
	Assignments   datatypes.JSONSlice[AssignmentSummary] `gorm:"column:assignments" json:"assignments"`
	Skipped       datatypes.JSONSlice[Skip]              `gorm:"column:skipped" json:"skipped"`
	EligibleCount int                                   `gorm:"column:eligible_count" json:"eligible_count"`
	Status        Status                                `gorm:"column:status" json:"status"`
	Error         string                                `gorm:"column:error" json:"error,omitempty"`
	DurationMS    int64                                 `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt     time.Time                             `gorm:"column:created_at" json:"created_at"`
}

func (Result) TableName() string { return "distribution_results" }

func Models() []any {
	return []any{&Assignment{}, &Result{}}
}

// computeStatus derives the run status. A duplicate skip means the provider
// already holds the lead, so it counts as served.
func computeStatus(eligible int, assigned int, skipped []Skip) Status {
	if eligible == 0 {
		return StatusNoEligible
	}
	served := assigned
	missed := 0
	for _, s := range skipped {
		if s.Reason == SkipDuplicate {
			served++
			continue
		}
		missed++
	}
	switch {
	case missed == 0 && served > 0:
		return StatusSuccess
	case served > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
