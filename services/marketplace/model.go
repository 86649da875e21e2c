package marketplace

import (
	"time"

	"leadmarket/services/filter"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type LeadStatus string

const (
	LeadStatusSubmitted       LeadStatus = "submitted"
	LeadStatusConfirmed       LeadStatus = "confirmed"
	LeadStatusPendingApproval LeadStatus = "pending_approval"
	LeadStatusApproved        LeadStatus = "approved"
	LeadStatusDistributed     LeadStatus = "distributed"
)

type Niche struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	Name      string    `gorm:"column:name" json:"name"`
	IsActive  bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Niche) TableName() string { return "niches" }

// CompetitionTier is a priced, capacity-limited rank inside a niche.
// order_position is unique per niche and starts at 1.
type CompetitionTier struct {
	ID            string    `gorm:"column:id;primaryKey" json:"id"`
	NicheID       string    `gorm:"column:niche_id;uniqueIndex:ux_tier_niche_position,priority:1" json:"niche_id"`
	Name          string    `gorm:"column:name" json:"name"`
	OrderPosition int       `gorm:"column:order_position;uniqueIndex:ux_tier_niche_position,priority:2" json:"order_position"`
	PricePerLead  int64     `gorm:"column:price_per_lead" json:"price_per_lead"`
	MaxRecipients int       `gorm:"column:max_recipients" json:"max_recipients"`
	IsActive      bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (CompetitionTier) TableName() string { return "competition_tiers" }

type Subscription struct {
	ID              string         `gorm:"column:id;primaryKey" json:"id"`
	ProviderID      string         `gorm:"column:provider_id;index" json:"provider_id"`
	NicheID         string         `gorm:"column:niche_id;index" json:"niche_id"`
	TierID          string         `gorm:"column:tier_id;index" json:"tier_id"`
	FilterRules     datatypes.JSON `gorm:"column:filter_rules" json:"filter_rules,omitempty"`
	FilterVersion   int            `gorm:"column:filter_version" json:"filter_version"`
	FilterIsValid   bool           `gorm:"column:filter_is_valid" json:"filter_is_valid"`
	IsActive        bool           `gorm:"column:is_active" json:"is_active"`
	AutoDeactivated bool           `gorm:"column:auto_deactivated" json:"auto_deactivated"`
	LastAssignedAt  *time.Time     `gorm:"column:last_assigned_at" json:"last_assigned_at,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Rules decodes the subscription's filter set.
func (s *Subscription) Rules() ([]filter.Rule, error) {
	return filter.ParseRules(s.FilterRules)
}

type Provider struct {
	ID                  string    `gorm:"column:id;primaryKey" json:"id"`
	Name                string    `gorm:"column:name" json:"name"`
	LowBalanceThreshold int64     `gorm:"column:low_balance_threshold" json:"low_balance_threshold"`
	LowBalanceNotified  bool      `gorm:"column:low_balance_notified" json:"low_balance_notified"`
	CreatedAt           time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Provider) TableName() string { return "providers" }

type Lead struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	NicheID       string         `gorm:"column:niche_id;index" json:"niche_id"`
	FormData      datatypes.JSON `gorm:"column:form_data" json:"form_data"`
	Status        LeadStatus     `gorm:"column:status;index" json:"status"`
	DistributedAt *time.Time     `gorm:"column:distributed_at" json:"distributed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Lead) TableName() string { return "leads" }

func (l *Lead) Form() (map[string]any, error) {
	return filter.ParseForm(l.FormData)
}

// Models lists every table owned by this package, for migrations.
func Models() []any {
	return []any{&Niche{}, &CompetitionTier{}, &Subscription{}, &Provider{}, &Lead{}}
}
