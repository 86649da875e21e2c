package eligibility

import (
	"time"

	"leadmarket/services/marketplace"
)

// Eligibility is the resolved set of matching subscriptions of one lead,
// grouped by tier id.
type Eligibility struct {
	LeadID     string                                `json:"lead_id"`
	NicheID    string                                `json:"niche_id"`
	Generation int64                                 `json:"generation"`
	ByTier     map[string][]*marketplace.Subscription `json:"by_tier"`
	ResolvedAt time.Time                             `json:"resolved_at"`
}

// Count is the number of eligible subscriptions across all tiers.
func (e *Eligibility) Count() int {
	n := 0
	for _, subs := range e.ByTier {
		n += len(subs)
	}
	return n
}
