package provider

type AlertReason string

const (
	AlertBelowThreshold      AlertReason = "below_threshold"
	AlertInsufficientFunds   AlertReason = "insufficient_balance"
	AlertSubscriptionsPaused AlertReason = "subscriptions_paused"
)

// BalanceLowPayload is the body of a provider:balance:low task.
type BalanceLowPayload struct {
	ProviderID string      `json:"provider_id"`
	Balance    int64       `json:"balance"`
	Threshold  int64       `json:"threshold"`
	Required   int64       `json:"required,omitempty"`
	Reason     AlertReason `json:"reason"`
}
