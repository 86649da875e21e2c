package taskname

const (
	// Distribution tasks
	DistributeLead = "distribution:lead"

	// Provider tasks
	ProviderBalanceLow = "provider:balance:low"

	// Ledger tasks
	LedgerReconcile = "ledger:reconcile"
)
