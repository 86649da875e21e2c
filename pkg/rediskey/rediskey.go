package rediskey

import "fmt"

// Distribution keys (global convention across services)
const (
	EligibilityPrefix = "eligibility"
	InflightPrefix    = "distribution:inflight"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildNicheGenerationKey returns "eligibility:niche:{nicheID}:gen"
func BuildNicheGenerationKey(nicheID string) string {
	return fmt.Sprintf("%s:niche:%s:gen", EligibilityPrefix, nicheID)
}

// BuildEligibilityKey returns "eligibility:lead:{leadID}:{generation}"
func BuildEligibilityKey(leadID string, generation int64) string {
	return fmt.Sprintf("%s:lead:%s:%d", EligibilityPrefix, leadID, generation)
}

// BuildInflightKey returns "distribution:inflight:{leadID}"
func BuildInflightKey(leadID string) string {
	return NamespaceKey(InflightPrefix, leadID)
}
