package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "eligibility:niche:n1:gen", BuildNicheGenerationKey("n1"))
	require.Equal(t, "eligibility:lead:l1:3", BuildEligibilityKey("l1", 3))
	require.Equal(t, "distribution:inflight:l1", BuildInflightKey("l1"))
}
