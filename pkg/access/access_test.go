package access

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadmarket/pkg/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestEmbeddedPolicy(t *testing.T) {
	e, err := NewEnforcer(config.Default())
	require.NoError(t, err)

	cases := []struct {
		role, path, method string
		allowed            bool
	}{
		{"admin", "/v1/dlq", "GET", true},
		{"admin", "/v1/dlq/42/retry", "POST", true},
		{"owner", "/v1/dlq/42/resolve", "POST", true},
		{"operator", "/v1/dlq/42", "GET", true},
		{"operator", "/v1/dlq/42/retry", "POST", false},
		{"operator", "/v1/queues", "GET", true},
		{"anonymous", "/v1/dlq", "GET", false},
		{"system", "/v1/leads/l1/distribution", "POST", true},
		{"system", "/v1/providers/p1/deposits", "POST", true},
		{"system", "/v1/dlq/42/retry", "POST", false},
		{"operator", "/v1/providers/p1/deposits", "POST", false},
		{"anonymous", "/v1/leads/l1/distribution", "POST", false},
		{"admin", "/v1/providers/p1/deposits", "POST", true},
	}
	for _, tc := range cases {
		ok, err := e.Enforce(tc.role, tc.path, tc.method)
		require.NoError(t, err)
		require.Equal(t, tc.allowed, ok, "%s %s %s", tc.role, tc.method, tc.path)
	}
}
