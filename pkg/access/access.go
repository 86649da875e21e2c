package access

import (
	_ "embed"
	"fmt"

	"leadmarket/pkg/config"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

//go:embed policy.csv
var policyText string

var Module = fx.Module("access",
	fx.Provide(NewEnforcer),
)

// NewEnforcer builds the role enforcer for the admin surface. The built-in
// policy is used unless ACCESS_CONTROL.POLICY points at a policy file.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("load access model: %w", err)
	}

	var e *casbin.Enforcer
	if path := cfg.AccessControl.Policy; path != "" {
		e, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(path))
	} else {
		e, err = casbin.NewEnforcer(m, stringadapter.NewAdapter(policyText))
	}
	if err != nil {
		return nil, fmt.Errorf("load access policy: %w", err)
	}

	zap.L().Info("[Access] policy loaded", zap.String("source", policySource(cfg)))
	return e, nil
}

func policySource(cfg *config.Config) string {
	if cfg.AccessControl.Policy != "" {
		return cfg.AccessControl.Policy
	}
	return "embedded"
}
