package gen

import (
	"leadmarket/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake",
	fx.Provide(ProvideSnowflakeNode),
)

func ProvideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	nodeID := cfg.Distribution.SnowflakeNode
	if nodeID <= 0 {
		nodeID = 1
	}
	return snowflake.NewNode(nodeID)
}
