package flags

import "github.com/urfave/cli/v2"

const (
	ServiceCategory    = "SERVICE"
	DatabaseCategory   = "DATABASE"
	ChainCategory      = "CHAIN ACCESS"
	PublishCategory    = "ON-CHAIN PUBLISHING"
	ValidationCategory = "FINDING VALIDATION"
	PushCategory       = "PUSH DELIVERY"
	APICategory        = "HTTP API"
	LoggingCategory    = "LOGGING AND DEBUGGING"
	MiscCategory       = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
