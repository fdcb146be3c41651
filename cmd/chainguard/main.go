// chainguard is the real-time security observability service for smart
// contract traffic. Run without a subcommand it loads its configuration,
// brings every contract on record under monitoring and serves the
// operational API until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/chainguard-network/chainguard/config"
	"github.com/chainguard-network/chainguard/internal/flags"
)

const clientIdentifier = "chainguard"

// Git SHA1 commit hash and date of the release (set via linker flags)
var (
	gitCommit = ""
	gitDate   = ""
)

var (
	envFlag = &cli.StringFlag{
		Name:     "env",
		Usage:    "Deployment environment (development, production, test)",
		Value:    config.EnvDevelopment,
		EnvVars:  []string{"NODE_ENV"},
		Category: flags.ServiceCategory,
	}
	portFlag = &cli.IntFlag{
		Name:     "port",
		Usage:    "TCP port of the operational HTTP API",
		Value:    config.DefaultPort,
		EnvVars:  []string{"PORT"},
		Category: flags.ServiceCategory,
	}
	instanceIDFlag = &cli.StringFlag{
		Name:     "instance.id",
		Usage:    "Identity stamped on push envelopes (defaults to hostname-pid)",
		EnvVars:  []string{"INSTANCE_ID"},
		Category: flags.ServiceCategory,
	}
	databaseURLFlag = &cli.StringFlag{
		Name:     "database.url",
		Usage:    "PostgreSQL connection string",
		EnvVars:  []string{"DATABASE_URL"},
		Category: flags.DatabaseCategory,
	}
	testnetRPCFlag = &cli.StringFlag{
		Name:     "testnet.rpc",
		Usage:    "Testnet JSON-RPC endpoint",
		Value:    config.DefaultTestnetRPC,
		EnvVars:  []string{"TESTNET_RPC_URL"},
		Category: flags.ChainCategory,
	}
	testnetWSFlag = &cli.StringFlag{
		Name:     "testnet.ws",
		Usage:    "Testnet WebSocket endpoint for head subscriptions",
		Value:    config.DefaultTestnetWS,
		EnvVars:  []string{"TESTNET_WS_URL"},
		Category: flags.ChainCategory,
	}
	testnetExplorerFlag = &cli.StringFlag{
		Name:     "testnet.explorer",
		Usage:    "Testnet explorer history API",
		Value:    config.DefaultTestnetExplorer,
		EnvVars:  []string{"TESTNET_EXPLORER_URL"},
		Category: flags.ChainCategory,
	}
	mainnetRPCFlag = &cli.StringFlag{
		Name:     "mainnet.rpc",
		Usage:    "Mainnet JSON-RPC endpoint",
		Value:    config.DefaultMainnetRPC,
		EnvVars:  []string{"MAINNET_RPC_URL"},
		Category: flags.ChainCategory,
	}
	mainnetWSFlag = &cli.StringFlag{
		Name:     "mainnet.ws",
		Usage:    "Mainnet WebSocket endpoint for head subscriptions",
		Value:    config.DefaultMainnetWS,
		EnvVars:  []string{"MAINNET_WS_URL"},
		Category: flags.ChainCategory,
	}
	mainnetExplorerFlag = &cli.StringFlag{
		Name:     "mainnet.explorer",
		Usage:    "Mainnet explorer history API",
		Value:    config.DefaultMainnetExplorer,
		EnvVars:  []string{"MAINNET_EXPLORER_URL"},
		Category: flags.ChainCategory,
	}
	publishKeyFlag = &cli.StringFlag{
		Name:     "publish.key",
		Usage:    "Hex-encoded key for on-chain publishing (empty disables publishing)",
		EnvVars:  []string{"TESTNET_PRIVATE_KEY"},
		Category: flags.PublishCategory,
	}
	streamRegistryFlag = &cli.StringFlag{
		Name:     "publish.registry",
		Usage:    "Address of the on-chain stream registry",
		Value:    config.DefaultStreamRegistry,
		EnvVars:  []string{"STREAM_REGISTRY_ADDRESS"},
		Category: flags.PublishCategory,
	}
	validatorURLFlag = &cli.StringFlag{
		Name:     "validator.url",
		Usage:    "Webhook of the LLM finding validator",
		EnvVars:  []string{"LLM_WEBHOOK_URL"},
		Category: flags.ValidationCategory,
	}
	redisURLFlag = &cli.StringFlag{
		Name:     "redis.url",
		Usage:    "Redis URL for cross-instance push fan-out (optional)",
		EnvVars:  []string{"REDIS_URL"},
		Category: flags.PushCategory,
	}
	jwtSecretFlag = &cli.StringFlag{
		Name:     "jwt.secret",
		Usage:    "Shared HS256 secret for API tokens (at least 32 characters)",
		EnvVars:  []string{"JWT_SECRET"},
		Category: flags.APICategory,
	}
	frontendURLFlag = &cli.StringFlag{
		Name:     "frontend.url",
		Usage:    "Dashboard origin allowed by CORS",
		EnvVars:  []string{"FRONTEND_URL"},
		Category: flags.APICategory,
	}
	logLevelFlag = &cli.StringFlag{
		Name:     "log.level",
		Usage:    "Logging verbosity (error, warn, info, debug)",
		Value:    config.DefaultLogLevel,
		EnvVars:  []string{"LOG_LEVEL"},
		Category: flags.LoggingCategory,
	}
)

var serviceFlags = []cli.Flag{
	envFlag,
	portFlag,
	instanceIDFlag,
	databaseURLFlag,
	testnetRPCFlag,
	testnetWSFlag,
	testnetExplorerFlag,
	mainnetRPCFlag,
	mainnetWSFlag,
	mainnetExplorerFlag,
	publishKeyFlag,
	streamRegistryFlag,
	validatorURLFlag,
	redisURLFlag,
	jwtSecretFlag,
	frontendURLFlag,
	logLevelFlag,
}

var app = flags.NewApp(gitCommit, gitDate, "real-time security observability for smart contract traffic")

func init() {
	app.Action = runService
	app.Flags = serviceFlags
	app.Commands = []*cli.Command{
		versionCommand,
		contractsCommand,
	}
}

func main() {
	// A local .env is applied before flag parsing so EnvVars pick it up.
	config.LoadEnvFile("")
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// makeConfig assembles the validated service configuration from the cli
// context. Flags, environment variables and defaults have already been
// reconciled by the flag layer.
func makeConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := &config.Config{
		Env:         ctx.String(envFlag.Name),
		Port:        ctx.Int(portFlag.Name),
		DatabaseURL: ctx.String(databaseURLFlag.Name),
		RedisURL:    ctx.String(redisURLFlag.Name),
		JWTSecret:   ctx.String(jwtSecretFlag.Name),
		Testnet: config.Endpoints{
			RPCURL:      ctx.String(testnetRPCFlag.Name),
			WSURL:       ctx.String(testnetWSFlag.Name),
			ExplorerURL: ctx.String(testnetExplorerFlag.Name),
		},
		Mainnet: config.Endpoints{
			RPCURL:      ctx.String(mainnetRPCFlag.Name),
			WSURL:       ctx.String(mainnetWSFlag.Name),
			ExplorerURL: ctx.String(mainnetExplorerFlag.Name),
		},
		LLMWebhookURL:     ctx.String(validatorURLFlag.Name),
		FrontendURL:       ctx.String(frontendURLFlag.Name),
		TestnetPrivateKey: ctx.String(publishKeyFlag.Name),
		StreamRegistry:    ctx.String(streamRegistryFlag.Name),
		InstanceID:        ctx.String(instanceIDFlag.Name),
		LogLevel:          ctx.String(logLevelFlag.Name),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = config.DefaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
