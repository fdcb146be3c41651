// Package config carries the process configuration of the chainguard
// service. Configuration is environment-driven and enumerated: every
// variable the service reads is declared here, validated once at startup,
// and invalid or missing values abort the process with a diagnostic that
// names the offending variable.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/chainguard-network/chainguard/types"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultPort            = 3000
	DefaultTestnetRPC      = "http://127.0.0.1:8545"
	DefaultTestnetWS       = "ws://127.0.0.1:8546"
	DefaultMainnetRPC      = "http://127.0.0.1:8545"
	DefaultMainnetWS       = "ws://127.0.0.1:8546"
	DefaultTestnetExplorer = "http://127.0.0.1:4000/api"
	DefaultMainnetExplorer = "http://127.0.0.1:4000/api"
	DefaultLogLevel        = "info"

	// DefaultStreamRegistry is the well-known address of the stream
	// registry system contract ("CGRD").
	DefaultStreamRegistry = "0x0000000000000000000000000000000043475244"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Endpoints groups the chain access URLs for one network: the JSON-RPC
// endpoint, the WebSocket endpoint for head subscriptions, and the
// explorer-style history API used for backfill and polling fallback.
type Endpoints struct {
	RPCURL      string
	WSURL       string
	ExplorerURL string
}

// Config is the validated process configuration.
type Config struct {
	Env  string
	Port int

	DatabaseURL string
	RedisURL    string // optional; enables cross-instance push fan-out

	JWTSecret string

	Testnet Endpoints
	Mainnet Endpoints

	LLMWebhookURL string
	FrontendURL   string

	// TestnetPrivateKey is the hex-encoded publishing key. Empty disables
	// on-chain publishing; ingestion is unaffected.
	TestnetPrivateKey string

	// StreamRegistry is the address of the on-chain stream registry the
	// publisher writes SecurityAlert and RiskScore records to.
	StreamRegistry string

	InstanceID string
	LogLevel   string
}

// LoadEnvFile loads a dotenv file into the process environment, if one
// exists. Real deployments set variables directly; this is a development
// convenience. It returns whether a file was loaded.
func LoadEnvFile(path string) bool {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return godotenv.Load(path) == nil
}

// FromEnv builds a Config from the process environment and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:         getenv("NODE_ENV", EnvDevelopment),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		Testnet: Endpoints{
			RPCURL:      getenv("TESTNET_RPC_URL", DefaultTestnetRPC),
			WSURL:       getenv("TESTNET_WS_URL", DefaultTestnetWS),
			ExplorerURL: getenv("TESTNET_EXPLORER_URL", DefaultTestnetExplorer),
		},
		Mainnet: Endpoints{
			RPCURL:      getenv("MAINNET_RPC_URL", DefaultMainnetRPC),
			WSURL:       getenv("MAINNET_WS_URL", DefaultMainnetWS),
			ExplorerURL: getenv("MAINNET_EXPLORER_URL", DefaultMainnetExplorer),
		},
		LLMWebhookURL:     os.Getenv("LLM_WEBHOOK_URL"),
		FrontendURL:       os.Getenv("FRONTEND_URL"),
		TestnetPrivateKey: os.Getenv("TESTNET_PRIVATE_KEY"),
		StreamRegistry:    getenv("STREAM_REGISTRY_ADDRESS", DefaultStreamRegistry),
		InstanceID:        getenv("INSTANCE_ID", DefaultInstanceID()),
		LogLevel:          getenv("LOG_LEVEL", DefaultLogLevel),
	}
	port := getenv("PORT", "")
	if port == "" {
		cfg.Port = DefaultPort
	} else {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("%w: PORT must be a TCP port, got %q", ErrInvalid, port)
		}
		cfg.Port = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all violations at once so a
// misconfigured deployment fails with a single complete diagnostic.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		fail("NODE_ENV must be development, production or test, got %q", c.Env)
	}
	if c.Port <= 0 || c.Port > 65535 {
		fail("PORT must be a TCP port, got %d", c.Port)
	}
	if c.DatabaseURL == "" {
		fail("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		fail("JWT_SECRET must be at least 32 characters")
	}
	if err := checkURL(c.Testnet.RPCURL, "http", "https"); err != nil {
		fail("TESTNET_RPC_URL: %v", err)
	}
	if err := checkURL(c.Testnet.WSURL, "ws", "wss"); err != nil {
		fail("TESTNET_WS_URL: %v", err)
	}
	if err := checkURL(c.Mainnet.RPCURL, "http", "https"); err != nil {
		fail("MAINNET_RPC_URL: %v", err)
	}
	if err := checkURL(c.Mainnet.WSURL, "ws", "wss"); err != nil {
		fail("MAINNET_WS_URL: %v", err)
	}
	if err := checkURL(c.Testnet.ExplorerURL, "http", "https"); err != nil {
		fail("TESTNET_EXPLORER_URL: %v", err)
	}
	if err := checkURL(c.Mainnet.ExplorerURL, "http", "https"); err != nil {
		fail("MAINNET_EXPLORER_URL: %v", err)
	}
	if c.LLMWebhookURL == "" {
		fail("LLM_WEBHOOK_URL is required")
	} else if err := checkURL(c.LLMWebhookURL, "http", "https"); err != nil {
		fail("LLM_WEBHOOK_URL: %v", err)
	}
	if c.FrontendURL == "" {
		fail("FRONTEND_URL is required")
	} else if err := checkURL(c.FrontendURL, "http", "https"); err != nil {
		fail("FRONTEND_URL: %v", err)
	}
	if c.TestnetPrivateKey != "" {
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.TestnetPrivateKey, "0x")); err != nil {
			fail("TESTNET_PRIVATE_KEY is not a valid secp256k1 key: %v", err)
		}
	}
	if !common.IsHexAddress(c.StreamRegistry) {
		fail("STREAM_REGISTRY_ADDRESS is not an address, got %q", c.StreamRegistry)
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		fail("LOG_LEVEL must be error, warn, info or debug, got %q", c.LogLevel)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Endpoints returns the configured endpoints for a network.
func (c *Config) Endpoints(n types.Network) Endpoints {
	if n == types.NetworkMainnet {
		return c.Mainnet
	}
	return c.Testnet
}

// PublishingEnabled reports whether a publishing key is configured.
func (c *Config) PublishingEnabled() bool {
	return c.TestnetPrivateKey != ""
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a URL: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed for %q", u.Scheme, raw)
}

// DefaultInstanceID derives a per-process identity used to tag push
// envelopes so bridged instances can ignore their own traffic.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chainguard"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
