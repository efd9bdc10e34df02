// Package config loads service configuration from flags, environment and an
// optional .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
)

// EnvPrefix namespaces every environment variable, e.g. PAYMENT_RECONCILER_NETWORK.
const EnvPrefix = "PAYMENT_RECONCILER"

// Config is the full service configuration.
type Config struct {
	conf.Version
	Network string `conf:"default:test,help:main or test"`
	Chain   struct {
		MainChainID      int64  `conf:"default:56"`
		TestChainID      int64  `conf:"default:97"`
		MainRPCEndpoint  string `conf:"default:https://bsc-dataseed.binance.org"`
		TestRPCEndpoint  string `conf:"default:https://data-seed-prebsc-1-s1.binance.org:8545"`
		MainWSEndpoint   string `conf:"optional"`
		TestWSEndpoint   string `conf:"optional"`
		MainTokenAddress string `conf:"default:0x55d398326f99059ff775485246999027b3197955"`
		TestTokenAddress string `conf:"default:0x337610d27c682e347c9cd60bd4b3b107c9d34ddd"`
		TokenDecimals    int32  `conf:"default:18"`
	}
	Wallet struct {
		ReceivingAddress    string        `conf:"optional"`
		SystemPrivateKey    string        `conf:"optional,mask"`
		ReceiptPollInterval time.Duration `conf:"default:2s"`
	}
	Confirmation struct {
		Required     uint64        `conf:"default:3"`
		PollInterval time.Duration `conf:"default:5s"`
		MaxAttempts  int           `conf:"default:60"`
	}
	Auth struct {
		APIPublicKey         string        `conf:"optional,mask"`
		APISecret            string        `conf:"optional,mask"`
		AppVerificationToken string        `conf:"optional,mask"`
		MaxSkew              time.Duration `conf:"default:120s"`
	}
	Server struct {
		ListenAddress   string        `conf:"default:0.0.0.0:8000"`
		MetricsAddress  string        `conf:"default:0.0.0.0:9999"`
		BodyLimit       int64         `conf:"default:10240"`
		RateLimit       int           `conf:"default:200"`
		RateWindow      time.Duration `conf:"default:15m"`
		StatusCacheTTL  time.Duration `conf:"default:5s"`
		WithdrawTimeout time.Duration `conf:"default:2m"`
		TrustedProxies  []string      `conf:"optional,help:proxy IPs or CIDRs whose X-Forwarded-For is honored"`
	}
	Storage struct {
		UseMemory     bool   `conf:"default:false"`
		PostgresDSN   string `conf:"optional,mask"`
		ClickhouseDSN string `conf:"optional,mask"`
	}
	Ingestion struct {
		StartBlock  uint64 `conf:"optional"` // first block to backfill when no cursor exists
		BatchBlocks uint64 `conf:"default:2000"`
	}
	Broker struct {
		BootstrapServers []string `conf:"optional"`
		ProduceTopic     string   `conf:"default:payment-status"`
		MetricsNamespace string   `conf:"default:payment_reconciler_kafka"`
	}
}

// LoadEnvFile loads variables from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "loading %s", path)
	}
	return nil
}

// Parse fills cfg from args and the environment. conf.ErrHelpWanted and
// conf.ErrVersionWanted are returned unwrapped so callers can print usage.
func Parse(args []string, cfg *Config) error {
	if err := conf.Parse(args, EnvPrefix, cfg); err != nil {
		if errors.Is(err, conf.ErrHelpWanted) || errors.Is(err, conf.ErrVersionWanted) {
			return err
		}
		return errors.Wrap(err, "parsing config")
	}
	return cfg.Validate()
}

// Validate checks cross-field constraints conf tags cannot express.
func (c *Config) Validate() error {
	switch domain.Network(c.Network) {
	case domain.NetworkMain, domain.NetworkTest:
	default:
		return errors.Errorf("network must be main or test, got %q", c.Network)
	}

	if c.Wallet.ReceivingAddress != "" && !evm.IsValidAddress(c.Wallet.ReceivingAddress) {
		return errors.Errorf("invalid receiving address %q", c.Wallet.ReceivingAddress)
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return errors.Errorf("token decimals out of range: %d", c.Chain.TokenDecimals)
	}
	if c.Confirmation.Required == 0 || c.Confirmation.MaxAttempts <= 0 {
		return errors.New("confirmation required and max attempts must be positive")
	}
	if !c.Storage.UseMemory && c.Storage.PostgresDSN == "" {
		return errors.New("postgres dsn is required unless storage use-memory is set")
	}
	return nil
}

// SelectChain resolves the ChainConfig of the configured network.
func (c *Config) SelectChain() (domain.ChainConfig, error) {
	chain := domain.ChainConfig{
		Network:               domain.Network(c.Network),
		TokenDecimals:         c.Chain.TokenDecimals,
		RequiredConfirmations: c.Confirmation.Required,
	}

	switch chain.Network {
	case domain.NetworkMain:
		chain.ChainID = c.Chain.MainChainID
		chain.TokenContractAddress = c.Chain.MainTokenAddress
		chain.RPCEndpoint = c.Chain.MainRPCEndpoint
		chain.WSEndpoint = c.Chain.MainWSEndpoint
	case domain.NetworkTest:
		chain.ChainID = c.Chain.TestChainID
		chain.TokenContractAddress = c.Chain.TestTokenAddress
		chain.RPCEndpoint = c.Chain.TestRPCEndpoint
		chain.WSEndpoint = c.Chain.TestWSEndpoint
	default:
		return domain.ChainConfig{}, errors.Errorf("unknown network %q", c.Network)
	}

	if !evm.IsValidAddress(chain.TokenContractAddress) {
		return domain.ChainConfig{}, errors.Errorf("invalid token contract address %q", chain.TokenContractAddress)
	}
	chain.TokenContractAddress = evm.NormalizeAddress(chain.TokenContractAddress)

	if chain.RPCEndpoint == "" {
		return domain.ChainConfig{}, errors.Errorf("no rpc endpoint for network %s", chain.Network)
	}
	if chain.WSEndpoint == "" {
		chain.WSEndpoint = deriveWSEndpoint(chain.RPCEndpoint)
	}
	return chain, nil
}

// ConfirmationPolicy returns the watcher policy.
func (c *Config) ConfirmationPolicy() domain.ConfirmationPolicy {
	return domain.ConfirmationPolicy{
		RequiredConfirmations: c.Confirmation.Required,
		PollInterval:          c.Confirmation.PollInterval,
		MaxAttempts:           c.Confirmation.MaxAttempts,
	}
}

// deriveWSEndpoint swaps the http scheme for ws.
func deriveWSEndpoint(rpc string) string {
	switch {
	case strings.HasPrefix(rpc, "https://"):
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	case strings.HasPrefix(rpc, "http://"):
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return rpc
}
