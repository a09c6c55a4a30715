// Package config loads the AGENTPAY_* environment shared by the binaries.
package config

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
)

// Environment variable names.
const (
	EnvServerWallet        = "AGENTPAY_SERVER_WALLET"
	EnvAgentPrivateKey     = "AGENTPAY_AGENT_PRIVATE_KEY"
	EnvAgentWallet         = "AGENTPAY_AGENT_WALLET"
	EnvAPIHost             = "AGENTPAY_API_HOST"
	EnvListenAddr          = "AGENTPAY_LISTEN_ADDR"
	EnvNetwork             = "AGENTPAY_NETWORK"
	EnvPrice               = "AGENTPAY_PRICE"
	EnvLogLevel            = "AGENTPAY_LOG_LEVEL"
	EnvSignerPath          = "AGENTPAY_SIGNER_PATH"
	EnvVerify              = "AGENTPAY_VERIFY"
	EnvConfirmationTimeout = "AGENTPAY_CONFIRMATION_TIMEOUT"
	EnvDemoTimeout         = "AGENTPAY_DEMO_TIMEOUT"
	EnvDatabaseDriver      = "AGENTPAY_DB_DRIVER"
	EnvDatabaseDSN         = "AGENTPAY_DB_DSN"
	EnvStacksAPIURL        = "STACKS_API_URL"
	EnvCORSOrigins         = "CORS_ORIGINS"
	EnvBridgeRPCURL        = "BRIDGE_RPC_URL"
	EnvBridgePrivateKey    = "BRIDGE_PRIVATE_KEY"
	EnvBridgeNetwork       = "BRIDGE_NETWORK"
)

// Defaults.
const (
	DefaultAPIHost             = "http://localhost:8000"
	DefaultListenAddr          = ":8000"
	DefaultPrice               = "0.1"
	DefaultLogLevel            = "info"
	DefaultConfirmationTimeout = 5 * time.Minute
	DefaultDemoTimeout         = 6 * time.Minute
	DefaultBridgeNetwork       = "sepolia"
)

// DefaultCORSOrigins are always allowed in addition to CORS_ORIGINS.
var DefaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
	"https://lumine-teal.vercel.app",
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("stacksaddr", func(fl validator.FieldLevel) bool {
		_, err := stacks.ParseAddress(fl.Field().String())
		return err == nil
	})
}

type DatabaseConfig struct {
	Driver string `validate:"required_with=DSN"`
	DSN    string `validate:"required_with=Driver"`
}

// Enabled reports whether a SQL proof store is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Driver != "" && d.DSN != ""
}

type BridgeConfig struct {
	RPCURL     string `validate:"omitempty,url"`
	PrivateKey string
	Network    string `validate:"required"`
}

type Config struct {
	Network         x402.Network `validate:"required,oneof=stacks-testnet stacks-mainnet"`
	StacksAPIURL    string       `validate:"required,url"`
	APIHost         string       `validate:"required,url"`
	ListenAddr      string       `validate:"required"`
	ServerWallet    string       `validate:"omitempty,stacksaddr"`
	AgentPrivateKey string
	AgentWallet     string `validate:"omitempty,stacksaddr"`
	// Price is in USDCx, e.g. "0.1"
	Price               decimal.Decimal
	CORSOrigins         []string
	LogLevel            string        `validate:"oneof=debug info warn error"`
	SignerPath          string
	Verify              bool
	ConfirmationTimeout time.Duration `validate:"gte=0"`
	DemoTimeout         time.Duration `validate:"gt=0"`
	Database            DatabaseConfig
	Bridge              BridgeConfig
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv and validates it.
func LoadFrom(getenv func(string) string) (*Config, error) {
	get := lookup(getenv)
	network := x402.Network(get(EnvNetwork, string(x402.NetworkStacksTestnet)))

	price, err := decimal.NewFromString(get(EnvPrice, DefaultPrice))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", EnvPrice)
	}

	verify := false
	if v := get(EnvVerify, ""); v != "" {
		if verify, err = strconv.ParseBool(v); err != nil {
			return nil, errors.Wrapf(err, "invalid %s", EnvVerify)
		}
	}

	confirmationTimeout, err := duration(get(EnvConfirmationTimeout, ""), DefaultConfirmationTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", EnvConfirmationTimeout)
	}
	demoTimeout, err := duration(get(EnvDemoTimeout, ""), DefaultDemoTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", EnvDemoTimeout)
	}

	c := &Config{
		Network:             network,
		StacksAPIURL:        get(EnvStacksAPIURL, defaultAPIURL(network)),
		APIHost:             strings.TrimRight(get(EnvAPIHost, DefaultAPIHost), "/"),
		ListenAddr:          get(EnvListenAddr, DefaultListenAddr),
		ServerWallet:        get(EnvServerWallet, ""),
		AgentPrivateKey:     get(EnvAgentPrivateKey, ""),
		AgentWallet:         get(EnvAgentWallet, ""),
		Price:               price,
		CORSOrigins:         corsOrigins(getenv(EnvCORSOrigins)),
		LogLevel:            strings.ToLower(get(EnvLogLevel, DefaultLogLevel)),
		SignerPath:          get(EnvSignerPath, ""),
		Verify:              verify,
		ConfirmationTimeout: confirmationTimeout,
		DemoTimeout:         demoTimeout,
		Database: DatabaseConfig{
			Driver: get(EnvDatabaseDriver, ""),
			DSN:    get(EnvDatabaseDSN, ""),
		},
		Bridge: BridgeConfig{
			RPCURL:     get(EnvBridgeRPCURL, ""),
			PrivateKey: get(EnvBridgePrivateKey, ""),
			Network:    get(EnvBridgeNetwork, DefaultBridgeNetwork),
		},
	}

	if err := validate.Struct(c); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if _, err := c.PriceBaseUnits(); err != nil {
		return nil, err
	}
	return c, nil
}

// SignerConfig is the subset of the environment a standalone transfer needs.
type SignerConfig struct {
	Network      x402.Network `validate:"required,oneof=stacks-testnet stacks-mainnet"`
	StacksAPIURL string       `validate:"required,url"`
	LogLevel     string       `validate:"oneof=debug info warn error"`
}

// LoadSigner reads only the network, node URL and log level, so settings the
// signer never uses cannot keep it from running.
func LoadSigner(getenv func(string) string) (*SignerConfig, error) {
	get := lookup(getenv)
	network := x402.Network(get(EnvNetwork, string(x402.NetworkStacksTestnet)))
	c := &SignerConfig{
		Network:      network,
		StacksAPIURL: get(EnvStacksAPIURL, defaultAPIURL(network)),
		LogLevel:     strings.ToLower(get(EnvLogLevel, DefaultLogLevel)),
	}
	if err := validate.Struct(c); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

// StacksNetwork returns the chain parameters for Network.
func (c *SignerConfig) StacksNetwork() stacks.NetworkConfig {
	n, _ := stacks.NetworkByName(c.Network)
	return n
}

func lookup(getenv func(string) string) func(key, def string) string {
	return func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
}

func defaultAPIURL(network x402.Network) string {
	if network == x402.NetworkStacksMainnet {
		return stacks.MainnetAPIURL
	}
	return stacks.TestnetAPIURL
}

// PriceBaseUnits converts Price to USDCx base units (6 decimals). Fractions
// below one base unit are rejected rather than rounded.
func (c *Config) PriceBaseUnits() (*big.Int, error) {
	if !c.Price.IsPositive() {
		return nil, errors.Errorf("%s must be positive, got %s", EnvPrice, c.Price)
	}
	units := c.Price.Shift(stacks.USDCxDecimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, errors.Errorf("%s has more than %d decimals: %s", EnvPrice, stacks.USDCxDecimals, c.Price)
	}
	return units.BigInt(), nil
}

// Requirement returns the terms the server gates /v1/analysis behind.
func (c *Config) Requirement() (x402.PaymentRequirement, error) {
	if c.ServerWallet == "" {
		return x402.PaymentRequirement{}, errors.Errorf("%s is not set", EnvServerWallet)
	}
	amount, err := c.PriceBaseUnits()
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	r, err := x402.NewPaymentRequirement(amount, c.ServerWallet, c.Network, stacks.USDCxContractID)
	return r, errors.WithStack(err)
}

// StacksNetwork returns the chain parameters for Network.
func (c *Config) StacksNetwork() stacks.NetworkConfig {
	n, _ := stacks.NetworkByName(c.Network)
	return n
}

func corsOrigins(raw string) []string {
	origins := append([]string(nil), DefaultCORSOrigins...)
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		seen := false
		for _, existing := range origins {
			if existing == o {
				seen = true
				break
			}
		}
		if !seen {
			origins = append(origins, o)
		}
	}
	return origins
}

func duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
