// Package config loads the gateway configuration from an optional .env
// file, built-in defaults, an optional YAML file and the environment, in
// that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/gateway"
	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/ledger"
	"github.com/polycrawl/paygate/pricing"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Signature SignatureConfig `yaml:"signature"`
	Receipts  ReceiptsConfig  `yaml:"receipts"`
	Pricing   PricingConfig   `yaml:"pricing"`
	X402      X402Config      `yaml:"x402"`
	Custodial CustodialConfig `yaml:"custodial"`
	Solana    SolanaConfig    `yaml:"solana"`
	Holds     HoldsConfig     `yaml:"holds"`
	Forward   ForwardConfig   `yaml:"forward"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// TrustForwarded honors X-Forwarded-Host and X-Forwarded-Proto. Enable
	// only behind a proxy that sets them.
	TrustForwarded bool `yaml:"trust_forwarded"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PostgresConfig selects the PostgreSQL stores. An empty DSN keeps every
// store in memory.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig selects the Redis nonce store. An empty Addr keeps nonces in
// memory, which is only correct for a single gateway instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SignatureConfig struct {
	PublicKeyPath string        `yaml:"public_key_path"`
	KeyID         string        `yaml:"key_id"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSTTL       time.Duration `yaml:"jwks_ttl"`
	MaxWindow     time.Duration `yaml:"max_window"`
	Tags          []string      `yaml:"tags"`
}

// ReceiptsConfig holds the Ed25519 receipt signing key, as a PKCS#8 PEM
// file or inline PEM.
type ReceiptsConfig struct {
	KeyPath string `yaml:"key_path"`
	KeyPEM  string `yaml:"key_pem"`
	KeyID   string `yaml:"key_id"`
}

type PricingConfig struct {
	FeeBps   int    `yaml:"fee_bps"`
	FeeOwner string `yaml:"fee_owner"`
	// Policy is "ledger" or "x402".
	Policy string     `yaml:"policy"`
	Caps   CapsConfig `yaml:"caps"`
}

// CapsConfig holds the default spending caps as decimal strings.
type CapsConfig struct {
	WeeklyGlobal     string            `yaml:"weekly_global"`
	DailyPerResource string            `yaml:"daily_per_resource"`
	PerMode          map[string]string `yaml:"per_mode"`
}

type X402Config struct {
	FacilitatorURL    string `yaml:"facilitator_url"`
	CDPKeyID          string `yaml:"cdp_key_id"`
	CDPKeySecret      string `yaml:"cdp_key_secret"`
	Network           string `yaml:"network"`
	PayTo             string `yaml:"pay_to"`
	Asset             string `yaml:"asset"`
	Decimals          uint8  `yaml:"decimals"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`
}

// CustodialConfig holds the delegated payer keys: a Solana keystore
// directory and an EVM mnemonic.
type CustodialConfig struct {
	KeystoreDir string `yaml:"keystore_dir"`
	Passphrase  string `yaml:"passphrase"`
	EVMMnemonic string `yaml:"evm_mnemonic"`
}

// SolanaConfig configures the custodial Solana signer and the on-chain
// payout of provider shares.
type SolanaConfig struct {
	Network     string `yaml:"network"`
	RPCURL      string `yaml:"rpc_url"`
	PlatformKey string `yaml:"platform_key"`
}

type HoldsConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ForwardConfig struct {
	Listen  string `yaml:"listen"`
	Target  string `yaml:"target"`
	KeyPath string `yaml:"key_path"`
	KeyID   string `yaml:"key_id"`
}

type CatalogConfig struct {
	SeedPath        string        `yaml:"seed_path"`
	SignedURLBase   string        `yaml:"signed_url_base"`
	SignedURLSecret string        `yaml:"signed_url_secret"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl"`
}

// Default returns the configuration used before any file or variable is
// applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ShutdownTimeout:   15 * time.Second,
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Redis:     RedisConfig{Prefix: "paygate:nonce:"},
		Signature: SignatureConfig{JWKSTTL: 5 * time.Minute, MaxWindow: httpsig.MaxWindow},
		Receipts:  ReceiptsConfig{KeyID: "receipts-1"},
		Pricing:   PricingConfig{FeeBps: 1000, FeeOwner: ledger.DefaultFeeOwner, Policy: string(gateway.PolicyLedgerFirst)},
		X402:      X402Config{FacilitatorURL: "https://x402.org/facilitator", MaxTimeoutSeconds: 60},
		Solana:    SolanaConfig{Network: paygate.DefaultNetwork},
		Holds:     HoldsConfig{MaxAge: ledger.DefaultHoldMaxAge, SweepInterval: ledger.DefaultSweepInterval},
		Forward:   ForwardConfig{Listen: ":8090"},
		Catalog:   CatalogConfig{SignedURLTTL: 15 * time.Minute},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Signature.PublicKeyPath == "" && c.Signature.JWKSURL == "" {
		add("signature.public_key_path or signature.jwks_url is required")
	}
	if c.Signature.MaxWindow <= 0 || c.Signature.MaxWindow > httpsig.MaxWindow {
		add("signature.max_window must be in (0, %s]", httpsig.MaxWindow)
	}
	for _, tag := range c.Signature.Tags {
		if tag != httpsig.TagBrowser && tag != httpsig.TagPayer {
			add("signature.tags: unknown tag %q", tag)
		}
	}

	if c.Receipts.KeyPath != "" && c.Receipts.KeyPEM != "" {
		add("receipts.key_path and receipts.key_pem are mutually exclusive")
	}
	if c.Receipts.KeyID == "" {
		add("receipts.key_id is required")
	}

	if c.Pricing.FeeBps < 0 || c.Pricing.FeeBps > 10000 {
		add("pricing.fee_bps must be between 0 and 10000, got %d", c.Pricing.FeeBps)
	}
	if c.Pricing.FeeOwner == "" {
		add("pricing.fee_owner is required")
	}
	switch gateway.PaymentPolicy(c.Pricing.Policy) {
	case gateway.PolicyLedgerFirst, gateway.PolicyX402:
	default:
		add("pricing.policy must be ledger or x402, got %q", c.Pricing.Policy)
	}
	if _, err := c.Pricing.Caps.Caps(); err != nil {
		errs = append(errs, err)
	}

	if c.X402.Network != "" {
		if _, err := paygate.ValidateNetwork(c.X402.Network); err != nil {
			add("x402.network: %v (known: %s)", err, strings.Join(paygate.Networks(), ", "))
		}
		if c.X402.PayTo == "" {
			add("x402.pay_to is required when x402.network is set")
		}
		if c.X402.FacilitatorURL == "" {
			add("x402.facilitator_url is required when x402.network is set")
		}
	} else if gateway.PaymentPolicy(c.Pricing.Policy) == gateway.PolicyX402 {
		add("x402.network is required for the x402 payment policy")
	}
	if (c.X402.CDPKeyID == "") != (c.X402.CDPKeySecret == "") {
		add("x402.cdp_key_id and x402.cdp_key_secret must be set together")
	}
	if c.X402.MaxTimeoutSeconds <= 0 {
		add("x402.max_timeout_seconds must be positive")
	}

	if c.Custodial.KeystoreDir != "" && c.Custodial.Passphrase == "" {
		add("custodial.passphrase is required with custodial.keystore_dir")
	}
	if t, err := paygate.ValidateNetwork(c.Solana.Network); err != nil || t != paygate.NetworkTypeSVM {
		add("solana.network must be a Solana network, got %q", c.Solana.Network)
	}
	if c.Solana.PlatformKey != "" && c.Solana.RPCURL == "" {
		add("solana.rpc_url is required with solana.platform_key")
	}
	if c.Custodial.KeystoreDir != "" && c.Solana.RPCURL == "" {
		add("solana.rpc_url is required with custodial.keystore_dir")
	}

	if c.Holds.MaxAge <= 0 || c.Holds.SweepInterval <= 0 {
		add("holds.max_age and holds.sweep_interval must be positive")
	}
	if c.Catalog.SignedURLBase != "" && c.Catalog.SignedURLSecret == "" {
		add("catalog.signed_url_secret is required with catalog.signed_url_base")
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Caps parses the default caps. Empty values leave a cap unset.
func (c CapsConfig) Caps() (pricing.Caps, error) {
	var caps pricing.Caps
	parse := func(name, s string) (*paygate.Amount, error) {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		a, err := paygate.ParseAmount(s)
		if err != nil || a < 0 {
			return nil, fmt.Errorf("pricing.caps.%s: invalid amount %q", name, s)
		}
		return &a, nil
	}
	var err error
	if caps.WeeklyGlobal, err = parse("weekly_global", c.WeeklyGlobal); err != nil {
		return pricing.Caps{}, err
	}
	if caps.DailyPerResource, err = parse("daily_per_resource", c.DailyPerResource); err != nil {
		return pricing.Caps{}, err
	}
	for mode, s := range c.PerMode {
		a, err := parse("per_mode."+mode, s)
		if err != nil {
			return pricing.Caps{}, err
		}
		if a == nil {
			continue
		}
		if caps.PerMode == nil {
			caps.PerMode = make(map[string]paygate.Amount)
		}
		caps.PerMode[mode] = *a
	}
	return caps, nil
}
