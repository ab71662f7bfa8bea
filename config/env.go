package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// applyEnv overlays PAYGATE_* variables (and the CDP_API_KEY_* pair used
// by Coinbase tooling).
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("PAYGATE_ADDR", &c.Server.Addr)
	e.boolean("PAYGATE_TRUST_FORWARDED", &c.Server.TrustForwarded)
	e.duration("PAYGATE_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	e.str("PAYGATE_LOG_LEVEL", &c.Log.Level)
	e.str("PAYGATE_LOG_FORMAT", &c.Log.Format)

	e.str("PAYGATE_POSTGRES_DSN", &c.Postgres.DSN)

	e.str("PAYGATE_REDIS_ADDR", &c.Redis.Addr)
	e.str("PAYGATE_REDIS_PASSWORD", &c.Redis.Password)
	e.integer("PAYGATE_REDIS_DB", &c.Redis.DB)

	e.str("PAYGATE_AGENT_PUBLIC_KEY_PATH", &c.Signature.PublicKeyPath)
	e.str("PAYGATE_AGENT_KEY_ID", &c.Signature.KeyID)
	e.str("PAYGATE_JWKS_URL", &c.Signature.JWKSURL)
	e.duration("PAYGATE_JWKS_TTL", &c.Signature.JWKSTTL)
	e.duration("PAYGATE_SIGNATURE_MAX_WINDOW", &c.Signature.MaxWindow)
	e.list("PAYGATE_SIGNATURE_TAGS", &c.Signature.Tags)

	e.str("PAYGATE_RECEIPT_KEY_PATH", &c.Receipts.KeyPath)
	e.str("PAYGATE_RECEIPT_KEY", &c.Receipts.KeyPEM)
	e.str("PAYGATE_RECEIPT_KEY_ID", &c.Receipts.KeyID)

	e.integer("PAYGATE_FEE_BPS", &c.Pricing.FeeBps)
	e.str("PAYGATE_FEE_OWNER", &c.Pricing.FeeOwner)
	e.str("PAYGATE_PAYMENT_POLICY", &c.Pricing.Policy)
	e.str("PAYGATE_WEEKLY_CAP", &c.Pricing.Caps.WeeklyGlobal)
	e.str("PAYGATE_DAILY_RESOURCE_CAP", &c.Pricing.Caps.DailyPerResource)

	e.str("PAYGATE_FACILITATOR_URL", &c.X402.FacilitatorURL)
	e.str("CDP_API_KEY_ID", &c.X402.CDPKeyID)
	e.str("CDP_API_KEY_SECRET", &c.X402.CDPKeySecret)
	e.str("PAYGATE_NETWORK", &c.X402.Network)
	e.str("PAYGATE_PAY_TO", &c.X402.PayTo)
	e.str("PAYGATE_ASSET", &c.X402.Asset)
	e.integer("PAYGATE_MAX_TIMEOUT_SECONDS", &c.X402.MaxTimeoutSeconds)

	e.str("PAYGATE_KEYSTORE_DIR", &c.Custodial.KeystoreDir)
	e.str("PAYGATE_KEYSTORE_PASSPHRASE", &c.Custodial.Passphrase)
	e.str("PAYGATE_EVM_MNEMONIC", &c.Custodial.EVMMnemonic)

	e.str("PAYGATE_SOLANA_NETWORK", &c.Solana.Network)
	e.str("PAYGATE_SOLANA_RPC_URL", &c.Solana.RPCURL)
	e.str("PAYGATE_SOLANA_PLATFORM_KEY", &c.Solana.PlatformKey)

	e.duration("PAYGATE_HOLD_MAX_AGE", &c.Holds.MaxAge)
	e.duration("PAYGATE_SWEEP_INTERVAL", &c.Holds.SweepInterval)

	e.str("PAYGATE_FORWARD_LISTEN", &c.Forward.Listen)
	e.str("PAYGATE_FORWARD_TARGET", &c.Forward.Target)
	e.str("PAYGATE_FORWARD_KEY_PATH", &c.Forward.KeyPath)
	e.str("PAYGATE_FORWARD_KEY_ID", &c.Forward.KeyID)

	e.str("PAYGATE_CATALOG_PATH", &c.Catalog.SeedPath)
	e.str("PAYGATE_SIGNED_URL_BASE", &c.Catalog.SignedURLBase)
	e.str("PAYGATE_SIGNED_URL_SECRET", &c.Catalog.SignedURLSecret)
	e.duration("PAYGATE_SIGNED_URL_TTL", &c.Catalog.SignedURLTTL)

	return e.err
}

// envReader keeps the first parse error so that applyEnv reads linearly.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	e.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
