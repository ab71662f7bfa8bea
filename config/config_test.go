package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polycrawl/paygate"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "paygate.yaml", `
server:
  addr: ":9000"
  trust_forwarded: true
signature:
  public_key_path: /keys/agent.pem
pricing:
  fee_bps: 500
  caps:
    weekly_global: "25"
    per_mode:
      raw: "2.5"
x402:
  network: base-sepolia
  pay_to: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
holds:
  max_age: 5m
`)
	t.Setenv("PAYGATE_ADDR", ":9100")
	t.Setenv("PAYGATE_FEE_BPS", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("Expected env to override yaml addr, got %s", cfg.Server.Addr)
	}
	if !cfg.Server.TrustForwarded {
		t.Error("Expected trust_forwarded from yaml")
	}
	if cfg.Pricing.FeeBps != 250 {
		t.Errorf("Expected fee 250, got %d", cfg.Pricing.FeeBps)
	}
	if cfg.Holds.MaxAge != 5*time.Minute {
		t.Errorf("Expected max age 5m, got %s", cfg.Holds.MaxAge)
	}
	if cfg.Holds.SweepInterval != time.Minute {
		t.Errorf("Expected default sweep interval, got %s", cfg.Holds.SweepInterval)
	}
	if cfg.Log.Format != "json" || cfg.X402.MaxTimeoutSeconds != 60 {
		t.Errorf("Expected defaults to survive, got %+v %+v", cfg.Log, cfg.X402)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	caps, err := cfg.Pricing.Caps.Caps()
	if err != nil {
		t.Fatal(err)
	}
	if caps.WeeklyGlobal == nil || *caps.WeeklyGlobal != paygate.MustAmount("25") {
		t.Errorf("Expected weekly cap 25, got %v", caps.WeeklyGlobal)
	}
	if caps.DailyPerResource != nil {
		t.Errorf("Expected no daily cap, got %v", caps.DailyPerResource)
	}
	if caps.PerMode["raw"] != paygate.MustAmount("2.5") {
		t.Errorf("Expected raw cap 2.5, got %v", caps.PerMode)
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	path := writeFile(t, "paygate.yaml", "server:\n  adress: \":9000\"\n")
	if _, err := Load(path); err == nil {
		t.Error("Expected an error for an unknown field")
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("PAYGATE_HOLD_MAX_AGE", "forever")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "PAYGATE_HOLD_MAX_AGE") {
		t.Errorf("Expected PAYGATE_HOLD_MAX_AGE error, got %v", err)
	}
}

func TestApplyEnvList(t *testing.T) {
	env := map[string]string{
		"PAYGATE_SIGNATURE_TAGS":  "agent-browser-auth, agent-payer-auth,",
		"PAYGATE_TRUST_FORWARDED": "true",
		"CDP_API_KEY_ID":          "kid",
		"PAYGATE_REDIS_ADDR":      "",
	}
	cfg := Default()
	cfg.Redis.Addr = "keep:6379"
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Signature.Tags) != 2 || cfg.Signature.Tags[1] != "agent-payer-auth" {
		t.Errorf("Unexpected tags %v", cfg.Signature.Tags)
	}
	if !cfg.Server.TrustForwarded || cfg.X402.CDPKeyID != "kid" {
		t.Errorf("Unexpected config %+v %+v", cfg.Server, cfg.X402)
	}
	if cfg.Redis.Addr != "keep:6379" {
		t.Errorf("Expected empty variable to be ignored, got %s", cfg.Redis.Addr)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Pricing.FeeBps = 20000
	cfg.Pricing.Policy = "x402"
	cfg.Pricing.Caps.WeeklyGlobal = "lots"
	cfg.X402.CDPKeyID = "kid"
	cfg.Custodial.KeystoreDir = "/keys"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	for _, want := range []string{
		"log.format",
		"signature.public_key_path or signature.jwks_url",
		"pricing.fee_bps",
		"pricing.caps.weekly_global",
		"x402.network is required",
		"cdp_key_secret",
		"custodial.passphrase",
		"solana.rpc_url",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got:\n%v", want, err)
		}
	}
}

func TestValidateNetwork(t *testing.T) {
	cfg := Default()
	cfg.Signature.JWKSURL = "https://keys.example.com/jwks.json"
	cfg.X402.Network = "dogecoin"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "x402.network") || !strings.Contains(err.Error(), "x402.pay_to") {
		t.Errorf("Expected network and pay_to errors, got %v", err)
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	level, err := cfg.LogLevel()
	if err != nil || level.String() != "DEBUG" {
		t.Errorf("Expected DEBUG, got %v (%v)", level, err)
	}
	cfg.Log.Level = "chatty"
	if _, err := cfg.LogLevel(); err == nil {
		t.Error("Expected an error for an unknown level")
	}
}
