package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  address: ":9090"
web3:
  chain_id: 84532
  confirm_timeout: 90s
quote:
  base_url: "https://quotes.example/v1/swap"
sequencer:
  mode: batched
dca:
  enabled: true
  frequency: biweekly
  amount: 250000000
  allocation:
    - asset: BTC
      weight: 60
    - asset: ETH
      weight: 40
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bbdfi.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Web3.ChainID != 84532 {
		t.Fatalf("unexpected chain id %d", cfg.Web3.ChainID)
	}
	if cfg.Web3.ConfirmTimeout != 90*time.Second {
		t.Fatalf("unexpected confirm timeout %s", cfg.Web3.ConfirmTimeout)
	}
	if cfg.Web3.PollInterval != 2*time.Second {
		t.Fatalf("poll interval default not applied: %s", cfg.Web3.PollInterval)
	}
	if cfg.Sequencer.DepositBalanceBps != 9500 || cfg.Sequencer.BatchApproveBps != 11000 || cfg.Sequencer.BatchDepositBps != 9000 {
		t.Fatalf("unexpected haircut defaults: %+v", cfg.Sequencer)
	}
	if cfg.Sequencer.MinLegAmount != 10000 {
		t.Fatalf("unexpected min leg amount %d", cfg.Sequencer.MinLegAmount)
	}
	if len(cfg.DCA.Allocation) != 2 || cfg.DCA.Allocation[0].Asset != "BTC" || cfg.DCA.Allocation[1].Weight != 40 {
		t.Fatalf("unexpected dca allocation %+v", cfg.DCA.Allocation)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("BBDFI_WEB3_CHAIN_ID", "8453")
	t.Setenv("BBDFI_LEDGER_DRIVER", "memory")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web3.ChainID != 8453 {
		t.Fatalf("env override ignored, chain id %d", cfg.Web3.ChainID)
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Sequencer.Mode = "parallel"
	cfg.Sequencer.BatchApproveBps = 8000
	cfg.Ledger.Driver = "mysql"

	verr := cfg.Validate()
	if verr == nil {
		t.Fatalf("expected validation error")
	}
	msg := verr.Error()
	for _, fragment := range []string{"sequencer.mode", "batch_approve_bps", "ledger.mysql.dsn"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("validation error missing %q: %s", fragment, msg)
		}
	}
}

func TestValidateRedisGuardLease(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Guard.TTL != time.Minute {
		t.Fatalf("unexpected guard ttl default %s", cfg.Guard.TTL)
	}
	cfg.Guard.Driver = "redis"
	cfg.Guard.Redis.Address = "127.0.0.1:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default lease should validate: %v", err)
	}

	cfg.Guard.TTL = time.Second
	verr := cfg.Validate()
	if verr == nil || !strings.Contains(verr.Error(), "guard.ttl") {
		t.Fatalf("expected short lease to be rejected, got %v", verr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestQuoteConfigResolveAPIKey(t *testing.T) {
	t.Setenv("TEST_QUOTE_KEY", " secret ")
	cfg := QuoteConfig{APIKeyEnv: "TEST_QUOTE_KEY"}
	if got := cfg.ResolveAPIKey(); got != "secret" {
		t.Fatalf("unexpected key %q", got)
	}
	cfg.APIKey = "inline"
	if got := cfg.ResolveAPIKey(); got != "inline" {
		t.Fatalf("explicit key should win, got %q", got)
	}
}
