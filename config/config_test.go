package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.Ledger.RPCURL != DefaultRPCURL {
		t.Fatalf("expected default RPC URL %q, got %q", DefaultRPCURL, firstCfg.Ledger.RPCURL)
	}
	if firstCfg.Reconcile.PollInterval.Duration() != DefaultPollInterval {
		t.Fatalf("expected default poll interval, got %s", firstCfg.Reconcile.PollInterval)
	}
	if !firstCfg.Reconcile.AutoAddUnknown {
		t.Fatalf("expected auto-add to default on")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	raw, err := os.ReadFile(firstPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(raw), `"poll_interval": "2m0s"`) {
		t.Fatalf("expected durations written as strings, got:\n%s", raw)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.Reconcile.StaleAfter != firstCfg.Reconcile.StaleAfter {
		t.Fatalf("expected stable stale-after, got %s then %s", firstCfg.Reconcile.StaleAfter, secondCfg.Reconcile.StaleAfter)
	}
	if err := secondCfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"ledger":{"rpc_url":"http://node:8232","timeout":30},"logging":{"format":"JSON"}}`), 0o600); err != nil {
		t.Fatalf("write legacy config: %v", err)
	}

	cfg, _, err := LoadOrCreateAt(cfgPath)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}
	if cfg.Ledger.RPCURL != "http://node:8232" {
		t.Fatalf("expected RPC URL to be kept, got %q", cfg.Ledger.RPCURL)
	}
	if cfg.Ledger.Timeout.Duration() != 30*time.Second {
		t.Fatalf("expected numeric timeout read as seconds, got %s", cfg.Ledger.Timeout)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected format normalized to json, got %q", cfg.Logging.Format)
	}
	if cfg.Messaging.Fee != DefaultFee {
		t.Fatalf("expected default fee, got %v", cfg.Messaging.Fee)
	}
	if cfg.Storage.SecurityEventRetention.Duration() != DefaultEventRetention {
		t.Fatalf("expected default event retention, got %s", cfg.Storage.SecurityEventRetention)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Reconcile.StaleAfter.Duration() != DefaultStaleAfter {
		t.Fatalf("expected normalized defaults to be persisted, got %s", reloaded.Reconcile.StaleAfter)
	}
}

func TestYAMLConfigRoundTrip(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "memochat.yaml")
	content := `
ledger:
  rpc_url: http://10.0.0.2:8232
  rpc_user: alice
  requests_per_second: 5
reconcile:
  poll_interval: 30s
  stale_after: 1h
  auto_add_unknown: false
metrics:
  address: ":9100"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write yaml config: %v", err)
	}

	cfg, _, err := LoadOrCreateAt(cfgPath)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}
	if cfg.Reconcile.PollInterval.Duration() != 30*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Reconcile.PollInterval)
	}
	if cfg.Reconcile.AutoAddUnknown {
		t.Fatalf("expected auto-add to stay disabled")
	}
	if cfg.Metrics.Address != ":9100" {
		t.Fatalf("unexpected metrics address %q", cfg.Metrics.Address)
	}
	if cfg.Ledger.RequestsPerSecond != 5 {
		t.Fatalf("unexpected requests per second %v", cfg.Ledger.RequestsPerSecond)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read yaml config: %v", err)
	}
	if !strings.Contains(string(raw), "poll_interval: 30s") {
		t.Fatalf("expected YAML output to keep duration strings, got:\n%s", raw)
	}
}

func TestApplyEnvOverridesLedgerSettings(t *testing.T) {
	t.Setenv(EnvRPCURL, "http://env-node:8232")
	t.Setenv(EnvRPCPassword, "s3cret")

	cfg := defaultConfig()
	ApplyEnv(cfg)

	if cfg.Ledger.RPCURL != "http://env-node:8232" {
		t.Fatalf("expected env RPC URL, got %q", cfg.Ledger.RPCURL)
	}
	if cfg.Ledger.RPCPassword != "s3cret" {
		t.Fatalf("expected env RPC password")
	}
	if strings.Contains(cfg.String(), "s3cret") {
		t.Fatalf("expected password to be masked in String output")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ledger.RPCURL = "node:8232/"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected relative RPC URL to be rejected")
	}

	cfg = defaultConfig()
	cfg.Reconcile.StaleAfter = Duration(time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected stale-after below poll interval to be rejected")
	}

	cfg = defaultConfig()
	cfg.Ledger.RPCURL = ""
	cfg.Discovery.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected discovery to allow an empty RPC URL: %v", err)
	}
}
