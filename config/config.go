package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "memochat"
	// EnvDataDir overrides the data directory.
	EnvDataDir = "MEMOCHAT_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Environment overrides for the ledger connection, typically set from .env.
const (
	EnvRPCURL      = "MEMOCHAT_RPC_URL"
	EnvRPCUser     = "MEMOCHAT_RPC_USER"
	EnvRPCPassword = "MEMOCHAT_RPC_PASSWORD"
)

// Defaults written to a fresh config file.
const (
	DefaultRPCURL            = "http://127.0.0.1:8232"
	DefaultRPCTimeout        = 10 * time.Second
	DefaultRequestsPerSecond = 20
	DefaultPollInterval      = 2 * time.Minute
	DefaultStaleAfter        = 60 * time.Minute
	DefaultAmount            = 0.0001
	DefaultFee               = 0.0001
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultEventRetention    = 90 * 24 * time.Hour
)

// Config contains persistent settings.
type Config struct {
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
}

// LedgerConfig points at the ledger daemon's JSON-RPC interface.
type LedgerConfig struct {
	RPCURL            string   `json:"rpc_url" yaml:"rpc_url"`
	RPCUser           string   `json:"rpc_user" yaml:"rpc_user"`
	RPCPassword       string   `json:"rpc_password" yaml:"rpc_password"`
	Timeout           Duration `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
}

// DiscoveryConfig enables mDNS lookup of the RPC endpoint.
type DiscoveryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Service string `json:"service" yaml:"service"`
	Network string `json:"network" yaml:"network"`
}

// ReconcileConfig tunes background reconciliation.
type ReconcileConfig struct {
	PollInterval   Duration `json:"poll_interval" yaml:"poll_interval"`
	StaleAfter     Duration `json:"stale_after" yaml:"stale_after"`
	CycleTimeout   Duration `json:"cycle_timeout" yaml:"cycle_timeout"`
	AutoAddUnknown bool     `json:"auto_add_unknown" yaml:"auto_add_unknown"`
}

// MessagingConfig sets what each outgoing message costs.
type MessagingConfig struct {
	Amount float64 `json:"amount" yaml:"amount"`
	Fee    float64 `json:"fee" yaml:"fee"`
}

// LoggingConfig selects log verbosity and handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint. Empty Address disables it.
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StorageConfig tunes the local database.
type StorageConfig struct {
	SecurityEventRetention Duration `json:"security_event_retention" yaml:"security_event_retention"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MEMOCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads a config file from disk. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to disk in the format its extension selects.
func Save(path string, cfg *Config) error {
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file may hold RPC credentials.
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(ConfigPath(dataDir))
}

// LoadOrCreateAt is LoadOrCreate for an explicit config file path.
func LoadOrCreateAt(cfgPath string) (*Config, string, error) {
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ApplyEnv overrides ledger connection settings from the environment. It
// never writes the result back to disk.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvRPCURL); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv(EnvRPCUser); v != "" {
		cfg.Ledger.RPCUser = v
	}
	if v := os.Getenv(EnvRPCPassword); v != "" {
		cfg.Ledger.RPCPassword = v
	}
}

// Validate checks values normalizeDefaults cannot repair.
func (c *Config) Validate() error {
	if !c.Discovery.Enabled {
		u, err := url.Parse(c.Ledger.RPCURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("ledger.rpc_url %q is not an absolute URL", c.Ledger.RPCURL)
		}
	}
	if c.Reconcile.StaleAfter.Duration() < c.Reconcile.PollInterval.Duration() {
		return errors.New("reconcile.stale_after must not be shorter than reconcile.poll_interval")
	}
	if c.Messaging.Fee < 0 || c.Messaging.Amount < 0 {
		return errors.New("messaging amount and fee must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			RPCURL:            DefaultRPCURL,
			Timeout:           Duration(DefaultRPCTimeout),
			RequestsPerSecond: DefaultRequestsPerSecond,
		},
		Reconcile: ReconcileConfig{
			PollInterval:   Duration(DefaultPollInterval),
			StaleAfter:     Duration(DefaultStaleAfter),
			AutoAddUnknown: true,
		},
		Messaging: MessagingConfig{
			Amount: DefaultAmount,
			Fee:    DefaultFee,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Storage: StorageConfig{
			SecurityEventRetention: Duration(DefaultEventRetention),
		},
	}
}

func normalizeDefaults(cfg *Config) bool {
	updated := false
	defaults := defaultConfig()

	setString := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
			updated = true
		}
	}
	setDuration := func(dst *Duration, v Duration) {
		if *dst <= 0 {
			*dst = v
			updated = true
		}
	}
	setFloat := func(dst *float64, v float64) {
		if *dst <= 0 {
			*dst = v
			updated = true
		}
	}

	if !cfg.Discovery.Enabled {
		setString(&cfg.Ledger.RPCURL, defaults.Ledger.RPCURL)
	}
	setDuration(&cfg.Ledger.Timeout, defaults.Ledger.Timeout)
	setFloat(&cfg.Ledger.RequestsPerSecond, defaults.Ledger.RequestsPerSecond)
	setDuration(&cfg.Reconcile.PollInterval, defaults.Reconcile.PollInterval)
	setDuration(&cfg.Reconcile.StaleAfter, defaults.Reconcile.StaleAfter)
	setFloat(&cfg.Messaging.Amount, defaults.Messaging.Amount)
	setFloat(&cfg.Messaging.Fee, defaults.Messaging.Fee)
	setString(&cfg.Logging.Level, defaults.Logging.Level)
	setDuration(&cfg.Storage.SecurityEventRetention, defaults.Storage.SecurityEventRetention)

	format := strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if format != "json" {
		format = DefaultLogFormat
	}
	if cfg.Logging.Format != format {
		cfg.Logging.Format = format
		updated = true
	}

	return updated
}

// String renders the config with the RPC password masked.
func (c Config) String() string {
	masked := c
	if masked.Ledger.RPCPassword != "" {
		masked.Ledger.RPCPassword = "****"
	}
	raw, err := yaml.Marshal(masked)
	if err != nil {
		return "config: " + strconv.Quote(err.Error())
	}
	return string(raw)
}
