package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"memochat/config"
	"memochat/discovery"
	"memochat/ledger"
	"memochat/logging"
	"memochat/models"
	"memochat/storage"
)

var version = "dev"

var (
	configPathFlag string
	dataDirFlag    string
	logLevelFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "memochat",
	Short: "Messaging over shielded ledger transaction memos",
	Long: `memochat reconstructs verified, per-conversation message history from
ledger transaction memos and sends new messages the same way.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPathFlag, "config", "c", "", "config file path (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default is the OS app data dir or $"+config.EnvDataDir+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override logging.level")
}

func main() {
	// A missing .env is fine; it only supplies RPC credentials.
	_ = godotenv.Load(".env")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs after startup.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	dbPath  string
	logger  *slog.Logger
	store   *storage.Store

	// endpoint is set when ledgerClient found the RPC endpoint over mDNS.
	endpoint *discovery.Endpoint
}

// openApp loads config, builds the logger and opens the store.
func openApp() (*app, error) {
	if dataDirFlag != "" {
		if err := os.Setenv(config.EnvDataDir, dataDirFlag); err != nil {
			return nil, fmt.Errorf("set data dir: %w", err)
		}
	}

	var (
		cfg     *config.Config
		cfgPath string
		dataDir string
		err     error
	)
	if configPathFlag != "" {
		cfg, cfgPath, err = config.LoadOrCreateAt(configPathFlag)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dataDir, err = config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		if err := config.EnsureDataDirectories(dataDir); err != nil {
			return nil, err
		}
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dataDir = filepath.Dir(cfgPath)
	}
	config.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logger := logging.New(level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSecurityEventRetention(cfg.Storage.SecurityEventRetention.Duration())

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		dbPath:  dbPath,
		logger:  logger,
		store:   store,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// ledgerClient connects to the configured RPC endpoint, or to one found over
// mDNS when discovery is enabled and no URL is configured.
func (a *app) ledgerClient(ctx context.Context) (*ledger.RPCClient, error) {
	rpcURL := a.cfg.Ledger.RPCURL
	if rpcURL == "" && a.cfg.Discovery.Enabled {
		endpoint, err := discovery.Lookup(ctx, discovery.Config{
			Service: a.cfg.Discovery.Service,
			Network: a.cfg.Discovery.Network,
		})
		if err != nil {
			return nil, fmt.Errorf("discover ledger RPC endpoint: %w", err)
		}
		rpcURL = endpoint.URL()
		a.endpoint = &endpoint
		a.logger.Info("discovery: using ledger RPC endpoint", "instance", endpoint.Instance, "url", rpcURL)
	}

	return ledger.NewRPCClient(ledger.RPCConfig{
		URL:               rpcURL,
		User:              a.cfg.Ledger.RPCUser,
		Password:          a.cfg.Ledger.RPCPassword,
		Timeout:           a.cfg.Ledger.Timeout.Duration(),
		RequestsPerSecond: a.cfg.Ledger.RequestsPerSecond,
	})
}

// findIdentity resolves a command line reference: an identity id, a sender
// address, a group address or a thread id.
func (a *app) findIdentity(ref string) (*models.Identity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("identity reference is required")
	}

	lookups := []func(string) (*models.Identity, error){
		a.store.GetIdentity,
		a.store.FindBySenderAddress,
		a.store.FindGroupByAddress,
		a.store.FindByThreadID,
	}
	for _, lookup := range lookups {
		identity, err := lookup(ref)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no identity matches %q", ref)
}
