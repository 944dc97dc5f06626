package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"memochat/discovery"
	"memochat/ledger"
	"memochat/metrics"
	"memochat/reconcile"
)

func init() {
	rootCmd.AddCommand(runCmd, syncCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the ledger in the background and reconcile incoming messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := a.ledgerClient(ctx)
		if err != nil {
			return err
		}

		collector := metrics.New()
		engine := reconcile.NewEngine(a.store, client, reconcile.Config{
			StaleAfter:     a.cfg.Reconcile.StaleAfter.Duration(),
			AutoAddUnknown: a.cfg.Reconcile.AutoAddUnknown,
			Logger:         a.logger,
			Recorder:       collector,
		})
		scheduler := reconcile.NewScheduler(engine, reconcile.SchedulerConfig{
			Interval:     a.cfg.Reconcile.PollInterval.Duration(),
			CycleTimeout: a.cfg.Reconcile.CycleTimeout.Duration(),
			Logger:       a.logger,
		})

		fmt.Printf("Config File:     %s\n", a.cfgPath)
		fmt.Printf("Data Directory:  %s\n", a.dataDir)
		fmt.Printf("Database File:   %s\n", a.dbPath)
		fmt.Printf("Poll Interval:   %s\n", a.cfg.Reconcile.PollInterval)

		if addr := a.cfg.Metrics.Address; addr != "" {
			srv := startMetricsServer(addr, collector, a)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Metrics:         http://%s/metrics\n", addr)
		}

		if a.endpoint != nil {
			if err := followEndpoint(ctx, a, client); err != nil {
				return err
			}
		}

		scheduler.Start()
		go logSchedulerEvents(a, scheduler.Events())

		fmt.Println("Status:          running (press Ctrl+C to stop)")
		<-ctx.Done()
		fmt.Println("Status:          shutting down")
		scheduler.Stop()
		return nil
	},
}

// followEndpoint keeps client pointed at an announced RPC endpoint for as
// long as ctx lives.
func followEndpoint(ctx context.Context, a *app, client *ledger.RPCClient) error {
	watcher, err := discovery.NewWatcher(discovery.Config{
		Service: a.cfg.Discovery.Service,
		Network: a.cfg.Discovery.Network,
	}, a.logger)
	if err != nil {
		return err
	}
	follower := discovery.NewFollower(watcher, *a.endpoint, func(endpoint discovery.Endpoint) {
		if err := client.SetURL(endpoint.URL()); err != nil {
			a.logger.Error("discovery: switch endpoint failed", "instance", endpoint.Instance, "error", err)
			return
		}
		a.logger.Info("discovery: ledger RPC endpoint changed", "instance", endpoint.Instance, "url", endpoint.URL())
	})
	go func() {
		_ = watcher.Run(ctx, follower.Handle)
	}()
	fmt.Printf("Ledger Endpoint: %s (following mDNS announcements)\n", a.endpoint.URL())
	return nil
}

func startMetricsServer(addr string, collector *metrics.Collector, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics: server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

func logSchedulerEvents(a *app, events <-chan reconcile.Event) {
	for event := range events {
		switch event.Type {
		case reconcile.EventConversationsChanged:
			for _, identity := range event.Result.Changed {
				a.logger.Info("conversation updated", "identity", identity.DisplayName(), "identity_id", identity.ID)
			}
		case reconcile.EventContactsChanged:
			a.logger.Info("new contact created")
		case reconcile.EventCycleSkipped:
			a.logger.Info("cycle skipped, ledger node is still syncing")
		case reconcile.EventCycleFailed:
			var cycleErr *reconcile.CycleError
			if errors.As(event.Err, &cycleErr) {
				a.logger.Warn("cycle failed", "kind", cycleErr.Kind, "stage", cycleErr.Stage, "error", cycleErr.Err)
			}
		}
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconcile cycle now and print what changed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.ledgerClient(cmd.Context())
		if err != nil {
			return err
		}

		engine := reconcile.NewEngine(a.store, client, reconcile.Config{
			StaleAfter:     a.cfg.Reconcile.StaleAfter.Duration(),
			AutoAddUnknown: a.cfg.Reconcile.AutoAddUnknown,
			Logger:         a.logger,
		})
		started := time.Now()
		res, err := engine.RunCycle(cmd.Context())
		if err != nil {
			return err
		}
		if res.Stale {
			fmt.Println("Ledger node is behind; nothing reconciled.")
			return nil
		}

		fmt.Printf("Stored %s new message(s), skipped %s transaction(s) in %s.\n",
			humanize.Comma(int64(res.Stored)), humanize.Comma(int64(res.Skipped)), time.Since(started).Round(time.Millisecond))
		for _, identity := range res.Changed {
			fmt.Printf("  updated: %s\n", identity.DisplayName())
		}
		if res.NewContactCreated {
			fmt.Println("  new contacts were added")
		}
		return nil
	},
}
