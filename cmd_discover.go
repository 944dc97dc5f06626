package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"memochat/discovery"
)

var discoverWatchFlag bool

var advertiseFlags struct {
	name string
	port int
	tls  bool
}

func init() {
	advertiseCmd := &cobra.Command{
		Use:   "advertise",
		Short: "Announce a local ledger RPC endpoint on the LAN until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runAdvertise,
	}
	advertiseCmd.Flags().StringVar(&advertiseFlags.name, "name", "", "instance name (default is the host name)")
	advertiseCmd.Flags().IntVar(&advertiseFlags.port, "port", 8232, "RPC port of the ledger node")
	advertiseCmd.Flags().BoolVar(&advertiseFlags.tls, "tls", false, "the RPC port serves HTTPS")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Find ledger RPC endpoints announced over mDNS",
		Args:  cobra.NoArgs,
		RunE:  runDiscover,
	}
	discoverCmd.Flags().BoolVarP(&discoverWatchFlag, "watch", "w", false, "keep scanning and print endpoints as they appear and disappear")
	discoverCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	watcher, err := discovery.NewWatcher(discovery.Config{
		Service: a.cfg.Discovery.Service,
		Network: a.cfg.Discovery.Network,
	}, a.logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if discoverWatchFlag {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		fmt.Fprintln(out, "Watching for ledger RPC endpoints (press Ctrl+C to stop)")
		err := watcher.Run(ctx, func(event discovery.Event) {
			sign := "+"
			if event.Type == discovery.EventEndpointRemoved {
				sign = "-"
			}
			fmt.Fprintf(out, "%s %s\n", sign, formatEndpoint(event.Endpoint))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if _, err := watcher.Scan(cmd.Context()); err != nil {
		return err
	}
	endpoints := watcher.Endpoints()
	if len(endpoints) == 0 {
		fmt.Fprintln(out, "No ledger RPC endpoints found.")
		return nil
	}
	for _, endpoint := range endpoints {
		fmt.Fprintln(out, formatEndpoint(endpoint))
	}
	return nil
}

func formatEndpoint(endpoint discovery.Endpoint) string {
	network := endpoint.Network
	if network == "" {
		network = "unknown network"
	}
	return fmt.Sprintf("%-24s %-32s %s", endpoint.Instance, endpoint.URL(), network)
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	name := advertiseFlags.name
	if name == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		} else {
			name = "memochat-node"
		}
	}

	advertiser, err := discovery.StartAdvertiser(discovery.Config{
		Service:      a.cfg.Discovery.Service,
		Network:      a.cfg.Discovery.Network,
		InstanceName: name,
		Port:         advertiseFlags.port,
		TLS:          advertiseFlags.tls,
	})
	if err != nil {
		return err
	}
	defer advertiser.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Advertising %s on port %d (press Ctrl+C to stop)\n", name, advertiseFlags.port)
	<-ctx.Done()
	return nil
}
