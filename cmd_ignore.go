package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"memochat/models"
)

var ignoreGroupFlag string

func init() {
	addCmd := &cobra.Command{
		Use:   "add <address-or-thread>",
		Short: "Ignore a sender address or thread id",
		Args:  cobra.ExactArgs(1),
		RunE:  runIgnoreAdd,
	}
	addCmd.Flags().StringVar(&ignoreGroupFlag, "group", "", "only ignore inside the group with this address")

	ignoreCmd := &cobra.Command{
		Use:   "ignore",
		Short: "Manage the ignore list",
	}
	ignoreCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List ignored senders",
			Args:  cobra.NoArgs,
			RunE:  runIgnoreList,
		},
		addCmd,
	)
	rootCmd.AddCommand(ignoreCmd)
}

func runIgnoreList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ListIgnoreEntries()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS OR THREAD\tSCOPE\tADDED")
	for _, entry := range entries {
		scope := "global"
		if !entry.IsGlobal() {
			scope = entry.ScopeGroupAddress
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.AddressOrThread, scope, humanize.Time(time.UnixMilli(entry.CreatedAt)))
	}
	return tw.Flush()
}

func runIgnoreAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Lock()
	defer a.store.Unlock()

	if err := a.store.AddIgnoreEntry(models.IgnoreEntry{
		AddressOrThread:   args[0],
		ScopeGroupAddress: ignoreGroupFlag,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ignoring %s\n", args[0])
	return nil
}
