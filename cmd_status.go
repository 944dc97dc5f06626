package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"memochat/models"
	"memochat/storage"
)

var statusEventsFlag int

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show store totals and recent security events",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusEventsFlag, "events", 10, "number of recent security events to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Lock()
	defer a.store.Unlock()

	counts, err := a.store.CountMessages()
	if err != nil {
		return err
	}
	identities, err := a.store.ListIdentities(storage.IdentityFilter{})
	if err != nil {
		return err
	}
	groups := 0
	for _, identity := range identities {
		if identity.Kind == models.IdentityGroup {
			groups++
		}
	}

	fmt.Printf("Database File:   %s\n", a.dbPath)
	fmt.Printf("Contacts:        %s\n", humanize.Comma(int64(len(identities)-groups)))
	fmt.Printf("Groups:          %s\n", humanize.Comma(int64(groups)))
	fmt.Printf("Received:        %s\n", humanize.Comma(counts[models.DirectionReceived]))
	fmt.Printf("Sent:            %s\n", humanize.Comma(counts[models.DirectionSent]))

	eventCounts, err := a.store.SecurityEventCounts()
	if err != nil {
		return err
	}
	fmt.Printf("Bad Signatures:  %s\n", humanize.Comma(eventCounts[storage.SecurityEventSignatureFailed]))
	fmt.Printf("Dropped:         %s\n", humanize.Comma(eventCounts[storage.SecurityEventIgnoredDropped]+eventCounts[storage.SecurityEventUnknownDropped]))

	if statusEventsFlag <= 0 {
		return nil
	}
	events, err := a.store.SecurityEvents(storage.SecurityEventFilter{Limit: statusEventsFlag})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSEVERITY\tEVENT\tSUBJECT\tTRANSACTION")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(time.UnixMilli(event.Timestamp)), event.Severity, event.Type, event.Subject, event.TransactionID)
	}
	return w.Flush()
}
