package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"memochat/messaging"
	"memochat/models"
)

var groupAddNickname string

func init() {
	addCmd := &cobra.Command{
		Use:   "add <group-address>",
		Short: "Join a group by its shared send/receive address",
		Args:  cobra.ExactArgs(1),
		RunE:  runGroupsAdd,
	}
	addCmd.Flags().StringVar(&groupAddNickname, "name", "", "name for the group")

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage groups",
	}
	groupsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List groups",
			Args:  cobra.NoArgs,
			RunE:  runGroupsList,
		},
		addCmd,
		&cobra.Command{
			Use:   "senders <group>",
			Short: "List members that announced their identity in a group",
			Args:  cobra.ExactArgs(1),
			RunE:  runGroupsSenders,
		},
	)
	rootCmd.AddCommand(groupsCmd)
}

func runGroupsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	groups, err := a.store.ListGroups()
	if err != nil {
		return err
	}
	printIdentityTable(cmd, groups)
	return nil
}

func runGroupsAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Lock()
	defer a.store.Unlock()

	name := groupAddNickname
	if name == "" {
		name = "Group " + shorten(args[0])
	}
	group, err := a.store.UpdateIdentity(models.Identity{
		Kind:               models.IdentityGroup,
		Nickname:           name,
		SendReceiveAddress: args[0],
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved group %s (%s)\n", group.DisplayName(), group.ID)
	return nil
}

func runGroupsSenders(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	group, err := a.findIdentity(args[0])
	if err != nil {
		return err
	}
	senders, err := messaging.KnownGroupSenders(a.store, group.ID)
	if err != nil {
		return err
	}

	addresses := make([]string, 0, len(senders))
	for address := range senders {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	for _, address := range addresses {
		fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", address, senders[address].Nickname)
	}
	return nil
}

func shorten(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "…"
}
