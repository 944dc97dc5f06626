package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"memochat/messaging"
	"memochat/models"
	"memochat/storage"
)

var contactAddFlags struct {
	nickname    string
	sendReceive string
}

func init() {
	addCmd := &cobra.Command{
		Use:   "add <sender-address>",
		Short: "Add a contact by sender address",
		Args:  cobra.ExactArgs(1),
		RunE:  runContactsAdd,
	}
	addCmd.Flags().StringVar(&contactAddFlags.nickname, "nickname", "", "nickname for the contact")
	addCmd.Flags().StringVar(&contactAddFlags.sendReceive, "send-receive-address", "", "shielded address to send messages to")

	contactsCmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage contacts",
	}
	contactsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List contacts and anonymous threads",
			Args:  cobra.NoArgs,
			RunE:  runContactsList,
		},
		addCmd,
		&cobra.Command{
			Use:   "import <identity-file>",
			Short: "Add or update a contact from an identity file",
			Args:  cobra.ExactArgs(1),
			RunE:  runContactsImport,
		},
		&cobra.Command{
			Use:   "remove <identity>",
			Short: "Remove a contact and ignore its address from now on",
			Args:  cobra.ExactArgs(1),
			RunE:  runContactsRemove,
		},
	)
	rootCmd.AddCommand(contactsCmd)
}

func runContactsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	contacts, err := a.store.ListIdentities(storage.IdentityFilter{
		Kinds: []models.IdentityKind{models.IdentityNormal, models.IdentityAnonymous},
	})
	if err != nil {
		return err
	}
	printIdentityTable(cmd, contacts)
	return nil
}

func runContactsAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Lock()
	defer a.store.Unlock()

	identity := models.Identity{Kind: models.IdentityNormal, SenderAddress: args[0]}
	existing, err := a.store.FindBySenderAddress(args[0])
	switch {
	case err == nil:
		identity = *existing
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	if contactAddFlags.nickname != "" {
		identity.Nickname = contactAddFlags.nickname
	}
	if contactAddFlags.sendReceive != "" {
		identity.SendReceiveAddress = contactAddFlags.sendReceive
	}

	contact, err := a.store.UpdateIdentity(identity)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved contact %s (%s)\n", contact.DisplayName(), contact.ID)
	return nil
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()

	contact, created, err := messaging.ImportContact(a.store, f)
	if err != nil {
		return err
	}
	verb := "Updated"
	if created {
		verb = "Added"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s contact %s (%s)\n", verb, contact.DisplayName(), contact.ID)
	return nil
}

func runContactsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Lock()
	defer a.store.Unlock()

	identity, err := a.findIdentity(args[0])
	if err != nil {
		return err
	}
	if err := a.store.RemoveIdentity(identity.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", identity.DisplayName())
	return nil
}

func printIdentityTable(cmd *cobra.Command, identities []models.Identity) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tADDRESS")
	for _, identity := range identities {
		address := identity.SendReceiveAddress
		if address == "" {
			address = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", identity.ID, identity.Kind, identity.DisplayName(), address)
	}
	_ = tw.Flush()
}
