package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"memochat/messaging"
	"memochat/models"
	"memochat/storage"
)

var identityFlags struct {
	nickname      string
	firstName     string
	middleName    string
	surname       string
	email         string
	senderAddress string
	sendReceive   string
}

func init() {
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update the own identity",
		Args:  cobra.NoArgs,
		RunE:  runIdentitySet,
	}
	setCmd.Flags().StringVar(&identityFlags.nickname, "nickname", "", "nickname shown to contacts")
	setCmd.Flags().StringVar(&identityFlags.firstName, "first-name", "", "first name")
	setCmd.Flags().StringVar(&identityFlags.middleName, "middle-name", "", "middle name")
	setCmd.Flags().StringVar(&identityFlags.surname, "surname", "", "surname")
	setCmd.Flags().StringVar(&identityFlags.email, "email", "", "email address")
	setCmd.Flags().StringVar(&identityFlags.senderAddress, "sender-address", "", "transparent address used to sign messages")
	setCmd.Flags().StringVar(&identityFlags.sendReceive, "send-receive-address", "", "shielded address messages are received on")

	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Show, change or export the own identity",
	}
	identityCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the own identity",
			Args:  cobra.NoArgs,
			RunE:  runIdentityShow,
		},
		setCmd,
		&cobra.Command{
			Use:   "export [file]",
			Short: "Write the own identity file (stdout when no file is given)",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runIdentityExport,
		},
	)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	own, err := a.store.OwnIdentity()
	if errors.Is(err, storage.ErrNotFound) {
		return errors.New("no own identity yet, create one with: memochat identity set")
	}
	if err != nil {
		return err
	}
	printIdentity(cmd.OutOrStdout(), own)
	return nil
}

func runIdentitySet(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.store.Lock()
	defer a.store.Unlock()

	own, err := a.store.OwnIdentity()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		own = &models.Identity{Kind: models.IdentityOwn}
	case err != nil:
		return err
	}

	flags := cmd.Flags()
	apply := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	apply("nickname", &own.Nickname, identityFlags.nickname)
	apply("first-name", &own.FirstName, identityFlags.firstName)
	apply("middle-name", &own.MiddleName, identityFlags.middleName)
	apply("surname", &own.Surname, identityFlags.surname)
	apply("email", &own.Email, identityFlags.email)
	apply("sender-address", &own.SenderAddress, identityFlags.senderAddress)
	apply("send-receive-address", &own.SendReceiveAddress, identityFlags.sendReceive)

	saved, err := a.store.SetOwnIdentity(*own)
	if err != nil {
		return err
	}
	printIdentity(cmd.OutOrStdout(), saved)
	return nil
}

func runIdentityExport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		return messaging.ExportIdentity(a.store, cmd.OutOrStdout())
	}

	f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create identity file: %w", err)
	}
	if err := messaging.ExportIdentity(a.store, f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close identity file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Identity written to %s\n", args[0])
	return nil
}

func printIdentity(w io.Writer, identity *models.Identity) {
	fmt.Fprintf(w, "ID:                   %s\n", identity.ID)
	fmt.Fprintf(w, "Kind:                 %s\n", identity.Kind)
	fmt.Fprintf(w, "Name:                 %s\n", identity.DisplayName())
	if identity.Email != "" {
		fmt.Fprintf(w, "Email:                %s\n", identity.Email)
	}
	if identity.SenderAddress != "" {
		fmt.Fprintf(w, "Sender Address:       %s\n", identity.SenderAddress)
	}
	if identity.SendReceiveAddress != "" {
		fmt.Fprintf(w, "Send/Receive Address: %s\n", identity.SendReceiveAddress)
	}
	if identity.ThreadID != "" {
		fmt.Fprintf(w, "Thread ID:            %s\n", identity.ThreadID)
	}
}
