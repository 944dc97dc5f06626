package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"memochat/messaging"
	"memochat/models"
	"memochat/protocol"
)

var sendFlags struct {
	anonymous     bool
	returnAddress bool
	identity      bool
}

func init() {
	sendCmd := &cobra.Command{
		Use:   "send <identity> [message...]",
		Short: "Send a message, or the own identity with --identity",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}
	sendCmd.Flags().BoolVar(&sendFlags.anonymous, "anonymous", false, "send without revealing the sender address")
	sendCmd.Flags().BoolVar(&sendFlags.returnAddress, "return-address", false, "include the own send/receive address in an anonymous message")
	sendCmd.Flags().BoolVar(&sendFlags.identity, "identity", false, "send the own identity so the recipient can add us")

	rootCmd.AddCommand(
		sendCmd,
		&cobra.Command{
			Use:   "messages <identity>",
			Short: "Print a conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  runMessages,
		},
	)
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendFlags.identity && len(args) > 1 {
		return errors.New("--identity takes no message text")
	}
	if sendFlags.identity && sendFlags.anonymous {
		return errors.New("--identity cannot be sent anonymously")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := a.findIdentity(args[0])
	if err != nil {
		return err
	}

	client, err := a.ledgerClient(cmd.Context())
	if err != nil {
		return err
	}
	sender := messaging.NewSender(a.store, client, messaging.Config{
		Amount: a.cfg.Messaging.Amount,
		Fee:    a.cfg.Messaging.Fee,
		Logger: a.logger,
	})

	var receipt *messaging.Receipt
	if sendFlags.identity {
		receipt, err = sender.SendIdentity(cmd.Context(), target.ID)
	} else {
		text := strings.Join(args[1:], " ")
		receipt, err = sender.Send(cmd.Context(), target.ID, text, messaging.SendOptions{
			Anonymous:            sendFlags.anonymous,
			IncludeReturnAddress: sendFlags.returnAddress,
		})
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s (operation %s)\n", target.DisplayName(), receipt.OperationID)
	return nil
}

func runMessages(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	identity, err := a.findIdentity(args[0])
	if err != nil {
		return err
	}
	messages, err := messaging.ConversationView(a.store, identity.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversation with %s, %s message(s)\n\n", identity.DisplayName(), humanize.Comma(int64(len(messages))))
	for _, m := range messages {
		fmt.Fprintf(out, "[%s] %s%s\n", humanize.Time(time.UnixMilli(m.Timestamp)), messageAuthor(m), verificationMark(m))
		if payload, ok := protocol.ParseIdentityPayload(m.Body); ok {
			fmt.Fprintf(out, "  (identity: %s <%s>)\n\n", payload.Nickname, payload.SenderAddress)
			continue
		}
		fmt.Fprintf(out, "  %s\n\n", m.Body)
	}
	return nil
}

func messageAuthor(m models.Message) string {
	switch {
	case m.Direction == models.DirectionSent:
		return "me"
	case m.IsAnonymous:
		return "anonymous"
	default:
		return m.From
	}
}

func verificationMark(m models.Message) string {
	if m.Verification == models.VerificationFailed {
		return " [SIGNATURE FAILED]"
	}
	return ""
}
