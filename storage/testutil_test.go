package storage

import (
	"testing"

	"memochat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddContact(t *testing.T, store *Store, senderAddress, nickname string) *models.Identity {
	t.Helper()

	identity, err := store.UpdateIdentity(models.Identity{
		Kind:               models.IdentityNormal,
		Nickname:           nickname,
		SenderAddress:      senderAddress,
		SendReceiveAddress: "zs1-" + senderAddress,
	})
	if err != nil {
		t.Fatalf("add contact %q: %v", senderAddress, err)
	}
	return identity
}

func mustAppendReceived(t *testing.T, store *Store, identityID, transactionID, body string) {
	t.Helper()

	if _, err := store.AppendMessage(identityID, models.Message{
		Version:       1,
		From:          "t1-sender",
		Body:          body,
		TransactionID: transactionID,
		Direction:     models.DirectionReceived,
		Verification:  models.VerificationOK,
	}); err != nil {
		t.Fatalf("append message %q: %v", transactionID, err)
	}
}
