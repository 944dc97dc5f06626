package messaging

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memochat/crypto"
	"memochat/ledger/ledgertest"
	"memochat/models"
	"memochat/protocol"
	"memochat/storage"
)

type fixture struct {
	store  *storage.Store
	ledger *ledgertest.Fake
	sender *Sender
	own    *models.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	own, err := store.SetOwnIdentity(models.Identity{
		Nickname:           "me",
		FirstName:          "Alice",
		SenderAddress:      "t1OWN",
		SendReceiveAddress: "zs1OWN",
	})
	require.NoError(t, err)

	fake := ledgertest.NewFake(time.Now())
	return &fixture{
		store:  store,
		ledger: fake,
		own:    own,
		sender: NewSender(store, fake, Config{
			NewThreadID: func() string { return "thread-1" },
		}),
	}
}

func (f *fixture) addContact(t *testing.T, identity models.Identity) *models.Identity {
	t.Helper()
	contact, err := f.store.UpdateIdentity(identity)
	require.NoError(t, err)
	return contact
}

func decodeSent(t *testing.T, f *fixture, i int) protocol.Envelope {
	t.Helper()
	sent := f.ledger.SentRequests()
	require.Greater(t, len(sent), i)
	env, err := protocol.Decode(sent[i].MemoHex)
	require.NoError(t, err)
	return env
}

func TestSendSignedMessage(t *testing.T) {
	f := newFixture(t)
	bob := f.addContact(t, models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1BOB", SendReceiveAddress: "zs1BOB"})

	receipt, err := f.sender.Send(context.Background(), bob.ID, "hello bob", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "opid-1", receipt.OperationID)

	sent := f.ledger.SentRequests()
	require.Len(t, sent, 1)
	assert.Equal(t, "zs1OWN", sent[0].From)
	assert.Equal(t, "zs1BOB", sent[0].To)
	assert.Equal(t, DefaultAmount, sent[0].Amount)

	env, ok := decodeSent(t, f, 0).(protocol.Normal)
	require.True(t, ok)
	assert.Equal(t, "t1OWN", env.From)
	assert.Equal(t, ledgertest.ValidSignature("t1OWN", crypto.SigningPayload("hello bob")), env.Sign)

	msgs, err := f.store.AllMessagesFor(bob.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionSent, msgs[0].Direction)
	assert.Equal(t, models.VerificationUnverified, msgs[0].Verification)
	assert.Empty(t, msgs[0].TransactionID)
}

func TestSendAnonymousAssignsThreadOnce(t *testing.T) {
	f := newFixture(t)
	bob := f.addContact(t, models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1BOB", SendReceiveAddress: "zs1BOB"})
	ctx := context.Background()

	_, err := f.sender.Send(ctx, bob.ID, "guess who", SendOptions{Anonymous: true, IncludeReturnAddress: true})
	require.NoError(t, err)

	reloaded, err := f.store.GetIdentity(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", reloaded.ThreadID)

	env, ok := decodeSent(t, f, 0).(protocol.Anonymous)
	require.True(t, ok)
	assert.Equal(t, "thread-1", env.ThreadID)
	assert.Equal(t, "zs1OWN", env.ReturnAddress)

	f.sender.newThreadID = func() string { return "thread-2" }
	_, err = f.sender.Send(ctx, bob.ID, "again", SendOptions{Anonymous: true})
	require.NoError(t, err)
	env, ok = decodeSent(t, f, 1).(protocol.Anonymous)
	require.True(t, ok)
	assert.Equal(t, "thread-1", env.ThreadID)
	assert.Empty(t, env.ReturnAddress)

	msgs, err := f.store.AllMessagesFor(bob.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsAnonymous)
	assert.Equal(t, "thread-1", msgs[0].ThreadID)
}

func TestSendAnonymousToGroupHidesReturnAddress(t *testing.T) {
	f := newFixture(t)
	group := f.addContact(t, models.Identity{Kind: models.IdentityGroup, Nickname: "team", SendReceiveAddress: "zs1TEAM"})

	_, err := f.sender.Send(context.Background(), group.ID, "hi all", SendOptions{Anonymous: true, IncludeReturnAddress: true})
	require.NoError(t, err)

	env, ok := decodeSent(t, f, 0).(protocol.Anonymous)
	require.True(t, ok)
	assert.Empty(t, env.ReturnAddress)
}

func TestSendErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	noAddress := f.addContact(t, models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1NOADDR"})
	noSender := f.addContact(t, models.Identity{Kind: models.IdentityNormal, Nickname: "x", SendReceiveAddress: "zs1X"})

	_, err := f.sender.Send(ctx, noAddress.ID, "   ", SendOptions{})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.sender.Send(ctx, noAddress.ID, "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrNoConversationAddress)

	_, err = f.sender.Send(ctx, noSender.ID, "hi", SendOptions{Anonymous: true})
	assert.ErrorIs(t, err, ErrAnonymousNeedsSender)

	_, err = f.sender.Send(ctx, f.own.ID, "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrSendToSelf)

	_, err = f.sender.Send(ctx, "missing", "hi", SendOptions{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Empty(t, f.ledger.SentRequests())
}

func TestSendRejectsOversizedMemoBeforeLedger(t *testing.T) {
	f := newFixture(t)
	bob := f.addContact(t, models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1BOB", SendReceiveAddress: "zs1BOB"})

	_, err := f.sender.Send(context.Background(), bob.ID, strings.Repeat("x", protocol.MaxMemoSize), SendOptions{})
	assert.ErrorIs(t, err, protocol.ErrMemoTooLarge)
	assert.Empty(t, f.ledger.SentRequests())

	msgs, err := f.store.AllMessagesFor(bob.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendWithoutOwnIdentity(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	contact, err := store.UpdateIdentity(models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1BOB", SendReceiveAddress: "zs1BOB"})
	require.NoError(t, err)

	sender := NewSender(store, ledgertest.NewFake(time.Now()), Config{})
	_, err = sender.Send(context.Background(), contact.ID, "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrNoOwnIdentity)
}

func TestSendIdentity(t *testing.T) {
	f := newFixture(t)
	bob := f.addContact(t, models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1BOB", SendReceiveAddress: "zs1BOB"})

	_, err := f.sender.SendIdentity(context.Background(), bob.ID)
	require.NoError(t, err)

	env, ok := decodeSent(t, f, 0).(protocol.Normal)
	require.True(t, ok)
	payload, ok := protocol.ParseIdentityPayload(env.Message)
	require.True(t, ok)
	assert.Equal(t, "me", payload.Nickname)
	assert.Equal(t, "Alice", payload.FirstName)
	assert.Equal(t, "zs1OWN", payload.SendReceiveAddress)
}

func TestSendIdentityRejectsOversizedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SetOwnIdentity(models.Identity{
		Nickname:           strings.Repeat("n", 300),
		SenderAddress:      "t1OWN",
		SendReceiveAddress: "zs1OWN",
	})
	require.NoError(t, err)
	bob := f.addContact(t, models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1BOB", SendReceiveAddress: "zs1BOB"})

	_, err = f.sender.SendIdentity(context.Background(), bob.ID)
	assert.ErrorIs(t, err, protocol.ErrIdentityPayloadTooLarge)
	assert.Empty(t, f.ledger.SentRequests())
}

func TestIdentityFileRoundTrip(t *testing.T) {
	exporter := newFixture(t)
	var buf bytes.Buffer
	require.NoError(t, ExportIdentity(exporter.store, &buf))
	assert.Contains(t, buf.String(), `"zenmessagingidentity"`)

	importer := newFixture(t)
	_, err := importer.store.SetOwnIdentity(models.Identity{SenderAddress: "t1OTHER", SendReceiveAddress: "zs1OTHER"})
	require.NoError(t, err)

	contact, created, err := ImportContact(importer.store, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "me", contact.Nickname)
	assert.Equal(t, "t1OWN", contact.SenderAddress)
	assert.Equal(t, "zs1OWN", contact.SendReceiveAddress)

	// Importing again updates the same contact and keeps local fields.
	contact.ThreadID = "T-KEEP"
	_, err = importer.store.UpdateIdentity(*contact)
	require.NoError(t, err)

	again, created, err := ImportContact(importer.store, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, contact.ID, again.ID)
	assert.Equal(t, "T-KEEP", again.ThreadID)
}

func TestImportContactRejections(t *testing.T) {
	f := newFixture(t)

	var own bytes.Buffer
	require.NoError(t, ExportIdentity(f.store, &own))
	_, _, err := ImportContact(f.store, &own)
	assert.ErrorIs(t, err, ErrImportOwnIdentity)

	_, _, err = ImportContact(f.store, strings.NewReader(`{"something":"else"}`))
	assert.ErrorIs(t, err, ErrInvalidIdentityFile)

	_, _, err = ImportContact(f.store, strings.NewReader(`{"zenmessagingidentity":{"nickname":"x","senderidaddress":"","sendreceiveaddress":"zs1"}}`))
	assert.ErrorIs(t, err, ErrInvalidIdentityFile)
}

func TestConversationViewFiltersGroupMessages(t *testing.T) {
	f := newFixture(t)
	group := f.addContact(t, models.Identity{Kind: models.IdentityGroup, Nickname: "team", SendReceiveAddress: "zs1TEAM"})
	require.NoError(t, f.store.AddIgnoreEntry(models.IgnoreEntry{AddressOrThread: "t1NOISY", ScopeGroupAddress: "zs1TEAM"}))

	appendMsg := func(m models.Message) {
		t.Helper()
		_, err := f.store.AppendMessage(group.ID, m)
		require.NoError(t, err)
	}
	appendMsg(models.Message{Version: 1, From: "t1OWN", Body: "mine", Direction: models.DirectionSent})
	appendMsg(models.Message{Version: 1, From: "t1OWN", Body: "mine", TransactionID: "tx-echo", Direction: models.DirectionReceived, Verification: models.VerificationOK})
	appendMsg(models.Message{Version: 1, From: "t1NOISY", Body: "noise", TransactionID: "tx-noise", Direction: models.DirectionReceived, Verification: models.VerificationOK})
	appendMsg(models.Message{Version: 1, From: "t1FRIEND", Body: "hello", TransactionID: "tx-friend", Direction: models.DirectionReceived, Verification: models.VerificationOK})

	view, err := ConversationView(f.store, group.ID)
	require.NoError(t, err)
	require.Len(t, view, 2)
	assert.Equal(t, models.DirectionSent, view[0].Direction)
	assert.Equal(t, "t1FRIEND", view[1].From)

	// The ignore entry is scoped to the group only.
	ignored, err := f.store.IsIgnored("t1NOISY", "")
	require.NoError(t, err)
	assert.False(t, ignored)
}

func TestKnownGroupSenders(t *testing.T) {
	f := newFixture(t)
	group := f.addContact(t, models.Identity{Kind: models.IdentityGroup, Nickname: "team", SendReceiveAddress: "zs1TEAM"})

	payload := func(nick, sender string) string {
		t.Helper()
		p, err := protocol.EncodeIdentityPayload(protocol.IdentityPayload{Nickname: nick, SenderAddress: sender, SendReceiveAddress: "zs1" + nick})
		require.NoError(t, err)
		return p
	}
	appendMsg := func(m models.Message) {
		t.Helper()
		m.Version = 1
		_, err := f.store.AppendMessage(group.ID, m)
		require.NoError(t, err)
	}

	appendMsg(models.Message{From: "t1OWN", Body: payload("me", "t1OWN"), Direction: models.DirectionSent})
	appendMsg(models.Message{From: "t1CAROL", Body: payload("carol", "t1CAROL"), TransactionID: "tx-1", Direction: models.DirectionReceived, Verification: models.VerificationOK})
	appendMsg(models.Message{From: "t1CAROL", Body: payload("carol2", "t1CAROL"), TransactionID: "tx-2", Direction: models.DirectionReceived, Verification: models.VerificationOK})
	appendMsg(models.Message{From: "t1EVE", Body: payload("eve", "t1EVE"), TransactionID: "tx-3", Direction: models.DirectionReceived, Verification: models.VerificationFailed})
	appendMsg(models.Message{From: "t1MAL", Body: payload("carol", "t1CAROL2"), TransactionID: "tx-4", Direction: models.DirectionReceived, Verification: models.VerificationOK})
	appendMsg(models.Message{From: "t1DAN", Body: "just chatting", TransactionID: "tx-5", Direction: models.DirectionReceived, Verification: models.VerificationOK})

	senders, err := KnownGroupSenders(f.store, group.ID)
	require.NoError(t, err)
	require.Len(t, senders, 2)
	assert.Equal(t, "me", senders["t1OWN"].Nickname)
	assert.Equal(t, "carol2", senders["t1CAROL"].Nickname)

	_, err = KnownGroupSenders(f.store, f.own.ID)
	assert.Error(t, err)
}
