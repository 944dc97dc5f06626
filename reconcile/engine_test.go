package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memochat/crypto"
	"memochat/ledger"
	"memochat/ledger/ledgertest"
	"memochat/models"
	"memochat/protocol"
	"memochat/storage"
)

const ownInbox = "zs1OWN"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *storage.Store
	ledger *ledgertest.Fake
	engine *Engine
}

func newFixture(t *testing.T, autoAdd bool) *fixture {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.SetOwnIdentity(models.Identity{
		Nickname:           "me",
		SenderAddress:      "t1OWN",
		SendReceiveAddress: ownInbox,
	})
	require.NoError(t, err)

	fake := ledgertest.NewFake(now.Add(-2 * time.Minute))
	fake.SetWalletAddresses(ownInbox)
	return &fixture{
		store:  store,
		ledger: fake,
		engine: NewEngine(store, fake, Config{
			AutoAddUnknown: autoAdd,
			Now:            func() time.Time { return now },
		}),
	}
}

func memo(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	m, err := protocol.EncodeMemo(env)
	require.NoError(t, err)
	return m
}

func signedMemo(t *testing.T, from, text string) string {
	return memo(t, protocol.Normal{
		Version: 1,
		From:    from,
		Message: text,
		Sign:    ledgertest.ValidSignature(from, crypto.SigningPayload(text)),
	})
}

func (f *fixture) deliver(address, txID, memoHex string) {
	f.ledger.Deliver(address, txID, memoHex, now.Add(-time.Minute))
}

func (f *fixture) contact(t *testing.T, sender string) *models.Identity {
	t.Helper()
	c, err := f.store.FindBySenderAddress(sender)
	require.NoError(t, err)
	return c
}

func (f *fixture) messages(t *testing.T, identityID string) []models.Message {
	t.Helper()
	msgs, err := f.store.AllMessagesFor(identityID)
	require.NoError(t, err)
	return msgs
}

func TestValidSignedMessageIsStored(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-a", signedMemo(t, "t1AAA", "hi"))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NewContactCreated)
	assert.Equal(t, 1, res.Stored)

	msgs := f.messages(t, f.contact(t, "t1AAA").ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionReceived, msgs[0].Direction)
	assert.Equal(t, models.VerificationOK, msgs[0].Verification)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, now.Add(-time.Minute).UnixMilli(), msgs[0].Timestamp)
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestInvalidSignatureIsStoredAsFailed(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-b", memo(t, protocol.Normal{Version: 1, From: "t1AAA", Message: "hi", Sign: "forged"}))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)

	msgs := f.messages(t, f.contact(t, "t1AAA").ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.VerificationFailed, msgs[0].Verification)
}

func TestAnonymousMessageCreatesThreadIdentity(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-c", memo(t, protocol.Anonymous{Version: 1, Message: "hey", ThreadID: "T123"}))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NewContactCreated)

	anon, err := f.store.FindByThreadID("T123")
	require.NoError(t, err)
	assert.Equal(t, models.IdentityAnonymous, anon.Kind)
	assert.Empty(t, anon.SendReceiveAddress)
	assert.Len(t, f.messages(t, anon.ID), 1)
	assert.Contains(t, res.Changed, anon.ID)
}

func TestCyclesAreIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-d", signedMemo(t, "t1AAA", "once"))
	ctx := context.Background()

	first, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stored)

	second, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Stored)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Changed)
	assert.False(t, second.NewContactCreated)

	assert.Len(t, f.messages(t, f.contact(t, "t1AAA").ID), 1)
}

func TestDuplicateTransactionInOneBatch(t *testing.T) {
	f := newFixture(t, true)
	m := signedMemo(t, "t1AAA", "twice")
	f.deliver(ownInbox, "tx-dup", m)
	f.deliver(ownInbox, "tx-dup", m)

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, res.Skipped)
}

func TestStaleChainSkipsCycle(t *testing.T) {
	f := newFixture(t, true)
	f.ledger.SetLastBlock(now.Add(-2 * time.Hour))
	f.deliver(ownInbox, "tx-e", signedMemo(t, "t1AAA", "late"))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Zero(t, f.ledger.Fetches())

	ids, err := f.store.ReceivedTransactionIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = f.store.FindBySenderAddress("t1AAA")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBadMemosAreSkipped(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-empty", "f6"+hex.EncodeToString(make([]byte, 20)))
	f.deliver(ownInbox, "tx-junk", hex.EncodeToString([]byte("not json at all")))
	f.deliver(ownInbox, "tx-other", hex.EncodeToString([]byte(`{"other":{"ver":1}}`)))
	f.deliver(ownInbox, "tx-badver", hex.EncodeToString([]byte(`{"zenmsg":{"ver":0,"from":"t1AAA","message":"x","sign":"s"}}`)))
	f.deliver(ownInbox, "tx-ok", signedMemo(t, "t1AAA", "fine"))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 4, res.Skipped)
}

func TestIgnoredSenderProducesNoMessages(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.AddIgnoreEntry(models.IgnoreEntry{AddressOrThread: "t1SPAM"}))
	require.NoError(t, f.store.AddIgnoreEntry(models.IgnoreEntry{AddressOrThread: "T-SPAM"}))
	f.deliver(ownInbox, "tx-1", signedMemo(t, "t1SPAM", "buy now"))
	f.deliver(ownInbox, "tx-2", memo(t, protocol.Anonymous{Version: 1, Message: "buy now", ThreadID: "T-SPAM"}))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Stored)
	assert.Equal(t, 2, res.Skipped)

	contacts, err := f.store.ListIdentities(storage.IdentityFilter{})
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestRemovedContactThreadStaysIgnored(t *testing.T) {
	f := newFixture(t, true)
	bob, err := f.store.UpdateIdentity(models.Identity{
		Kind:               models.IdentityNormal,
		SenderAddress:      "t1BOB",
		SendReceiveAddress: "zs1BOB",
		ThreadID:           "T-bob",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.RemoveIdentity(bob.ID))

	f.deliver(ownInbox, "tx-1", memo(t, protocol.Anonymous{Version: 1, Message: "still there?", ThreadID: "T-bob"}))
	f.deliver(ownInbox, "tx-2", signedMemo(t, "t1BOB", "hello?"))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.NewContactCreated)
	assert.Zero(t, res.Stored)
	assert.Equal(t, 2, res.Skipped)

	_, err = f.store.FindByThreadID("T-bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	contacts, err := f.store.ListIdentities(storage.IdentityFilter{})
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

// failingStore fails appends for one transaction id while failTx is set.
type failingStore struct {
	*storage.Store
	failTx string
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) AppendMessage(identityID string, message models.Message) (*models.Message, error) {
	if s.failTx != "" && message.TransactionID == s.failTx {
		return nil, errDiskFull
	}
	return s.Store.AppendMessage(identityID, message)
}

func TestStorageFailureMidBatchKeepsEarlierMessages(t *testing.T) {
	f := newFixture(t, true)
	store := &failingStore{Store: f.store, failTx: "tx-2"}
	engine := NewEngine(store, f.ledger, Config{AutoAddUnknown: true, Now: func() time.Time { return now }})

	f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "one"))
	f.deliver(ownInbox, "tx-2", signedMemo(t, "t1AAA", "two"))
	f.deliver(ownInbox, "tx-3", signedMemo(t, "t1AAA", "three"))

	res, err := engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStorage))
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 1, res.Stored)

	contact := f.contact(t, "t1AAA")
	require.Len(t, f.messages(t, contact.ID), 1)

	store.failTx = ""
	res, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)

	var bodies []string
	for _, m := range f.messages(t, contact.ID) {
		bodies = append(bodies, m.Body)
	}
	assert.Equal(t, []string{"one", "two", "three"}, bodies)

	ids, err := f.store.ReceivedTransactionIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

// removingStore removes the target identity right before the first append,
// as a second process running "contacts remove" would.
type removingStore struct {
	*storage.Store
	removed bool
}

func (s *removingStore) AppendMessage(identityID string, message models.Message) (*models.Message, error) {
	if !s.removed {
		s.removed = true
		if err := s.Store.RemoveIdentity(identityID); err != nil {
			return nil, err
		}
	}
	return s.Store.AppendMessage(identityID, message)
}

func TestContactRemovedDuringCycleWins(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.store.UpdateIdentity(models.Identity{Kind: models.IdentityNormal, SenderAddress: "t1AAA"})
	require.NoError(t, err)
	engine := NewEngine(&removingStore{Store: f.store}, f.ledger, Config{AutoAddUnknown: true, Now: func() time.Time { return now }})
	f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "hi"))

	_, err = engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStorage))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Stored)
	assert.Equal(t, 1, res.Skipped)

	contacts, err := f.store.ListIdentities(storage.IdentityFilter{})
	require.NoError(t, err)
	assert.Empty(t, contacts)
	ids, err := f.store.ReceivedTransactionIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAnonymousBootstrapAcrossCycles(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.deliver(ownInbox, "tx-1", memo(t, protocol.Anonymous{Version: 1, Message: "hello", ThreadID: "T9"}))
	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)

	f.deliver(ownInbox, "tx-2", memo(t, protocol.Anonymous{Version: 1, Message: "answer here", ThreadID: "T9", ReturnAddress: "zs1ANON"}))
	res, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, res.NewContactCreated)

	anon, err := f.store.FindByThreadID("T9")
	require.NoError(t, err)
	assert.Equal(t, "zs1ANON", anon.SendReceiveAddress)
	assert.Len(t, f.messages(t, anon.ID), 2)
}

func TestGroupsAreReconciledAfterInbox(t *testing.T) {
	f := newFixture(t, false)
	group, err := f.store.UpdateIdentity(models.Identity{Kind: models.IdentityGroup, Nickname: "team", SendReceiveAddress: "zs1TEAM"})
	require.NoError(t, err)

	f.deliver("zs1TEAM", "tx-g1", signedMemo(t, "t1MEMBER", "hello team"))
	f.deliver("zs1TEAM", "tx-g2", memo(t, protocol.Anonymous{Version: 1, Message: "psst", ThreadID: "T-G"}))

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Contains(t, res.Changed, group.ID)
	assert.Equal(t, 2, f.ledger.Fetches())

	assert.Len(t, f.messages(t, group.ID), 2)
	_, err = f.store.FindBySenderAddress("t1MEMBER")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconcileOnceTargetsOneAddress(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "inbox"))
	f.deliver("zs1ELSE", "tx-2", signedMemo(t, "t1BBB", "elsewhere"))

	res, err := f.engine.ReconcileOnce(context.Background(), ownInbox, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, f.ledger.Fetches())

	_, err = f.engine.ReconcileOnce(context.Background(), " ", nil)
	assert.True(t, IsKind(err, KindConfig))
}

func TestCycleErrorKinds(t *testing.T) {
	t.Run("no own identity", func(t *testing.T) {
		store, _, err := storage.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		engine := NewEngine(store, ledgertest.NewFake(now), Config{Now: func() time.Time { return now }})
		_, err = engine.RunCycle(context.Background())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConfig))
		assert.ErrorIs(t, err, ErrNoOwnIdentity)
	})

	t.Run("ledger down", func(t *testing.T) {
		f := newFixture(t, true)
		f.ledger.SetDown(true)

		_, err := f.engine.RunCycle(context.Background())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindLedger))
		assert.ErrorIs(t, err, ledgertest.ErrUnavailable)

		var cycleErr *CycleError
		require.True(t, errors.As(err, &cycleErr))
		assert.Equal(t, StateCheckingLag, cycleErr.Stage)
	})

	t.Run("own address not in wallet", func(t *testing.T) {
		f := newFixture(t, true)
		f.ledger.SetWalletAddresses("zs1OTHER")
		f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "hi"))

		_, err := f.engine.RunCycle(context.Background())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConfig))
		assert.ErrorIs(t, err, ErrAddressNotInWallet)
		assert.Zero(t, f.ledger.Fetches())

		f.ledger.SetWalletAddresses("zs1OTHER", ownInbox)
		res, err := f.engine.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Stored)
	})

	t.Run("verifier unavailable", func(t *testing.T) {
		f := newFixture(t, true)
		f.ledger.SetVerifyError(errors.New("wallet locked"))
		f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "hi"))

		_, err := f.engine.RunCycle(context.Background())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSignature))
		assert.ErrorIs(t, err, crypto.ErrVerifierUnavailable)

		ids, err := f.store.ReceivedTransactionIDs()
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

// observingLedger records the engine state seen from inside ledger calls.
type observingLedger struct {
	*ledgertest.Fake
	engine *Engine
	seen   []State
}

func (l *observingLedger) ChainSyncInfo(ctx context.Context) (ledger.SyncInfo, error) {
	l.seen = append(l.seen, l.engine.State())
	return l.Fake.ChainSyncInfo(ctx)
}

func (l *observingLedger) TransactionsForAddress(ctx context.Context, address string) ([]ledger.Transaction, error) {
	l.seen = append(l.seen, l.engine.State())
	return l.Fake.TransactionsForAddress(ctx, address)
}

func (l *observingLedger) TransactionTime(ctx context.Context, txID string) (time.Time, error) {
	l.seen = append(l.seen, l.engine.State())
	return l.Fake.TransactionTime(ctx, txID)
}

func (l *observingLedger) VerifyMessage(ctx context.Context, address, signature, payload string) (bool, error) {
	l.seen = append(l.seen, l.engine.State())
	return l.Fake.VerifyMessage(ctx, address, signature, payload)
}

func TestStateProgression(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "hi"))

	obs := &observingLedger{Fake: f.ledger}
	obs.engine = NewEngine(f.store, obs, Config{AutoAddUnknown: true, Now: func() time.Time { return now }})

	_, err := obs.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateCheckingLag, StateFetching, StateDecoding, StateResolving}, obs.seen)
	assert.Equal(t, StateIdle, obs.engine.State())
}

type recorder struct {
	outcomes []string
	skipped  map[string]int
	normal   int
	anon     int
	failed   int
	lag      time.Duration
}

func (r *recorder) CycleFinished(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}
func (r *recorder) BlockLag(lag time.Duration) { r.lag = lag }
func (r *recorder) TransactionsSkipped(reason string, n int) {
	r.skipped[reason] += n
}
func (r *recorder) MessagesStored(normal, anonymous, failed int) {
	r.normal += normal
	r.anon += anonymous
	r.failed += failed
}

func TestRecorderReceivesCycleMetrics(t *testing.T) {
	f := newFixture(t, true)
	rec := &recorder{skipped: make(map[string]int)}
	f.engine = NewEngine(f.store, f.ledger, Config{AutoAddUnknown: true, Now: func() time.Time { return now }, Recorder: rec})

	f.deliver(ownInbox, "tx-1", signedMemo(t, "t1AAA", "hi"))
	f.deliver(ownInbox, "tx-2", memo(t, protocol.Normal{Version: 1, From: "t1AAA", Message: "x", Sign: "bad"}))
	f.deliver(ownInbox, "tx-3", memo(t, protocol.Anonymous{Version: 1, Message: "a", ThreadID: "T1"}))
	f.deliver(ownInbox, "tx-4", "zz")

	_, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ok", "ok"}, rec.outcomes)
	assert.Equal(t, 2*time.Minute, rec.lag)
	assert.Equal(t, 2, rec.normal)
	assert.Equal(t, 1, rec.anon)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, 2, rec.skipped[SkipDecode])
	assert.Equal(t, 3, rec.skipped[SkipDuplicate])
}

func TestIsEmptyMemo(t *testing.T) {
	assert.True(t, isEmptyMemo(""))
	assert.True(t, isEmptyMemo("F6000000"))
	assert.True(t, isEmptyMemo("f6"))
	assert.False(t, isEmptyMemo("7b7d"))
}
