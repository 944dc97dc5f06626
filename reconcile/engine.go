// Package reconcile turns ledger transactions into stored conversation
// messages and runs that work periodically.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"memochat/crypto"
	"memochat/ledger"
	"memochat/logging"
	"memochat/models"
	"memochat/protocol"
	"memochat/resolver"
	"memochat/storage"
)

// DefaultStaleAfter is how old the newest block may be before a cycle is skipped.
const DefaultStaleAfter = 60 * time.Minute

// Skip reasons reported to the Recorder.
const (
	SkipDuplicate = "duplicate"
	SkipEmptyMemo = "empty_memo"
	SkipDecode    = "decode"
	SkipInvalid   = "invalid"
	SkipPolicy    = "policy"
)

// Store is the identity store as seen by the engine.
type Store interface {
	resolver.Store
	Lock()
	Unlock()
	OwnIdentity() (*models.Identity, error)
	ListGroups() ([]models.Identity, error)
	ReceivedTransactionIDs() (map[string]struct{}, error)
}

// Recorder receives cycle metrics. metrics.Collector implements it.
type Recorder interface {
	CycleFinished(outcome string, took time.Duration)
	BlockLag(lag time.Duration)
	TransactionsSkipped(reason string, n int)
	MessagesStored(normal, anonymous, failed int)
}

// Config tunes an Engine.
type Config struct {
	StaleAfter     time.Duration
	AutoAddUnknown bool
	Now            func() time.Time
	Logger         *slog.Logger
	Recorder       Recorder
}

// Result describes what one reconcile call or cycle did.
type Result struct {
	// Stale is set when the cycle was skipped because the node lags behind.
	Stale             bool
	NewContactCreated bool
	// Changed holds identities whose conversations or fields changed, by id.
	Changed map[string]models.Identity
	Stored  int
	// Skipped counts transactions not turned into messages: duplicates,
	// undecodable or invalid memos and policy drops.
	Skipped int
}

func newResult() Result {
	return Result{Changed: make(map[string]models.Identity)}
}

func (r *Result) merge(other Result) {
	r.Stale = r.Stale || other.Stale
	r.NewContactCreated = r.NewContactCreated || other.NewContactCreated
	r.Stored += other.Stored
	r.Skipped += other.Skipped
	for id, identity := range other.Changed {
		r.Changed[id] = identity
	}
}

// Engine reconciles ledger transactions into the identity store.
type Engine struct {
	store      Store
	ledger     ledger.Client
	resolver   *resolver.Resolver
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	once       *logging.OnceFilter
	recorder   Recorder

	// walletChecked is the own address last confirmed to be in the node
	// wallet. Guarded by the store lock.
	walletChecked string

	state atomic.Int32
}

// NewEngine builds an engine over store and client. Signatures are verified
// through client as well.
func NewEngine(store Store, client ledger.Client, cfg Config) *Engine {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.OrDefault(cfg.Logger)
	once := logging.NewOnceFilter(logging.DefaultOnceSize)

	return &Engine{
		store:  store,
		ledger: client,
		resolver: resolver.New(store, crypto.NewGate(client), resolver.Config{
			AutoAddUnknown: cfg.AutoAddUnknown,
			Logger:         logger,
			Once:           once,
		}),
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		logger:     logger,
		once:       once,
		recorder:   cfg.Recorder,
	}
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// RunCycle checks lag once and then reconciles the own inbox followed by
// every group, all under one hold of the store lock.
func (e *Engine) RunCycle(ctx context.Context) (Result, error) {
	e.store.Lock()
	defer e.store.Unlock()
	defer e.setState(StateIdle)

	started := e.now()
	res, err := e.runCycleLocked(ctx)
	e.finish(started, res, err)
	return res, err
}

func (e *Engine) runCycleLocked(ctx context.Context) (Result, error) {
	res := newResult()

	own, err := e.store.OwnIdentity()
	if errors.Is(err, storage.ErrNotFound) {
		return res, cycleError(KindConfig, StateIdle, "", ErrNoOwnIdentity)
	}
	if err != nil {
		return res, cycleError(KindStorage, StateIdle, "", err)
	}
	if own.SendReceiveAddress == "" {
		return res, cycleError(KindConfig, StateIdle, "", errors.New("own identity has no send/receive address"))
	}

	stale, err := e.checkLag(ctx)
	if err != nil {
		return res, err
	}
	if stale {
		res.Stale = true
		return res, nil
	}
	if err := e.checkWallet(ctx, own.SendReceiveAddress); err != nil {
		return res, err
	}

	inbox, err := e.reconcileLocked(ctx, own.SendReceiveAddress, nil)
	res.merge(inbox)
	if err != nil {
		return res, err
	}

	groups, err := e.store.ListGroups()
	if err != nil {
		return res, cycleError(KindStorage, StateFetching, "", err)
	}
	for i := range groups {
		group := groups[i]
		out, err := e.reconcileLocked(ctx, group.SendReceiveAddress, &group)
		res.merge(out)
		if err != nil {
			return res, err
		}
	}

	e.setState(StateDone)
	return res, nil
}

// ReconcileOnce reconciles one address. scope is nil for the own inbox or the
// group identity owning targetAddress.
func (e *Engine) ReconcileOnce(ctx context.Context, targetAddress string, scope *models.Identity) (Result, error) {
	e.store.Lock()
	defer e.store.Unlock()
	defer e.setState(StateIdle)

	started := e.now()
	res := newResult()
	stale, err := e.checkLag(ctx)
	if err == nil && stale {
		res.Stale = true
	}
	if err == nil && !stale {
		res, err = e.reconcileLocked(ctx, targetAddress, scope)
		if err == nil {
			e.setState(StateDone)
		}
	}
	e.finish(started, res, err)
	return res, err
}

// checkLag reports whether the newest block is older than staleAfter.
func (e *Engine) checkLag(ctx context.Context) (bool, error) {
	e.setState(StateCheckingLag)

	info, err := e.ledger.ChainSyncInfo(ctx)
	if err != nil {
		return false, cycleError(KindLedger, StateCheckingLag, "", err)
	}

	lag := e.now().Sub(info.LastBlockTime)
	if e.recorder != nil {
		e.recorder.BlockLag(lag)
	}
	if lag > e.staleAfter {
		e.setState(StateSkipped)
		e.logger.Warn("reconcile: node is behind, skipping cycle",
			"last_block", humanize.Time(info.LastBlockTime),
			"stale_after", e.staleAfter)
		return true, nil
	}
	return false, nil
}

// checkWallet confirms once per address that the node can see the own
// inbox. Polling an address outside the wallet would return nothing forever.
func (e *Engine) checkWallet(ctx context.Context, address string) error {
	if address == e.walletChecked {
		return nil
	}
	addresses, err := e.ledger.WalletAddresses(ctx)
	if err != nil {
		return cycleError(KindLedger, StateCheckingLag, address, err)
	}
	if !slices.Contains(addresses, address) {
		return cycleError(KindConfig, StateCheckingLag, address, ErrAddressNotInWallet)
	}
	e.walletChecked = address
	return nil
}

func (e *Engine) reconcileLocked(ctx context.Context, address string, scope *models.Identity) (Result, error) {
	res := newResult()
	if strings.TrimSpace(address) == "" {
		return res, cycleError(KindConfig, StateFetching, address, errors.New("address is required"))
	}

	e.setState(StateFetching)
	known, err := e.store.ReceivedTransactionIDs()
	if err != nil {
		return res, cycleError(KindStorage, StateFetching, address, err)
	}
	txs, err := e.ledger.TransactionsForAddress(ctx, address)
	if err != nil {
		return res, cycleError(KindLedger, StateFetching, address, err)
	}

	e.setState(StateDecoding)
	batch, skipped, err := e.decode(ctx, address, txs, known)
	res.Skipped += skipped
	if err != nil {
		return res, err
	}
	if len(batch) == 0 {
		return res, nil
	}

	e.setState(StateResolving)
	out, err := e.resolver.ResolveBatch(ctx, scope, batch)
	res.Stored += out.Stored
	res.Skipped += out.Dropped
	res.NewContactCreated = out.NewContactCreated
	for id, identity := range out.Changed {
		res.Changed[id] = identity
	}
	if e.recorder != nil {
		e.recorder.MessagesStored(out.Stored-out.StoredAnonymous, out.StoredAnonymous, out.Failed)
		e.recorder.TransactionsSkipped(SkipPolicy, out.Dropped)
	}
	if err != nil {
		return res, cycleError(classifyResolveError(err), StateResolving, address, err)
	}

	e.setState(StatePersisting)
	e.logger.Info("reconcile: address reconciled",
		"address", address,
		"group", scope != nil,
		"stored", out.Stored,
		"failed_signatures", out.Failed,
		"skipped", res.Skipped,
		"fetched", humanize.Comma(int64(len(txs))))
	return res, nil
}

// decode turns new transactions into validated envelopes. Only the ledger
// timestamp lookup can fail the cycle; bad memos are skipped.
func (e *Engine) decode(ctx context.Context, address string, txs []ledger.Transaction, known map[string]struct{}) ([]resolver.Incoming, int, error) {
	batch := make([]resolver.Incoming, 0, len(txs))
	counts := make(map[string]int)
	inBatch := make(map[string]struct{}, len(txs))

	for _, tx := range txs {
		if _, ok := known[tx.TransactionID]; ok {
			counts[SkipDuplicate]++
			continue
		}
		if _, ok := inBatch[tx.TransactionID]; ok {
			counts[SkipDuplicate]++
			continue
		}
		if isEmptyMemo(tx.MemoHex) {
			counts[SkipEmptyMemo]++
			continue
		}

		env, err := protocol.Decode(tx.MemoHex)
		if err != nil {
			counts[SkipDecode]++
			e.warnOnce("reconcile: undecodable memo skipped", tx, err)
			continue
		}
		if err := protocol.Validate(env); err != nil {
			counts[SkipInvalid]++
			e.warnOnce("reconcile: invalid envelope skipped", tx, err)
			continue
		}

		at, err := e.ledger.TransactionTime(ctx, tx.TransactionID)
		if err != nil {
			return nil, total(counts), cycleError(KindLedger, StateDecoding, address, err)
		}

		inBatch[tx.TransactionID] = struct{}{}
		batch = append(batch, resolver.Incoming{
			Envelope:      env,
			TransactionID: tx.TransactionID,
			Timestamp:     at,
		})
	}

	if e.recorder != nil {
		for reason, n := range counts {
			e.recorder.TransactionsSkipped(reason, n)
		}
	}
	return batch, total(counts), nil
}

func (e *Engine) warnOnce(msg string, tx ledger.Transaction, err error) {
	fingerprint := crypto.PayloadFingerprint([]byte(strings.ToLower(tx.MemoHex)))
	if !e.once.First(fingerprint) {
		return
	}
	e.logger.Warn(msg,
		"transaction_id", tx.TransactionID,
		"fingerprint", crypto.FormatFingerprint(fingerprint),
		"error", err)
}

func (e *Engine) finish(started time.Time, res Result, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
		e.logger.Error("reconcile: cycle failed", "error", err)
	case res.Stale:
		outcome = "skipped"
	}
	if e.recorder != nil {
		e.recorder.CycleFinished(outcome, e.now().Sub(started))
	}
}

// isEmptyMemo matches memos of plain payments: nothing, or the 0xF6 "no
// memo" marker followed by zero padding.
func isEmptyMemo(memoHex string) bool {
	memo := strings.ToLower(strings.TrimSpace(memoHex))
	memo = strings.TrimPrefix(memo, "f6")
	return strings.Trim(memo, "0") == ""
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
