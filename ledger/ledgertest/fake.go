// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"memochat/ledger"
)

// ErrUnavailable is returned by every call while Fake.Down is set.
var ErrUnavailable = errors.New("ledgertest: ledger unavailable")

// Fake is a scriptable in-memory ledger. Signatures are valid when they equal
// ValidSignature(address, payload).
type Fake struct {
	mu sync.Mutex

	inbox     map[string][]ledger.Transaction
	txTimes   map[string]time.Time
	lastBlock time.Time
	wallet    []string
	down      bool
	verifyErr error

	FetchCalls  int
	VerifyCalls int
	Sent        []ledger.SendRequest
}

// NewFake returns a ledger whose last block time is lastBlock.
func NewFake(lastBlock time.Time) *Fake {
	return &Fake{
		inbox:     make(map[string][]ledger.Transaction),
		txTimes:   make(map[string]time.Time),
		lastBlock: lastBlock,
	}
}

// ValidSignature is the signature Fake accepts for address over payload.
func ValidSignature(address, payload string) string {
	return fmt.Sprintf("sig(%s,%s)", address, payload)
}

// Deliver adds a transaction to address's inbox.
func (f *Fake) Deliver(address, transactionID, memoHex string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox[address] = append(f.inbox[address], ledger.Transaction{TransactionID: transactionID, MemoHex: memoHex})
	f.txTimes[transactionID] = at
}

// SetLastBlock moves the chain tip time.
func (f *Fake) SetLastBlock(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBlock = t
}

// SetWalletAddresses replaces the addresses WalletAddresses reports.
func (f *Fake) SetWalletAddresses(addresses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallet = append([]string(nil), addresses...)
}

// SetDown makes every call fail with ErrUnavailable.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetVerifyError makes VerifyMessage fail with err.
func (f *Fake) SetVerifyError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyErr = err
}

// Fetches returns how many times TransactionsForAddress was called.
func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FetchCalls
}

// SentRequests returns a copy of every SendMemo request.
func (f *Fake) SentRequests() []ledger.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.SendRequest(nil), f.Sent...)
}

func (f *Fake) TransactionsForAddress(_ context.Context, address string) ([]ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrUnavailable
	}
	f.FetchCalls++
	return append([]ledger.Transaction(nil), f.inbox[address]...), nil
}

func (f *Fake) TransactionTime(_ context.Context, transactionID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return time.Time{}, ErrUnavailable
	}
	return f.txTimes[transactionID], nil
}

func (f *Fake) ChainSyncInfo(context.Context) (ledger.SyncInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return ledger.SyncInfo{}, ErrUnavailable
	}
	return ledger.SyncInfo{LastBlockTime: f.lastBlock}, nil
}

func (f *Fake) SignMessage(_ context.Context, address, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", ErrUnavailable
	}
	return ValidSignature(address, payload), nil
}

func (f *Fake) VerifyMessage(_ context.Context, address, signature, payload string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, ErrUnavailable
	}
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	f.VerifyCalls++
	return signature == ValidSignature(address, payload), nil
}

func (f *Fake) WalletAddresses(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrUnavailable
	}
	return append([]string(nil), f.wallet...), nil
}

func (f *Fake) SendMemo(_ context.Context, req ledger.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", ErrUnavailable
	}
	f.Sent = append(f.Sent, req)
	return fmt.Sprintf("opid-%d", len(f.Sent)), nil
}

var _ ledger.Client = (*Fake)(nil)
