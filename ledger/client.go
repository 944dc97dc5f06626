// Package ledger talks to the ledger daemon that carries messages in
// transaction memos.
package ledger

import (
	"context"
	"time"
)

// Transaction is one received ledger transaction with its memo.
type Transaction struct {
	TransactionID string
	MemoHex       string
}

// SyncInfo describes how far the local node has synchronized.
type SyncInfo struct {
	LastBlockTime time.Time
}

// SendRequest is one memo-carrying payment.
type SendRequest struct {
	From    string
	To      string
	Amount  float64
	Fee     float64
	MemoHex string
}

// Client is the subset of the ledger daemon used for messaging.
type Client interface {
	// TransactionsForAddress lists every transaction received by address.
	TransactionsForAddress(ctx context.Context, address string) ([]Transaction, error)
	// TransactionTime returns when a transaction was mined.
	TransactionTime(ctx context.Context, transactionID string) (time.Time, error)
	// ChainSyncInfo reports the time of the newest known block.
	ChainSyncInfo(ctx context.Context) (SyncInfo, error)
	// SignMessage signs payload with the key behind address.
	SignMessage(ctx context.Context, address, payload string) (string, error)
	// VerifyMessage checks signature over payload for address.
	VerifyMessage(ctx context.Context, address, signature, payload string) (bool, error)
	// WalletAddresses lists the shielded addresses the node's wallet holds.
	WalletAddresses(ctx context.Context) ([]string, error)
	// SendMemo submits a payment carrying a memo and returns the operation id.
	SendMemo(ctx context.Context, req SendRequest) (string, error)
}
