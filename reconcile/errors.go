package reconcile

import (
	"context"
	"errors"
	"fmt"

	"memochat/crypto"
)

// ErrorKind classifies why a cycle aborted.
type ErrorKind string

const (
	// KindLedger means the ledger daemon could not be reached or answered with an error.
	KindLedger ErrorKind = "ledger"
	// KindStorage means reading or writing the identity store failed.
	KindStorage ErrorKind = "storage"
	// KindSignature means the signature verifier could not be reached.
	KindSignature ErrorKind = "signature"
	// KindConfig means the engine cannot run yet, e.g. no own identity.
	KindConfig ErrorKind = "config"
)

// ErrNoOwnIdentity aborts a cycle started before the own identity exists.
var ErrNoOwnIdentity = errors.New("reconcile: own identity is not set up")

// ErrAddressNotInWallet aborts a cycle whose own send/receive address is not
// held by the ledger node's wallet.
var ErrAddressNotInWallet = errors.New("reconcile: own address is not in the node wallet")

// CycleError carries enough context for a caller to explain a failed cycle.
type CycleError struct {
	Kind    ErrorKind
	Stage   State
	Address string
	Err     error
}

func (e *CycleError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("reconcile %s: %s error: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("reconcile %s %s: %s error: %v", e.Stage, e.Address, e.Kind, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a CycleError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var cycleErr *CycleError
	return errors.As(err, &cycleErr) && cycleErr.Kind == kind
}

func cycleError(kind ErrorKind, stage State, address string, err error) error {
	var existing *CycleError
	if errors.As(err, &existing) {
		return err
	}
	return &CycleError{Kind: kind, Stage: stage, Address: address, Err: err}
}

// classifyResolveError maps a resolver failure to a kind.
func classifyResolveError(err error) ErrorKind {
	switch {
	case errors.Is(err, crypto.ErrVerifierUnavailable):
		return KindSignature
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindLedger
	default:
		return KindStorage
	}
}
