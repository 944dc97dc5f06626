package crypto

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrVerifierUnavailable wraps transport failures of the external verifier.
var ErrVerifierUnavailable = errors.New("crypto: signature verifier unavailable")

// Verifier checks a signature made by the ledger wallet for an address.
type Verifier interface {
	VerifyMessage(ctx context.Context, address, signature, payload string) (bool, error)
}

// Signer signs a payload with the wallet key of an address.
type Signer interface {
	SignMessage(ctx context.Context, address, payload string) (string, error)
}

// SigningPayload is the text actually signed for a message: the upper-case
// hex encoding of its UTF-8 bytes.
func SigningPayload(text string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(text)))
}

// Gate verifies message authorship through an external Verifier.
type Gate struct {
	verifier Verifier
}

// NewGate builds a Gate around verifier.
func NewGate(verifier Verifier) *Gate {
	return &Gate{verifier: verifier}
}

// Verify reports whether signature was made by sender over text. A mismatch
// is (false, nil); only a failure to reach the verifier is an error.
func (g *Gate) Verify(ctx context.Context, sender, signature, text string) (bool, error) {
	if g == nil || g.verifier == nil {
		return false, fmt.Errorf("%w: no verifier configured", ErrVerifierUnavailable)
	}
	if sender == "" || signature == "" {
		return false, nil
	}

	ok, err := g.verifier.VerifyMessage(ctx, sender, signature, SigningPayload(text))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	return ok, nil
}

// Sign signs text for address through signer.
func Sign(ctx context.Context, signer Signer, address, text string) (string, error) {
	if signer == nil {
		return "", errors.New("signer is required")
	}
	if address == "" {
		return "", errors.New("address is required")
	}
	if text == "" {
		return "", errors.New("text is required")
	}

	signature, err := signer.SignMessage(ctx, address, SigningPayload(text))
	if err != nil {
		return "", fmt.Errorf("sign message for %q: %w", address, err)
	}
	if signature == "" {
		return "", fmt.Errorf("sign message for %q: empty signature", address)
	}
	return signature, nil
}
