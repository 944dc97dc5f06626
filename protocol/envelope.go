package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// EnvelopeKey is the wrapper key every message memo carries.
	EnvelopeKey = "zenmsg"
	// ProtocolVersion is the envelope version written by this implementation.
	ProtocolVersion = 1
	// MaxMemoSize is the largest encoded wrapper accepted for sending, in bytes.
	MaxMemoSize = 512
)

var (
	// ErrDecode indicates a memo that is not a message envelope at all.
	ErrDecode = errors.New("protocol: cannot decode memo")
	// ErrInvalidEnvelope indicates an envelope missing required fields.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	// ErrMemoTooLarge indicates an encoded wrapper above MaxMemoSize.
	ErrMemoTooLarge = errors.New("protocol: memo exceeds max size")
)

// Envelope is a decoded message memo. It is either Normal or Anonymous.
type Envelope interface {
	// Ver returns the protocol version carried on the wire.
	Ver() int
	// Text returns the message body.
	Text() string

	sealed()
}

// Normal is a signed message from a known sender address.
type Normal struct {
	Version int    `json:"ver"`
	From    string `json:"from"`
	Message string `json:"message"`
	Sign    string `json:"sign"`
}

// Anonymous is an unsigned message correlated by thread id.
type Anonymous struct {
	Version       int    `json:"ver"`
	Message       string `json:"message"`
	ThreadID      string `json:"threadid"`
	ReturnAddress string `json:"returnaddress,omitempty"`
}

func (n Normal) Ver() int     { return n.Version }
func (n Normal) Text() string { return n.Message }
func (Normal) sealed()        {}

func (a Anonymous) Ver() int     { return a.Version }
func (a Anonymous) Text() string { return a.Message }
func (Anonymous) sealed()        {}

// rawInner mirrors the loosely typed inner object seen on the ledger.
type rawInner struct {
	Version       json.Number `json:"ver"`
	From          string      `json:"from"`
	Message       string      `json:"message"`
	Sign          string      `json:"sign"`
	ThreadID      *string     `json:"threadid"`
	ReturnAddress string      `json:"returnaddress"`
}

// Decode turns a hex memo into an envelope. It does not validate required
// fields; call Validate for that.
func Decode(memoHex string) (Envelope, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(memoHex))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex: %v", ErrDecode, err)
	}
	// Shielded memos are fixed size and padded with zero bytes.
	raw = bytes.TrimRight(raw, "\x00")
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty memo", ErrDecode)
	}
	return DecodeJSON(raw)
}

// DecodeJSON parses an already hex-decoded wrapper object.
func DecodeJSON(raw []byte) (Envelope, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrDecode, err)
	}
	innerRaw, ok := wrapper[EnvelopeKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q wrapper", ErrDecode, EnvelopeKey)
	}

	if bytes.Equal(bytes.TrimSpace(innerRaw), []byte("null")) {
		return nil, fmt.Errorf("%w: %q is null", ErrDecode, EnvelopeKey)
	}

	dec := json.NewDecoder(bytes.NewReader(innerRaw))
	dec.UseNumber()
	var inner rawInner
	if err := dec.Decode(&inner); err != nil {
		return nil, fmt.Errorf("%w: invalid %q object: %v", ErrDecode, EnvelopeKey, err)
	}

	version := parseVersion(inner.Version)
	if inner.ThreadID != nil {
		return Anonymous{
			Version:       version,
			Message:       inner.Message,
			ThreadID:      *inner.ThreadID,
			ReturnAddress: inner.ReturnAddress,
		}, nil
	}
	return Normal{
		Version: version,
		From:    inner.From,
		Message: inner.Message,
		Sign:    inner.Sign,
	}, nil
}

// parseVersion accepts 1 as well as 1.0; anything unusable maps to -1.
func parseVersion(n json.Number) int {
	if n == "" {
		return -1
	}
	if v, err := n.Int64(); err == nil {
		return int(v)
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return -1
	}
	return int(f)
}

// Validate checks the structural invariants of an envelope.
func Validate(env Envelope) error {
	switch e := env.(type) {
	case Normal:
		switch {
		case e.Version <= 0:
			return fmt.Errorf("%w: version must be > 0", ErrInvalidEnvelope)
		case e.Message == "":
			return fmt.Errorf("%w: message is required", ErrInvalidEnvelope)
		case e.From == "":
			return fmt.Errorf("%w: from is required", ErrInvalidEnvelope)
		case e.Sign == "":
			return fmt.Errorf("%w: sign is required", ErrInvalidEnvelope)
		}
	case Anonymous:
		switch {
		case e.Version <= 0:
			return fmt.Errorf("%w: version must be > 0", ErrInvalidEnvelope)
		case e.Message == "":
			return fmt.Errorf("%w: message is required", ErrInvalidEnvelope)
		case e.ThreadID == "":
			return fmt.Errorf("%w: threadid is required", ErrInvalidEnvelope)
		}
	case nil:
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	default:
		return fmt.Errorf("%w: unknown envelope type %T", ErrInvalidEnvelope, env)
	}
	return nil
}

// Valid is Validate reduced to a boolean.
func Valid(env Envelope) bool {
	return Validate(env) == nil
}

// Encode returns the UTF-8 JSON wrapper for an envelope and enforces MaxMemoSize.
func Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(map[string]Envelope{EnvelopeKey: env})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(raw) > MaxMemoSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMemoTooLarge, len(raw), MaxMemoSize)
	}
	return raw, nil
}

// EncodeMemo is Encode followed by hex encoding, ready for a ledger memo field.
func EncodeMemo(env Envelope) (string, error) {
	raw, err := Encode(env)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
