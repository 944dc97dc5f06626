package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// IdentityKey wraps a self-description payload sent as message text.
	IdentityKey = "zenmessagingidentity"
	// MaxIdentityPayloadSize bounds an outgoing identity payload, in bytes.
	MaxIdentityPayloadSize = 330
)

// ErrIdentityPayloadTooLarge indicates an identity payload above MaxIdentityPayloadSize.
var ErrIdentityPayloadTooLarge = errors.New("protocol: identity payload exceeds max size")

// IdentityPayload is the contact metadata exchanged between peers.
type IdentityPayload struct {
	Nickname           string `json:"nickname"`
	FirstName          string `json:"firstname,omitempty"`
	MiddleName         string `json:"middlename,omitempty"`
	Surname            string `json:"surname,omitempty"`
	Email              string `json:"email,omitempty"`
	StreetAddress      string `json:"streetaddress,omitempty"`
	Facebook           string `json:"facebook,omitempty"`
	Twitter            string `json:"twitter,omitempty"`
	SenderAddress      string `json:"senderidaddress"`
	SendReceiveAddress string `json:"sendreceiveaddress"`
}

var requiredIdentityKeys = []string{"nickname", "senderidaddress", "sendreceiveaddress"}

// ParseIdentityPayload reports whether text is an identity payload and returns it.
// Non-string values for known fields make the text an ordinary message.
func ParseIdentityPayload(text string) (IdentityPayload, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return IdentityPayload{}, false
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return IdentityPayload{}, false
	}
	innerRaw, ok := wrapper[IdentityKey]
	if !ok || bytes.Equal(bytes.TrimSpace(innerRaw), []byte("null")) {
		return IdentityPayload{}, false
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(innerRaw, &keys); err != nil {
		return IdentityPayload{}, false
	}
	for _, k := range requiredIdentityKeys {
		if _, ok := keys[k]; !ok {
			return IdentityPayload{}, false
		}
	}

	var p IdentityPayload
	if err := json.Unmarshal(innerRaw, &p); err != nil {
		return IdentityPayload{}, false
	}
	p.trim()
	return p, true
}

// EncodeIdentityPayload renders the compact form sent over the ledger. Only
// the fields a peer needs to reply are carried.
func EncodeIdentityPayload(p IdentityPayload) (string, error) {
	compact := struct {
		Nickname           string `json:"nickname"`
		FirstName          string `json:"firstname"`
		Surname            string `json:"surname"`
		SenderAddress      string `json:"senderidaddress"`
		SendReceiveAddress string `json:"sendreceiveaddress"`
	}{
		Nickname:           p.Nickname,
		FirstName:          p.FirstName,
		Surname:            p.Surname,
		SenderAddress:      p.SenderAddress,
		SendReceiveAddress: p.SendReceiveAddress,
	}
	raw, err := json.Marshal(map[string]any{IdentityKey: compact})
	if err != nil {
		return "", fmt.Errorf("marshal identity payload: %w", err)
	}
	if len(raw) > MaxIdentityPayloadSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrIdentityPayloadTooLarge, len(raw), MaxIdentityPayloadSize)
	}
	return string(raw), nil
}

// MarshalIdentityFile renders the full payload as indented JSON for file export.
func MarshalIdentityFile(p IdentityPayload) ([]byte, error) {
	raw, err := json.MarshalIndent(map[string]IdentityPayload{IdentityKey: p}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal identity file: %w", err)
	}
	return raw, nil
}

func (p *IdentityPayload) trim() {
	for _, f := range []*string{
		&p.Nickname, &p.FirstName, &p.MiddleName, &p.Surname, &p.Email,
		&p.StreetAddress, &p.Facebook, &p.Twitter, &p.SenderAddress, &p.SendReceiveAddress,
	} {
		*f = strings.TrimSpace(*f)
	}
}
