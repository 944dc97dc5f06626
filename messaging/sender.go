// Package messaging is the outgoing side of memochat: sending messages and
// identity payloads, identity file exchange and the conversation views built
// on top of the store.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"memochat/crypto"
	"memochat/ledger"
	"memochat/logging"
	"memochat/models"
	"memochat/protocol"
	"memochat/storage"
)

var (
	ErrNoOwnIdentity         = errors.New("messaging: own identity is not set up")
	ErrNoConversationAddress = errors.New("messaging: identity has no send/receive address")
	ErrEmptyMessage          = errors.New("messaging: message is empty")
	ErrAnonymousNeedsSender  = errors.New("messaging: anonymous messages need a contact with a sender address")
	ErrSendToSelf            = errors.New("messaging: cannot send to the own identity")
)

// Default per-message amounts, in coins.
const (
	DefaultAmount = 0.0001
	DefaultFee    = 0.0001
)

// Store is the part of storage.Store the messaging package uses.
type Store interface {
	Lock()
	Unlock()
	OwnIdentity() (*models.Identity, error)
	GetIdentity(identityID string) (*models.Identity, error)
	FindBySenderAddress(address string) (*models.Identity, error)
	UpdateIdentity(identity models.Identity) (*models.Identity, error)
	AppendMessage(identityID string, message models.Message) (*models.Message, error)
	AllMessagesFor(identityID string) ([]models.Message, error)
	IsIgnored(addressOrThread, groupAddress string) (bool, error)
}

// Ledger signs and sends memos.
type Ledger interface {
	crypto.Signer
	SendMemo(ctx context.Context, req ledger.SendRequest) (string, error)
}

// Config tunes a Sender.
type Config struct {
	Amount float64
	Fee    float64
	Logger *slog.Logger
	// NewThreadID generates thread ids for first anonymous sends.
	NewThreadID func() string
}

// SendOptions selects how a message is sent.
type SendOptions struct {
	Anonymous bool
	// IncludeReturnAddress reveals the own send/receive address to the
	// recipient of an anonymous message. Ignored for groups.
	IncludeReturnAddress bool
}

// Receipt describes a submitted message.
type Receipt struct {
	Message     models.Message
	OperationID string
}

// Sender submits messages to the ledger and records them locally.
type Sender struct {
	store       Store
	ledger      Ledger
	amount      float64
	fee         float64
	logger      *slog.Logger
	newThreadID func() string
}

// NewSender creates a Sender.
func NewSender(store Store, client Ledger, cfg Config) *Sender {
	if cfg.Amount <= 0 {
		cfg.Amount = DefaultAmount
	}
	if cfg.Fee <= 0 {
		cfg.Fee = DefaultFee
	}
	if cfg.NewThreadID == nil {
		cfg.NewThreadID = uuid.NewString
	}
	return &Sender{
		store:       store,
		ledger:      client,
		amount:      cfg.Amount,
		fee:         cfg.Fee,
		logger:      logging.OrDefault(cfg.Logger),
		newThreadID: cfg.NewThreadID,
	}
}

// Send sends text to the identity's send/receive address and appends it to
// the conversation as a SENT message.
func (s *Sender) Send(ctx context.Context, identityID, text string, opts SendOptions) (*Receipt, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	s.store.Lock()
	defer s.store.Unlock()

	own, contact, err := s.participants(identityID)
	if err != nil {
		return nil, err
	}
	return s.sendLocked(ctx, own, contact, text, opts)
}

// SendIdentity sends the own identity payload as a signed message so the
// recipient can add or update us as a contact.
func (s *Sender) SendIdentity(ctx context.Context, identityID string) (*Receipt, error) {
	s.store.Lock()
	defer s.store.Unlock()

	own, contact, err := s.participants(identityID)
	if err != nil {
		return nil, err
	}

	payload, err := protocol.EncodeIdentityPayload(PayloadOf(*own))
	if err != nil {
		return nil, err
	}
	return s.sendLocked(ctx, own, contact, payload, SendOptions{})
}

func (s *Sender) participants(identityID string) (*models.Identity, *models.Identity, error) {
	own, err := s.store.OwnIdentity()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNoOwnIdentity
	}
	if err != nil {
		return nil, nil, err
	}

	contact, err := s.store.GetIdentity(identityID)
	if err != nil {
		return nil, nil, err
	}
	if contact.Kind == models.IdentityOwn {
		return nil, nil, ErrSendToSelf
	}
	if contact.SendReceiveAddress == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoConversationAddress, contact.DisplayName())
	}
	return own, contact, nil
}

func (s *Sender) sendLocked(ctx context.Context, own, contact *models.Identity, text string, opts SendOptions) (*Receipt, error) {
	var (
		env     protocol.Envelope
		message = models.Message{
			Version:   protocol.ProtocolVersion,
			Body:      text,
			Direction: models.DirectionSent,
		}
	)

	if opts.Anonymous {
		threadID, err := s.ensureThreadID(contact)
		if err != nil {
			return nil, err
		}
		anon := protocol.Anonymous{
			Version:  protocol.ProtocolVersion,
			Message:  text,
			ThreadID: threadID,
		}
		if opts.IncludeReturnAddress && !contact.IsGroup() {
			anon.ReturnAddress = own.SendReceiveAddress
		}
		env = anon
		message.ThreadID = anon.ThreadID
		message.ReturnAddress = anon.ReturnAddress
		message.IsAnonymous = true
	} else {
		signature, err := crypto.Sign(ctx, s.ledger, own.SenderAddress, text)
		if err != nil {
			return nil, err
		}
		env = protocol.Normal{
			Version: protocol.ProtocolVersion,
			From:    own.SenderAddress,
			Message: text,
			Sign:    signature,
		}
		message.From = own.SenderAddress
		message.Sign = signature
	}

	memo, err := protocol.EncodeMemo(env)
	if err != nil {
		return nil, err
	}

	opid, err := s.ledger.SendMemo(ctx, ledger.SendRequest{
		From:    own.SendReceiveAddress,
		To:      contact.SendReceiveAddress,
		Amount:  s.amount,
		Fee:     s.fee,
		MemoHex: memo,
	})
	if err != nil {
		return nil, fmt.Errorf("send memo to %q: %w", contact.SendReceiveAddress, err)
	}

	stored, err := s.store.AppendMessage(contact.ID, message)
	if err != nil {
		return nil, err
	}

	s.logger.Info("messaging: message sent",
		"identity_id", contact.ID,
		"anonymous", opts.Anonymous,
		"operation_id", opid)
	return &Receipt{Message: *stored, OperationID: opid}, nil
}

// ensureThreadID returns the contact's thread id, assigning and persisting a
// new one on the first anonymous send.
func (s *Sender) ensureThreadID(contact *models.Identity) (string, error) {
	if contact.ThreadID != "" {
		return contact.ThreadID, nil
	}
	if contact.Kind == models.IdentityNormal && contact.SenderAddress == "" {
		return "", ErrAnonymousNeedsSender
	}

	contact.ThreadID = s.newThreadID()
	updated, err := s.store.UpdateIdentity(*contact)
	if err != nil {
		return "", err
	}
	*contact = *updated
	return contact.ThreadID, nil
}
