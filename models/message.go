package models

// Direction tells whether a message was sent or received locally.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Verification is the terminal signature check outcome of a message.
type Verification string

const (
	VerificationUnverified Verification = "unverified"
	VerificationOK         Verification = "ok"
	VerificationFailed     Verification = "failed"
)

// Message is a stored conversation entry: wire fields plus locally computed ones.
type Message struct {
	MessageID     string       `json:"message_id"`
	IdentityID    string       `json:"identity_id"`
	Version       int          `json:"ver"`
	From          string       `json:"from"`
	Body          string       `json:"message"`
	Sign          string       `json:"sign"`
	ThreadID      string       `json:"threadid"`
	ReturnAddress string       `json:"returnaddress"`
	TransactionID string       `json:"transaction_id"`
	Timestamp     int64        `json:"timestamp"`
	Direction     Direction    `json:"direction"`
	Verification  Verification `json:"verification"`
	IsAnonymous   bool         `json:"is_anonymous"`
}

// SenderKey returns the sender address, or the thread id for anonymous messages.
func (m Message) SenderKey() string {
	if m.IsAnonymous {
		return m.ThreadID
	}
	return m.From
}
