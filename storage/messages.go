package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"memochat/models"
)

const messageColumns = `
			message_id,
			identity_id,
			version,
			sender_address,
			body,
			signature,
			thread_id,
			return_address,
			is_anonymous,
			transaction_id,
			direction,
			verification,
			timestamp`

// AppendMessage adds a message to the end of an identity's conversation.
// The insert is a single statement, so a failure leaves nothing behind.
func (s *Store) AppendMessage(identityID string, message models.Message) (*models.Message, error) {
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}
	if message.Body == "" {
		return nil, errors.New("message body is required")
	}
	if message.Verification == "" {
		message.Verification = models.VerificationUnverified
	}
	if err := validateDirection(message.Direction); err != nil {
		return nil, err
	}
	if err := validateVerification(message.Verification); err != nil {
		return nil, err
	}
	if message.Direction == models.DirectionReceived && strings.TrimSpace(message.TransactionID) == "" {
		return nil, errors.New("transaction_id is required for received messages")
	}
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}
	message.IdentityID = identityID

	// The existence check and insert are one statement, so an identity removed
	// by another process between lookup and append never gets orphan rows.
	result, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM identities WHERE identity_id = ?)`,
		message.MessageID,
		message.IdentityID,
		message.Version,
		message.From,
		message.Body,
		message.Sign,
		message.ThreadID,
		message.ReturnAddress,
		boolToInt(message.IsAnonymous),
		message.TransactionID,
		message.Direction,
		message.Verification,
		message.Timestamp,
		message.IdentityID,
	)
	if err != nil {
		return nil, fmt.Errorf("append message %q for identity %q: %w", message.MessageID, identityID, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("append message %q rows affected: %w", message.MessageID, err)
	}
	if inserted == 0 {
		return nil, fmt.Errorf("append message for identity %q: %w", identityID, ErrNotFound)
	}

	return &message, nil
}

// AllMessagesFor returns an identity's messages in insertion order.
func (s *Store) AllMessagesFor(identityID string) ([]models.Message, error) {
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE identity_id = ?
		ORDER BY seq ASC`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for identity %q: %w", identityID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of stored messages per direction.
func (s *Store) CountMessages() (map[models.Direction]int64, error) {
	rows, err := s.db.Query(`SELECT direction, COUNT(1) FROM messages GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Direction]int64, 2)
	for rows.Next() {
		var (
			direction string
			count     int64
		)
		if err := rows.Scan(&direction, &count); err != nil {
			return nil, fmt.Errorf("scan message count row: %w", err)
		}
		counts[models.Direction(direction)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message count rows: %w", err)
	}

	return counts, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message      models.Message
		isAnonymous  int
		direction    string
		verification string
	)

	if err := row.Scan(
		&message.MessageID,
		&message.IdentityID,
		&message.Version,
		&message.From,
		&message.Body,
		&message.Sign,
		&message.ThreadID,
		&message.ReturnAddress,
		&isAnonymous,
		&message.TransactionID,
		&direction,
		&verification,
		&message.Timestamp,
	); err != nil {
		return nil, err
	}

	message.IsAnonymous = isAnonymous == 1
	message.Direction = models.Direction(direction)
	message.Verification = models.Verification(verification)
	return &message, nil
}
