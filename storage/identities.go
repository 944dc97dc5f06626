package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"memochat/models"
)

const identityColumns = `
			identity_id,
			kind,
			nickname,
			first_name,
			middle_name,
			surname,
			email,
			street_address,
			facebook,
			twitter,
			sender_address,
			send_receive_address,
			thread_id,
			created_at,
			updated_at`

// unknownPrefixLen is how much of a sender address goes into a placeholder nickname.
const unknownPrefixLen = 10

// OwnIdentity returns the local identity, or ErrNotFound before setup.
func (s *Store) OwnIdentity() (*models.Identity, error) {
	row := s.db.QueryRow(
		`SELECT`+identityColumns+`
		FROM identities
		WHERE kind = ?`,
		models.IdentityOwn,
	)

	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get own identity: %w", err)
	}
	return identity, nil
}

// SetOwnIdentity creates or replaces the own identity.
func (s *Store) SetOwnIdentity(identity models.Identity) (*models.Identity, error) {
	identity.Kind = models.IdentityOwn
	if strings.TrimSpace(identity.SenderAddress) == "" {
		return nil, errors.New("sender_address is required")
	}
	if strings.TrimSpace(identity.SendReceiveAddress) == "" {
		return nil, errors.New("send_receive_address is required")
	}

	existing, err := s.OwnIdentity()
	switch {
	case err == nil:
		identity.ID = existing.ID
		identity.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		identity.ID = ""
	default:
		return nil, err
	}

	return s.saveIdentity(identity)
}

// GetIdentity fetches an identity by id.
func (s *Store) GetIdentity(identityID string) (*models.Identity, error) {
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}
	return s.findOne("get identity "+identityID, `identity_id = ?`, identityID)
}

// FindBySenderAddress returns the normal contact with the given sender address.
func (s *Store) FindBySenderAddress(address string) (*models.Identity, error) {
	if address == "" {
		return nil, ErrNotFound
	}
	return s.findOne("find identity by sender address",
		`kind = ? AND sender_address = ?`, models.IdentityNormal, address)
}

// FindByThreadID returns the anonymous contact, or the normal contact an
// anonymous thread was started with, that carries the given thread id.
func (s *Store) FindByThreadID(threadID string) (*models.Identity, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	return s.findOne("find identity by thread id",
		`kind IN (?, ?) AND thread_id = ?`, models.IdentityAnonymous, models.IdentityNormal, threadID)
}

// FindGroupByAddress returns the group with the given send/receive address.
func (s *Store) FindGroupByAddress(address string) (*models.Identity, error) {
	if address == "" {
		return nil, ErrNotFound
	}
	return s.findOne("find group by address",
		`kind = ? AND send_receive_address = ?`, models.IdentityGroup, address)
}

// ListIdentities returns identities ordered by creation time.
func (s *Store) ListIdentities(filter IdentityFilter) ([]models.Identity, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, len(filter.Kinds)+1)

	if len(filter.Kinds) > 0 {
		placeholders := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			if err := validateIdentityKind(kind); err != nil {
				return nil, err
			}
			placeholders = append(placeholders, "?")
			args = append(args, kind)
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ",")+")")
	}
	if !filter.IncludeOwn {
		where = append(where, "kind <> ?")
		args = append(args, models.IdentityOwn)
	}

	query := `SELECT` + identityColumns + ` FROM identities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, identity_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]models.Identity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity rows: %w", err)
	}

	return identities, nil
}

// ListGroups returns every group identity.
func (s *Store) ListGroups() ([]models.Identity, error) {
	return s.ListIdentities(IdentityFilter{Kinds: []models.IdentityKind{models.IdentityGroup}})
}

// CreateUnknownPlaceholder adds a normal contact for a sender seen for the first time.
func (s *Store) CreateUnknownPlaceholder(senderAddress string) (*models.Identity, error) {
	if strings.TrimSpace(senderAddress) == "" {
		return nil, errors.New("sender_address is required")
	}
	prefix := senderAddress
	if len(prefix) > unknownPrefixLen {
		prefix = prefix[:unknownPrefixLen]
	}
	return s.saveIdentity(models.Identity{
		Kind:          models.IdentityNormal,
		Nickname:      "Unknown_" + prefix,
		SenderAddress: senderAddress,
	})
}

// CreateAnonymousPlaceholder adds an anonymous contact for a new thread.
// returnAddress may be empty.
func (s *Store) CreateAnonymousPlaceholder(threadID, returnAddress string) (*models.Identity, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("thread_id is required")
	}
	prefix := threadID
	if len(prefix) > unknownPrefixLen {
		prefix = prefix[:unknownPrefixLen]
	}
	return s.saveIdentity(models.Identity{
		Kind:               models.IdentityAnonymous,
		Nickname:           "Anonymous_" + prefix,
		ThreadID:           threadID,
		SendReceiveAddress: returnAddress,
	})
}

// UpdateIdentity upserts an identity. Rows are matched by ID when set, else
// by the kind's natural key: sender address for normal contacts, thread id
// for anonymous contacts and send/receive address for groups.
func (s *Store) UpdateIdentity(identity models.Identity) (*models.Identity, error) {
	if identity.Kind == "" {
		identity.Kind = models.IdentityNormal
	}
	if err := validateIdentityKind(identity.Kind); err != nil {
		return nil, err
	}
	if identity.Kind == models.IdentityOwn {
		return s.SetOwnIdentity(identity)
	}

	if identity.ID == "" {
		existing, err := s.findByNaturalKey(identity)
		switch {
		case err == nil:
			identity.ID = existing.ID
			identity.CreatedAt = existing.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	} else {
		existing, err := s.GetIdentity(identity.ID)
		if err != nil {
			return nil, err
		}
		identity.CreatedAt = existing.CreatedAt
	}

	return s.saveIdentity(identity)
}

// RemoveIdentity deletes a contact or group and ignores its sender address and
// thread id in the same transaction. Stored messages are kept so their
// transaction ids keep suppressing reprocessing.
func (s *Store) RemoveIdentity(identityID string) error {
	identity, err := s.GetIdentity(identityID)
	if err != nil {
		return err
	}
	if identity.Kind == models.IdentityOwn {
		return errors.New("own identity cannot be removed")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remove identity transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM identities WHERE identity_id = ?`, identityID); err != nil {
		return fmt.Errorf("remove identity %q: %w", identityID, err)
	}

	keys := make([]string, 0, 2)
	if key := identity.IgnoreKey(); key != "" && !identity.IsGroup() {
		keys = append(keys, key)
	}
	// A thread id assigned by an earlier anonymous send would otherwise
	// recreate the identity as an anonymous placeholder.
	if identity.ThreadID != "" && (len(keys) == 0 || keys[0] != identity.ThreadID) {
		keys = append(keys, identity.ThreadID)
	}
	for _, key := range keys {
		if err := insertIgnoreEntry(tx, models.IgnoreEntry{AddressOrThread: key}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove identity %q: %w", identityID, err)
	}
	return nil
}

func (s *Store) findByNaturalKey(identity models.Identity) (*models.Identity, error) {
	switch identity.Kind {
	case models.IdentityNormal:
		return s.FindBySenderAddress(identity.SenderAddress)
	case models.IdentityAnonymous:
		if identity.ThreadID == "" {
			return nil, ErrNotFound
		}
		return s.findOne("find anonymous identity by thread id",
			`kind = ? AND thread_id = ?`, models.IdentityAnonymous, identity.ThreadID)
	case models.IdentityGroup:
		return s.FindGroupByAddress(identity.SendReceiveAddress)
	default:
		return nil, ErrNotFound
	}
}

func (s *Store) findOne(op, where string, args ...any) (*models.Identity, error) {
	row := s.db.QueryRow(
		`SELECT`+identityColumns+`
		FROM identities
		WHERE `+where+`
		ORDER BY created_at, identity_id
		LIMIT 1`,
		args...,
	)

	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return identity, nil
}

// saveIdentity inserts a new row when ID is empty, else overwrites the row.
func (s *Store) saveIdentity(identity models.Identity) (*models.Identity, error) {
	if err := validateIdentityKind(identity.Kind); err != nil {
		return nil, err
	}
	if identity.Kind == models.IdentityGroup && strings.TrimSpace(identity.SendReceiveAddress) == "" {
		return nil, errors.New("group send_receive_address is required")
	}

	now := nowUnixMilli()
	if identity.CreatedAt == 0 {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now

	if identity.ID == "" {
		identity.ID = uuid.NewString()
		_, err := s.db.Exec(
			`INSERT INTO identities (`+identityColumns+`
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			identityArgs(identity)...,
		)
		if err != nil {
			if identity.Kind == models.IdentityOwn && strings.Contains(err.Error(), "UNIQUE") {
				return nil, ErrOwnIdentityExists
			}
			return nil, fmt.Errorf("insert identity %q: %w", identity.ID, err)
		}
		return &identity, nil
	}

	res, err := s.db.Exec(
		`UPDATE identities
		SET kind = ?,
		    nickname = ?,
		    first_name = ?,
		    middle_name = ?,
		    surname = ?,
		    email = ?,
		    street_address = ?,
		    facebook = ?,
		    twitter = ?,
		    sender_address = ?,
		    send_receive_address = ?,
		    thread_id = ?,
		    created_at = ?,
		    updated_at = ?
		WHERE identity_id = ?`,
		append(identityArgs(identity)[1:], identity.ID)...,
	)
	if err != nil {
		return nil, fmt.Errorf("update identity %q: %w", identity.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("read rows affected for update identity %q: %w", identity.ID, err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return &identity, nil
}

func identityArgs(identity models.Identity) []any {
	return []any{
		identity.ID,
		identity.Kind,
		identity.Nickname,
		identity.FirstName,
		identity.MiddleName,
		identity.Surname,
		identity.Email,
		identity.StreetAddress,
		identity.Facebook,
		identity.Twitter,
		identity.SenderAddress,
		identity.SendReceiveAddress,
		identity.ThreadID,
		identity.CreatedAt,
		identity.UpdatedAt,
	}
}

func scanIdentity(row scanner) (*models.Identity, error) {
	var (
		identity models.Identity
		kind     string
	)
	if err := row.Scan(
		&identity.ID,
		&kind,
		&identity.Nickname,
		&identity.FirstName,
		&identity.MiddleName,
		&identity.Surname,
		&identity.Email,
		&identity.StreetAddress,
		&identity.Facebook,
		&identity.Twitter,
		&identity.SenderAddress,
		&identity.SendReceiveAddress,
		&identity.ThreadID,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	); err != nil {
		return nil, err
	}
	identity.Kind = models.IdentityKind(kind)
	return &identity, nil
}
