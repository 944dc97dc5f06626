package messaging

import (
	"errors"
	"fmt"
	"io"

	"memochat/models"
	"memochat/protocol"
	"memochat/storage"
)

var (
	ErrInvalidIdentityFile = errors.New("messaging: not an identity file")
	ErrImportOwnIdentity   = errors.New("messaging: identity file describes the own identity")
)

// maxIdentityFileSize guards against reading arbitrary files as identities.
const maxIdentityFileSize = 64 << 10

// PayloadOf converts an identity to the payload exchanged with peers.
func PayloadOf(identity models.Identity) protocol.IdentityPayload {
	return protocol.IdentityPayload{
		Nickname:           identity.Nickname,
		FirstName:          identity.FirstName,
		MiddleName:         identity.MiddleName,
		Surname:            identity.Surname,
		Email:              identity.Email,
		StreetAddress:      identity.StreetAddress,
		Facebook:           identity.Facebook,
		Twitter:            identity.Twitter,
		SenderAddress:      identity.SenderAddress,
		SendReceiveAddress: identity.SendReceiveAddress,
	}
}

// ExportIdentity writes the own identity as an identity file.
func ExportIdentity(store Store, w io.Writer) error {
	store.Lock()
	own, err := store.OwnIdentity()
	store.Unlock()
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoOwnIdentity
	}
	if err != nil {
		return err
	}

	raw, err := protocol.MarshalIdentityFile(PayloadOf(*own))
	if err != nil {
		return err
	}
	if _, err := w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// ImportContact reads an identity file and adds it as a normal contact. A
// contact with the same sender address is updated in place; created reports
// which of the two happened.
func ImportContact(store Store, r io.Reader) (contact *models.Identity, created bool, err error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxIdentityFileSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("read identity file: %w", err)
	}
	if len(raw) > maxIdentityFileSize {
		return nil, false, fmt.Errorf("%w: file too large", ErrInvalidIdentityFile)
	}

	payload, ok := protocol.ParseIdentityPayload(string(raw))
	if !ok {
		return nil, false, ErrInvalidIdentityFile
	}
	if payload.SenderAddress == "" || payload.SendReceiveAddress == "" {
		return nil, false, fmt.Errorf("%w: addresses are required", ErrInvalidIdentityFile)
	}

	store.Lock()
	defer store.Unlock()

	own, err := store.OwnIdentity()
	switch {
	case err == nil:
		if own.SenderAddress == payload.SenderAddress || own.SendReceiveAddress == payload.SendReceiveAddress {
			return nil, false, ErrImportOwnIdentity
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}

	identity := models.Identity{Kind: models.IdentityNormal}
	existing, err := store.FindBySenderAddress(payload.SenderAddress)
	switch {
	case err == nil:
		identity = *existing
	case errors.Is(err, storage.ErrNotFound):
		created = true
	default:
		return nil, false, err
	}

	applyPayload(&identity, payload)
	contact, err = store.UpdateIdentity(identity)
	if err != nil {
		return nil, false, err
	}
	return contact, created, nil
}

func applyPayload(identity *models.Identity, p protocol.IdentityPayload) {
	identity.Nickname = p.Nickname
	identity.FirstName = p.FirstName
	identity.MiddleName = p.MiddleName
	identity.Surname = p.Surname
	identity.Email = p.Email
	identity.StreetAddress = p.StreetAddress
	identity.Facebook = p.Facebook
	identity.Twitter = p.Twitter
	identity.SenderAddress = p.SenderAddress
	identity.SendReceiveAddress = p.SendReceiveAddress
}
