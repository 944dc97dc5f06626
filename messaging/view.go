package messaging

import (
	"errors"

	"memochat/models"
	"memochat/protocol"
	"memochat/storage"
)

// ConversationView returns an identity's messages as they should be shown.
// For groups it hides copies of our own messages coming back from the group
// address and messages of senders ignored in that group.
func ConversationView(store Store, identityID string) ([]models.Message, error) {
	store.Lock()
	defer store.Unlock()

	identity, err := store.GetIdentity(identityID)
	if err != nil {
		return nil, err
	}
	messages, err := store.AllMessagesFor(identityID)
	if err != nil {
		return nil, err
	}
	if !identity.IsGroup() {
		return messages, nil
	}

	var ownSender string
	own, err := store.OwnIdentity()
	switch {
	case err == nil:
		ownSender = own.SenderAddress
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	visible := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Direction == models.DirectionReceived {
			if !m.IsAnonymous && ownSender != "" && m.From == ownSender {
				continue
			}
			ignored, err := store.IsIgnored(m.SenderKey(), identity.SendReceiveAddress)
			if err != nil {
				return nil, err
			}
			if ignored {
				continue
			}
		}
		visible = append(visible, m)
	}
	return visible, nil
}

// KnownGroupSenders returns the identities announced in a group, keyed by
// sender address. Only payloads we sent or whose signature checked out count;
// a later announcement replaces an earlier one.
func KnownGroupSenders(store Store, groupID string) (map[string]protocol.IdentityPayload, error) {
	store.Lock()
	defer store.Unlock()

	group, err := store.GetIdentity(groupID)
	if err != nil {
		return nil, err
	}
	if !group.IsGroup() {
		return nil, errors.New("identity is not a group")
	}

	messages, err := store.AllMessagesFor(groupID)
	if err != nil {
		return nil, err
	}

	senders := make(map[string]protocol.IdentityPayload)
	for _, m := range messages {
		trusted := m.Direction == models.DirectionSent || m.Verification == models.VerificationOK
		if !trusted || m.IsAnonymous {
			continue
		}
		payload, ok := protocol.ParseIdentityPayload(m.Body)
		if !ok || payload.SenderAddress == "" {
			continue
		}
		// The payload must describe the address that signed it.
		if m.Direction == models.DirectionReceived && payload.SenderAddress != m.From {
			continue
		}
		senders[payload.SenderAddress] = payload
	}
	return senders, nil
}
