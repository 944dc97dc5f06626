package models

import "strings"

// IdentityKind distinguishes the roles a messaging identity can play.
type IdentityKind string

const (
	// IdentityOwn is the local party's own identity. At most one exists.
	IdentityOwn IdentityKind = "own"
	// IdentityNormal is a contact known by its sender address.
	IdentityNormal IdentityKind = "normal"
	// IdentityAnonymous is a contact known only by a thread id.
	IdentityAnonymous IdentityKind = "anonymous"
	// IdentityGroup is a shared channel addressed by its send/receive address.
	IdentityGroup IdentityKind = "group"
)

// Identity is a messaging identity: the own identity, a contact or a group.
type Identity struct {
	ID                 string       `json:"id"`
	Kind               IdentityKind `json:"kind"`
	Nickname           string       `json:"nickname"`
	FirstName          string       `json:"firstname"`
	MiddleName         string       `json:"middlename"`
	Surname            string       `json:"surname"`
	Email              string       `json:"email"`
	StreetAddress      string       `json:"streetaddress"`
	Facebook           string       `json:"facebook"`
	Twitter            string       `json:"twitter"`
	SenderAddress      string       `json:"senderidaddress"`
	SendReceiveAddress string       `json:"sendreceiveaddress"`
	ThreadID           string       `json:"threadid"`
	CreatedAt          int64        `json:"created_at"`
	UpdatedAt          int64        `json:"updated_at"`
}

// IsGroup reports whether the identity is a group channel.
func (i Identity) IsGroup() bool {
	return i.Kind == IdentityGroup
}

// IsAnonymous reports whether the identity was created from an anonymous thread.
func (i Identity) IsAnonymous() bool {
	return i.Kind == IdentityAnonymous
}

// DisplayName returns a short human readable label.
func (i Identity) DisplayName() string {
	name := strings.TrimSpace(strings.Join(nonEmpty(i.FirstName, i.MiddleName, i.Surname), " "))
	switch {
	case i.Nickname != "" && name != "":
		return i.Nickname + " (" + name + ")"
	case i.Nickname != "":
		return i.Nickname
	case name != "":
		return name
	case i.SenderAddress != "":
		return "<" + i.SenderAddress + ">"
	case i.ThreadID != "":
		return "Anonymous " + i.ThreadID
	default:
		return i.SendReceiveAddress
	}
}

// IgnoreKey returns the address or thread id used to ignore this identity.
func (i Identity) IgnoreKey() string {
	switch i.Kind {
	case IdentityAnonymous:
		return i.ThreadID
	case IdentityGroup:
		return i.SendReceiveAddress
	default:
		return i.SenderAddress
	}
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
