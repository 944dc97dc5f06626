package storage

import (
	"errors"
	"fmt"
	"time"

	"memochat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrOwnIdentityExists indicates an attempt to add a second own identity.
	ErrOwnIdentityExists = errors.New("storage: own identity already exists")
)

// Security event severities.
const (
	SecuritySeverityInfo    = "info"
	SecuritySeverityWarning = "warning"
)

// Security event types. The schema rejects any other value.
const (
	// SecurityEventSignatureFailed records a stored message whose signature did not verify.
	SecurityEventSignatureFailed = "signature_verification_failed"
	// SecurityEventIgnoredDropped records a message dropped by the ignore list.
	SecurityEventIgnoredDropped = "ignored_sender_dropped"
	// SecurityEventUnknownDropped records a message from an unknown sender dropped by policy.
	SecurityEventUnknownDropped = "unknown_sender_dropped"
	// SecurityEventPlaceholderCreated records an identity created from an unknown sender.
	SecurityEventPlaceholderCreated = "placeholder_identity_created"
)

// SecurityEvent is something the resolver did to, or refused for, a sender.
// Subject is the sender address or thread id the event is about.
type SecurityEvent struct {
	ID            int64
	Type          string
	Severity      string
	IdentityID    string
	Subject       string
	TransactionID string
	Details       map[string]string
	Timestamp     int64
}

// SecurityEventFilter narrows SecurityEvents. Zero value returns the newest
// events of every type.
type SecurityEventFilter struct {
	Types      []string
	IdentityID string
	Subject    string
	Since      time.Time
	Limit      int
}

// IdentityFilter narrows ListIdentities. Zero value lists every contact and
// group, excluding the own identity.
type IdentityFilter struct {
	Kinds      []models.IdentityKind
	IncludeOwn bool
}

func validateIdentityKind(kind models.IdentityKind) error {
	switch kind {
	case models.IdentityOwn, models.IdentityNormal, models.IdentityAnonymous, models.IdentityGroup:
		return nil
	default:
		return fmt.Errorf("invalid identity kind %q", kind)
	}
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionSent, models.DirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateVerification(verification models.Verification) error {
	switch verification {
	case models.VerificationUnverified, models.VerificationOK, models.VerificationFailed:
		return nil
	default:
		return fmt.Errorf("invalid verification %q", verification)
	}
}

func validateSecurityEvent(event SecurityEvent) error {
	switch event.Type {
	case SecurityEventSignatureFailed, SecurityEventIgnoredDropped,
		SecurityEventUnknownDropped, SecurityEventPlaceholderCreated:
	default:
		return fmt.Errorf("invalid security event type %q", event.Type)
	}
	switch event.Severity {
	case SecuritySeverityInfo, SecuritySeverityWarning:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", event.Severity)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
