package storage

import (
	"testing"
	"time"
)

func TestRecordAndFilterSecurityEvents(t *testing.T) {
	store := newTestStore(t)
	contact := mustAddContact(t, store, "t1SECURITY", "security")
	now := nowUnixMilli()

	events := []SecurityEvent{
		{Type: SecurityEventPlaceholderCreated, IdentityID: contact.ID, Subject: "t1SECURITY", Timestamp: now - 2_000},
		{Type: SecurityEventSignatureFailed, Severity: SecuritySeverityWarning, IdentityID: contact.ID, Subject: "t1SECURITY", TransactionID: "tx-1", Timestamp: now - 1_000},
		{Type: SecurityEventIgnoredDropped, Subject: "T-SPAM", TransactionID: "tx-2", Details: map[string]string{"scope": "inbox"}, Timestamp: now},
	}
	for _, event := range events {
		if err := store.RecordSecurityEvent(event); err != nil {
			t.Fatalf("RecordSecurityEvent %s failed: %v", event.Type, err)
		}
	}

	all, err := store.SecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != SecurityEventIgnoredDropped || all[0].Details["scope"] != "inbox" {
		t.Fatalf("unexpected newest event: %+v", all[0])
	}
	if all[2].Severity != SecuritySeverityInfo {
		t.Fatalf("expected default severity info, got %q", all[2].Severity)
	}

	byContact, err := store.SecurityEvents(SecurityEventFilter{IdentityID: contact.ID})
	if err != nil {
		t.Fatalf("SecurityEvents by identity failed: %v", err)
	}
	if len(byContact) != 2 {
		t.Fatalf("expected 2 events for contact, got %d", len(byContact))
	}

	drops, err := store.SecurityEvents(SecurityEventFilter{
		Types: []string{SecurityEventIgnoredDropped, SecurityEventUnknownDropped},
	})
	if err != nil {
		t.Fatalf("SecurityEvents by type failed: %v", err)
	}
	if len(drops) != 1 || drops[0].Subject != "T-SPAM" || drops[0].TransactionID != "tx-2" {
		t.Fatalf("unexpected drop events: %+v", drops)
	}

	recent, err := store.SecurityEvents(SecurityEventFilter{Since: time.UnixMilli(now - 1_500)})
	if err != nil {
		t.Fatalf("SecurityEvents since failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(recent))
	}

	counts, err := store.SecurityEventCounts()
	if err != nil {
		t.Fatalf("SecurityEventCounts failed: %v", err)
	}
	if counts[SecurityEventSignatureFailed] != 1 || counts[SecurityEventUnknownDropped] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestRecordSecurityEventRejectsUnknownValues(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSecurityEvent(SecurityEvent{Type: "peer_connected"}); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
	if err := store.RecordSecurityEvent(SecurityEvent{Type: SecurityEventUnknownDropped, Severity: "critical"}); err == nil {
		t.Fatalf("expected unknown severity to fail")
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(time.Second)
	now := nowUnixMilli()

	if err := store.RecordSecurityEvent(SecurityEvent{
		Type:      SecurityEventUnknownDropped,
		Subject:   "t1OLD",
		Timestamp: now - 10_000,
	}); err != nil {
		t.Fatalf("RecordSecurityEvent old failed: %v", err)
	}
	if err := store.RecordSecurityEvent(SecurityEvent{
		Type:      SecurityEventUnknownDropped,
		Subject:   "t1NEW",
		Timestamp: now,
	}); err != nil {
		t.Fatalf("RecordSecurityEvent new failed: %v", err)
	}

	events, err := store.SecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Subject != "t1NEW" {
		t.Fatalf("expected only the new event to survive retention, got %+v", events)
	}
}
