package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSecurityEventLimit = 50
	maxSecurityEventLimit     = 1000
)

// SetSecurityEventRetention sets how long security events are kept. A
// non-positive value restores DefaultSecurityEventRetention.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// RecordSecurityEvent stores event and drops events older than the
// retention window in the same transaction.
func (s *Store) RecordSecurityEvent(event SecurityEvent) error {
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecurityEvent(event); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	details := []byte("{}")
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal security event details: %w", err)
		}
		details = raw
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin security event transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO security_events (
			event_type, severity, identity_id, subject, transaction_id, details, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Type,
		event.Severity,
		strings.TrimSpace(event.IdentityID),
		event.Subject,
		event.TransactionID,
		string(details),
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.Type, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := tx.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit security event %q: %w", event.Type, err)
	}
	return nil
}

// SecurityEvents returns matching events, newest first.
func (s *Store) SecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Types) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(", ?", len(filter.Types)-1)+")")
		for _, eventType := range filter.Types {
			args = append(args, eventType)
		}
	}
	if filter.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, filter.IdentityID)
	}
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultSecurityEventLimit
	case limit > maxSecurityEventLimit:
		limit = maxSecurityEventLimit
	}

	query := `SELECT id, event_type, severity, identity_id, subject, transaction_id, details, timestamp
		FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event   SecurityEvent
			details string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Severity,
			&event.IdentityID,
			&event.Subject,
			&event.TransactionID,
			&details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("decode security event %d details: %w", event.ID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// SecurityEventCounts returns how many retained events exist per type.
func (s *Store) SecurityEventCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT event_type, COUNT(1) FROM security_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count security events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			eventType string
			n         int64
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scan security event count row: %w", err)
		}
		counts[eventType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event count rows: %w", err)
	}
	return counts, nil
}
