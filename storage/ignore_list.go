package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"memochat/models"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// AddIgnoreEntry records an address or thread id to ignore. Adding an
// existing entry is a no-op.
func (s *Store) AddIgnoreEntry(entry models.IgnoreEntry) error {
	return insertIgnoreEntry(s.db, entry)
}

// IsIgnored reports whether addressOrThread is ignored globally or, when
// groupAddress is not empty, within that group.
func (s *Store) IsIgnored(addressOrThread, groupAddress string) (bool, error) {
	if addressOrThread == "" {
		return false, nil
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(
			SELECT 1 FROM ignore_list
			WHERE address_or_thread = ?
			  AND (scope_group_address = '' OR scope_group_address = ?)
		)`,
		addressOrThread,
		groupAddress,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check ignore list for %q: %w", addressOrThread, err)
	}

	return exists == 1, nil
}

// ListIgnoreEntries returns all ignore entries, oldest first.
func (s *Store) ListIgnoreEntries() ([]models.IgnoreEntry, error) {
	rows, err := s.db.Query(
		`SELECT address_or_thread, scope_group_address, created_at
		FROM ignore_list
		ORDER BY created_at, address_or_thread`,
	)
	if err != nil {
		return nil, fmt.Errorf("list ignore entries: %w", err)
	}
	defer rows.Close()

	entries := make([]models.IgnoreEntry, 0)
	for rows.Next() {
		var entry models.IgnoreEntry
		if err := rows.Scan(&entry.AddressOrThread, &entry.ScopeGroupAddress, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ignore entry row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ignore entry rows: %w", err)
	}

	return entries, nil
}

func insertIgnoreEntry(db execer, entry models.IgnoreEntry) error {
	entry.AddressOrThread = strings.TrimSpace(entry.AddressOrThread)
	entry.ScopeGroupAddress = strings.TrimSpace(entry.ScopeGroupAddress)
	if entry.AddressOrThread == "" {
		return errors.New("address_or_thread is required")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = nowUnixMilli()
	}

	_, err := db.Exec(
		`INSERT INTO ignore_list (address_or_thread, scope_group_address, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(address_or_thread, scope_group_address) DO NOTHING`,
		entry.AddressOrThread,
		entry.ScopeGroupAddress,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ignore entry %q: %w", entry.AddressOrThread, err)
	}

	return nil
}
