package storage

import (
	"fmt"

	"memochat/models"
)

// ReceivedTransactionIDs returns the transaction id of every stored received
// message, including messages whose identity has since been removed. The set
// is what keeps a transaction from being processed twice.
func (s *Store) ReceivedTransactionIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT transaction_id
		FROM messages
		WHERE direction = ? AND transaction_id <> ''`,
		models.DirectionReceived,
	)
	if err != nil {
		return nil, fmt.Errorf("list received transaction IDs: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transaction ID row: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction ID rows: %w", err)
	}

	return ids, nil
}
