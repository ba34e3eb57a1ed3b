package store

import (
	"context"
	"fmt"
)

// Genesis returns the genesis rows of room in insertion order. An empty
// result means the persona default applies.
func (s *Store) Genesis(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT content FROM genesis WHERE room_id = ? ORDER BY id", roomID)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan genesis: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddGenesis appends content to the genesis of room.
func (s *Store) AddGenesis(ctx context.Context, roomID, content string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO genesis (room_id, content) VALUES (?, ?)", roomID, content); err != nil {
		return fmt.Errorf("add genesis: %w", err)
	}
	return nil
}

// SetGenesis replaces the genesis of room with content in one transaction.
func (s *Store) SetGenesis(ctx context.Context, roomID, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set genesis: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM genesis WHERE room_id = ?", roomID); err != nil {
		return fmt.Errorf("clear genesis: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO genesis (room_id, content) VALUES (?, ?)", roomID, content); err != nil {
		return fmt.Errorf("insert genesis: %w", err)
	}
	return tx.Commit()
}

// ClearGenesis removes every genesis row of room and returns how many were
// removed.
func (s *Store) ClearGenesis(ctx context.Context, roomID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM genesis WHERE room_id = ?", roomID)
	if err != nil {
		return 0, fmt.Errorf("clear genesis: %w", err)
	}
	return res.RowsAffected()
}
