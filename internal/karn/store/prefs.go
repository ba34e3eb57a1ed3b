package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserResponds reports whether unprompted replies to userID are allowed.
// Users without a row are opted in.
func (s *Store) UserResponds(ctx context.Context, userID string) (bool, error) {
	return s.responds(ctx, "SELECT responds FROM user_prefs WHERE user_id = ?", userID)
}

// RoomResponds reports whether unprompted replies in roomID are allowed.
func (s *Store) RoomResponds(ctx context.Context, roomID string) (bool, error) {
	return s.responds(ctx, "SELECT responds FROM room_prefs WHERE room_id = ?", roomID)
}

// ToggleUserResponds flips the preference of userID and returns the new
// value.
func (s *Store) ToggleUserResponds(ctx context.Context, userID string) (bool, error) {
	return s.toggle(ctx, "user_prefs", "user_id", userID)
}

// ToggleRoomResponds flips the preference of roomID and returns the new
// value.
func (s *Store) ToggleRoomResponds(ctx context.Context, roomID string) (bool, error) {
	return s.toggle(ctx, "room_prefs", "room_id", roomID)
}

func (s *Store) responds(ctx context.Context, q, key string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read preference: %w", err)
	}
	return v != 0, nil
}

// toggle is called only with the fixed table and column names above.
func (s *Store) toggle(ctx context.Context, table, column, key string) (bool, error) {
	q := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, responds) VALUES (?, 0)
		ON CONFLICT(%[2]s) DO UPDATE SET responds = 1 - responds
		RETURNING responds`, table, column)
	var v int
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		return false, fmt.Errorf("toggle preference: %w", err)
	}
	return v != 0, nil
}
