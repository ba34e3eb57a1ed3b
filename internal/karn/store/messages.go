package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bdobrica/karn/internal/karn/llm"
)

// ReadMessages returns the stored history of room, oldest first, with IDs
// set.
func (s *Store) ReadMessages(ctx context.Context, roomID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, blocks FROM channel_messages WHERE room_id = ? ORDER BY id",
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var (
			m      llm.Message
			role   string
			blocks sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &blocks); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = llm.Role(role)
		if blocks.Valid && blocks.String != "" {
			if err := json.Unmarshal([]byte(blocks.String), &m.Blocks); err != nil {
				return nil, fmt.Errorf("decode blocks of message %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessage appends m to the stored history of room and returns its id.
func (s *Store) InsertMessage(ctx context.Context, roomID string, m llm.Message) (int64, error) {
	var blocks any
	if len(m.Blocks) > 0 {
		b, err := json.Marshal(m.Blocks)
		if err != nil {
			return 0, fmt.Errorf("encode blocks: %w", err)
		}
		blocks = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO channel_messages (room_id, role, content, blocks) VALUES (?, ?, ?, ?)",
		roomID, string(m.Role), m.Content, blocks,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// DeleteMessage removes one stored message.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channel_messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMessages removes every message in ids. Unknown ids are ignored.
func (s *Store) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	// SQLite caps bound parameters; delete in batches.
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := "DELETE FROM channel_messages WHERE id IN (?" + strings.Repeat(",?", len(chunk)-1) + ")"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteAllMessages clears the stored history of room and returns how many
// rows were removed.
func (s *Store) DeleteAllMessages(ctx context.Context, roomID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channel_messages WHERE room_id = ?", roomID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return res.RowsAffected()
}
