package store

import (
	"context"
	"fmt"
	"time"
)

// Turn is the record of one reply attempt.
type Turn struct {
	TraceID      string
	RoomID       string
	Sender       string
	Decision     string
	Source       string
	WindowTokens int
}

// TurnResult is the outcome recorded by FinishTurn.
type TurnResult struct {
	Status       string
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Err          string
	Duration     time.Duration
}

// LogTurn inserts a running turn and returns its id.
func (s *Store) LogTurn(ctx context.Context, t Turn) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_log (trace_id, room_id, sender, decision, source, window_tokens)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TraceID, t.RoomID, t.Sender, t.Decision, t.Source, t.WindowTokens,
	)
	if err != nil {
		return 0, fmt.Errorf("log turn: %w", err)
	}
	return res.LastInsertId()
}

// FinishTurn records the outcome of turn id.
func (s *Store) FinishTurn(ctx context.Context, id int64, r TurnResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE turn_log
		SET status = ?, tool_calls = ?, input_tokens = ?, output_tokens = ?, error_msg = ?,
		    duration_ms = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		r.Status, r.ToolCalls, r.InputTokens, r.OutputTokens, nullableString(r.Err), r.Duration.Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %d: %w", id, ErrNotFound)
	}
	return nil
}

// TurnCount returns the number of logged turns.
func (s *Store) TurnCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turn_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}
