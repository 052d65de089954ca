package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is a persisted workflow state snapshot.
type Checkpoint struct {
	RunID     string
	ContextID string
	State     []byte
	UpdatedAt time.Time
}

// SaveCheckpoint upserts the serialized state for a workflow run.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	if checkpoint.RunID == "" {
		return errors.New("checkpoint run id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints(run_id, context_id, state, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	context_id=excluded.context_id,
	state=excluded.state,
	updated_at=excluded.updated_at
`, checkpoint.RunID, checkpoint.ContextID, string(checkpoint.State), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the latest snapshot for a run, or ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var checkpoint Checkpoint
	var state string
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, context_id, state, updated_at FROM checkpoints WHERE run_id = ?
`, runID).Scan(&checkpoint.RunID, &checkpoint.ContextID, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	checkpoint.State = []byte(state)
	if parsed, err := parseTS(updatedAt); err == nil {
		checkpoint.UpdatedAt = parsed
	}
	return checkpoint, nil
}

// DeleteCheckpoint removes a run's snapshot once the run reaches a terminal
// state.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
