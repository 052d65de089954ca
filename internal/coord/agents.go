package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AgentConnected registers (or re-registers) an agent as available. A
// reconnecting agent comes back with a clean slate: any previous assignment
// was surrendered on disconnect.
func (c *Coordinator) AgentConnected(ctx context.Context, agentID string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO agents(agent_id, status, paused, current_task, coordination_group, updated_at)
VALUES (?, ?, 0, NULL, NULL, ?)
ON CONFLICT(agent_id) DO UPDATE SET
	status=excluded.status,
	paused=0,
	current_task=NULL,
	coordination_group=NULL,
	updated_at=excluded.updated_at
`, agentID, StatusIdle, timestamp(c.now()))
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		return nil
	})
}

// AgentDisconnected marks the agent offline and clears its current task so a
// later reconnect starts reassignable. Task payloads expire on their own TTL.
func (c *Coordinator) AgentDisconnected(ctx context.Context, agentID string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE agents SET status = ?, current_task = NULL, updated_at = ? WHERE agent_id = ?
`, StatusDisconnected, timestamp(c.now()), agentID)
		if err != nil {
			return fmt.Errorf("mark agent disconnected: %w", err)
		}
		return nil
	})
}

// SetAgentPaused flips the pause flag. Returns false when the agent is
// unknown.
func (c *Coordinator) SetAgentPaused(ctx context.Context, agentID string, paused bool) (bool, error) {
	known := false
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		flag := 0
		if paused {
			flag = 1
		}
		result, err := tx.ExecContext(ctx, `
UPDATE agents SET paused = ?, updated_at = ? WHERE agent_id = ?
`, flag, timestamp(c.now()), agentID)
		if err != nil {
			return fmt.Errorf("set paused: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		known = affected > 0
		return nil
	})
	return known, err
}

// CompleteTask releases the agent's current assignment. Clearing the task and
// resetting the status happen together; one never persists without the other.
func (c *Coordinator) CompleteTask(ctx context.Context, agentID, taskID string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE agents SET status = ?, current_task = NULL, updated_at = ?
WHERE agent_id = ? AND current_task = ?
`, StatusIdle, timestamp(c.now()), agentID, taskID); err != nil {
			return fmt.Errorf("release agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("drop task: %w", err)
		}
		return nil
	})
}

// ReleaseUserLocks drops every document lock owned by a user. Called on
// disconnect so a vanished editor cannot block others for the full lease.
func (c *Coordinator) ReleaseUserLocks(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_locks WHERE owner = ?`, userID); err != nil {
			return fmt.Errorf("release locks: %w", err)
		}
		return nil
	})
}

// AgentState returns the stored state for one agent.
func (c *Coordinator) AgentState(ctx context.Context, agentID string) (AgentState, error) {
	var state AgentState
	found := false
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		var ok bool
		var err error
		state, ok, err = agentRow(ctx, tx, agentID)
		found = ok
		return err
	})
	if err != nil {
		return AgentState{}, err
	}
	if !found {
		return AgentState{}, fmt.Errorf("agent %q: %w", agentID, ErrUnknownAgent)
	}
	return state, nil
}

// AgentStates returns the stored state for the given agents, skipping
// unknown ids.
func (c *Coordinator) AgentStates(ctx context.Context, agentIDs []string) ([]AgentState, error) {
	states := make([]AgentState, 0, len(agentIDs))
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		for _, agentID := range agentIDs {
			state, ok, err := agentRow(ctx, tx, agentID)
			if err != nil {
				return err
			}
			if ok {
				states = append(states, state)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// ListAgents returns every stored agent, ordered by id.
func (c *Coordinator) ListAgents(ctx context.Context) ([]AgentState, error) {
	rows, err := c.store.DB().QueryContext(ctx, `
SELECT agent_id, status, paused, current_task, coordination_group FROM agents ORDER BY agent_id
`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var states []AgentState
	for rows.Next() {
		var state AgentState
		var paused int
		var currentTask, group sql.NullString
		if err := rows.Scan(&state.AgentID, &state.Status, &paused, &currentTask, &group); err != nil {
			return nil, err
		}
		state.Paused = paused != 0
		state.CurrentTask = currentTask.String
		state.CoordinationGroup = group.String
		states = append(states, state)
	}
	return states, rows.Err()
}

// DocumentHistory returns up to limit retained edits, oldest first.
func (c *Coordinator) DocumentHistory(ctx context.Context, docID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > documentHistoryCap {
		limit = documentHistoryCap
	}
	rows, err := c.store.DB().QueryContext(ctx, `
SELECT version, editor, edit FROM (
	SELECT id, version, editor, edit FROM document_history
	WHERE document_id = ? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC
`, docID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(&entry.Version, &entry.Editor, &entry.Edit); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecentMessages returns up to limit entries of a channel's ordered log,
// oldest first.
func (c *Coordinator) RecentMessages(ctx context.Context, channel string, limit int) ([]OrderedMessage, error) {
	if limit <= 0 || limit > channelLogCap {
		limit = channelLogCap
	}
	rows, err := c.store.DB().QueryContext(ctx, `
SELECT sequence, sender, message, created_at FROM (
	SELECT sequence, sender, message, created_at FROM channel_messages
	WHERE channel = ? ORDER BY sequence DESC LIMIT ?
) ORDER BY sequence ASC
`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("read channel log: %w", err)
	}
	defer rows.Close()

	var messages []OrderedMessage
	for rows.Next() {
		var message OrderedMessage
		if err := rows.Scan(&message.Sequence, &message.Sender, &message.Message, &message.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// DocumentVersion returns the stored version for a document, zero when the
// document does not exist yet.
func (c *Coordinator) DocumentVersion(ctx context.Context, docID string) (int64, error) {
	var version int64
	err := c.store.DB().QueryRowContext(ctx, `SELECT version FROM documents WHERE document_id = ?`, docID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read document version: %w", err)
	}
	return version, nil
}

var ErrUnknownAgent = errors.New("unknown agent")
