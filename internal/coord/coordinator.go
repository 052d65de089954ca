package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conclave/internal/metrics"
	"conclave/internal/store"
)

// Coordinator exposes the atomic cross-process operations. Every operation
// is a single store transaction; no other package mutates the shared tables.
type Coordinator struct {
	store    *store.Store
	registry *metrics.Registry
	now      func() time.Time
}

type Options struct {
	Registry *metrics.Registry
	Now      func() time.Time
}

func New(s *store.Store, opts Options) *Coordinator {
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:    s,
		registry: registry,
		now:      now,
	}
}

// AssignTask atomically claims an agent for a task. The agent must be idle or
// active with no outstanding task; an expired task assignment counts as no
// task.
func (c *Coordinator) AssignTask(ctx context.Context, agentID, taskID string, payload []byte, ttl time.Duration) (TaskResult, error) {
	result := TaskResult{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		state, ok, err := agentRow(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if !ok || (state.Status != StatusActive && state.Status != StatusIdle) {
			result.Reason = ReasonAgentNotAvailable
			return nil
		}
		if state.CurrentTask != "" {
			live, err := taskAlive(ctx, tx, state.CurrentTask, c.nowMS())
			if err != nil {
				return err
			}
			if live {
				result.Reason = ReasonAgentBusy
				return nil
			}
			// Expired lease: the previous assignment no longer counts.
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, state.CurrentTask); err != nil {
				return fmt.Errorf("drop expired task: %w", err)
			}
		}

		now := c.now()
		if _, err := tx.ExecContext(ctx, `
UPDATE agents SET status = ?, current_task = ?, updated_at = ? WHERE agent_id = ?
`, StatusWorking, taskID, timestamp(now), agentID); err != nil {
			return fmt.Errorf("claim agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks(task_id, agent_id, payload, created_at, expires_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	agent_id=excluded.agent_id,
	payload=excluded.payload,
	created_at=excluded.created_at,
	expires_at_ms=excluded.expires_at_ms
`, taskID, agentID, string(payload), timestamp(now), now.Add(ttl).UnixMilli()); err != nil {
			return fmt.Errorf("persist task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_task_log(agent_id, task_id, created_at) VALUES (?, ?, ?)
`, agentID, taskID, timestamp(now)); err != nil {
			return fmt.Errorf("append task log: %w", err)
		}
		result.OK = true
		return nil
	})
	if err != nil {
		return TaskResult{}, err
	}
	c.registry.RecordAtomicOp("assign_task", result.OK)
	return result, nil
}

// ApplyDocumentEdit applies an optimistic-concurrency edit. The edit is
// accepted when the caller's expected version is at least the stored version
// and no live lock is held by another user; acceptance bumps the version,
// appends bounded history, and refreshes the caller's lease on the document.
func (c *Coordinator) ApplyDocumentEdit(ctx context.Context, docID, userID string, expectedVersion int64, edit []byte, ttl time.Duration) (EditResult, error) {
	result := EditResult{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE document_id = ?`, docID).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read document: %w", err)
		}
		if stored > expectedVersion {
			result.Reason = ReasonVersionConflict
			result.CurrentVersion = stored
			return nil
		}

		nowMS := c.nowMS()
		var owner string
		var expiresAt int64
		err = tx.QueryRowContext(ctx, `SELECT owner, expires_at_ms FROM document_locks WHERE document_id = ?`, docID).Scan(&owner, &expiresAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read lock: %w", err)
		}
		if err == nil {
			if expiresAt <= nowMS {
				if _, err := tx.ExecContext(ctx, `DELETE FROM document_locks WHERE document_id = ?`, docID); err != nil {
					return fmt.Errorf("drop expired lock: %w", err)
				}
			} else if owner != userID {
				result.Reason = ReasonDocumentLocked
				result.LockOwner = owner
				return nil
			}
		}

		now := c.now()
		newVersion := expectedVersion + 1
		if _, err := tx.ExecContext(ctx, `
INSERT INTO documents(document_id, version, last_editor, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(document_id) DO UPDATE SET
	version=excluded.version,
	last_editor=excluded.last_editor,
	updated_at=excluded.updated_at
`, docID, newVersion, userID, timestamp(now)); err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO document_history(document_id, version, editor, edit, created_at)
VALUES (?, ?, ?, ?, ?)
`, docID, newVersion, userID, string(edit), timestamp(now)); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM document_history
WHERE document_id = ? AND id NOT IN (
	SELECT id FROM document_history WHERE document_id = ? ORDER BY id DESC LIMIT ?
)
`, docID, docID, documentHistoryCap); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO document_locks(document_id, owner, expires_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(document_id) DO UPDATE SET
	owner=excluded.owner,
	expires_at_ms=excluded.expires_at_ms
`, docID, userID, now.Add(ttl).UnixMilli()); err != nil {
			return fmt.Errorf("refresh lock: %w", err)
		}
		result.OK = true
		result.NewVersion = newVersion
		return nil
	})
	if err != nil {
		return EditResult{}, err
	}
	c.registry.RecordAtomicOp("apply_document_edit", result.OK)
	return result, nil
}

// CoordinateAgents forms a coordination group, all-or-nothing. No agent state
// changes unless every listed member is currently available.
func (c *Coordinator) CoordinateAgents(ctx context.Context, taskID, coordinatorID string, agentIDs []string, payload []byte) (CoordinationResult, error) {
	result := CoordinationResult{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		var unavailable []string
		for _, agentID := range agentIDs {
			state, ok, err := agentRow(ctx, tx, agentID)
			if err != nil {
				return err
			}
			if !ok || (state.Status != StatusActive && state.Status != StatusIdle) {
				unavailable = append(unavailable, agentID)
			}
		}
		if len(unavailable) > 0 {
			result.Reason = ReasonAgentsUnavailable
			result.Unavailable = unavailable
			return nil
		}

		now := timestamp(c.now())
		if _, err := tx.ExecContext(ctx, `
INSERT INTO coordination_groups(task_id, coordinator_id, payload, status, created_at)
VALUES (?, ?, ?, 'active', ?)
`, taskID, coordinatorID, string(payload), now); err != nil {
			return fmt.Errorf("create coordination group: %w", err)
		}
		for _, agentID := range agentIDs {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO coordination_members(task_id, agent_id) VALUES (?, ?)
`, taskID, agentID); err != nil {
				return fmt.Errorf("add member: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE agents SET status = ?, coordination_group = ?, updated_at = ? WHERE agent_id = ?
`, StatusCoordinating, taskID, now, agentID); err != nil {
				return fmt.Errorf("mark coordinating: %w", err)
			}
		}
		result.OK = true
		return nil
	})
	if err != nil {
		return CoordinationResult{}, err
	}
	c.registry.RecordAtomicOp("coordinate_agents", result.OK)
	return result, nil
}

// RateLimit admits the call if fewer than limit events fall inside the
// trailing window. Expired entries are pruned either way; a rejected call
// adds nothing.
func (c *Coordinator) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error) {
	result := RateResult{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		nowMS := c.nowMS()
		cutoff := nowMS - window.Milliseconds()
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_events WHERE key = ? AND at_ms <= ?`, key, cutoff); err != nil {
			return fmt.Errorf("expire rate entries: %w", err)
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_events WHERE key = ?`, key).Scan(&count); err != nil {
			return fmt.Errorf("count rate entries: %w", err)
		}
		if count >= limit {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO rate_events(key, at_ms) VALUES (?, ?)`, key, nowMS); err != nil {
			return fmt.Errorf("record rate entry: %w", err)
		}
		result.Allowed = true
		result.Remaining = limit - count - 1
		return nil
	})
	if err != nil {
		return RateResult{}, err
	}
	c.registry.RecordAtomicOp("rate_limit", result.Allowed)
	return result, nil
}

// OrderedPublish allocates the channel's next sequence number and appends the
// message to the channel's bounded log. Fan-out to live subscribers is the
// router's job; the returned sequence is the total order.
func (c *Coordinator) OrderedPublish(ctx context.Context, channel string, message []byte, sender string) (PublishResult, error) {
	result := PublishResult{}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO channel_sequences(channel, sequence) VALUES (?, 1)
ON CONFLICT(channel) DO UPDATE SET sequence = sequence + 1
`, channel); err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT sequence FROM channel_sequences WHERE channel = ?`, channel).Scan(&result.Sequence); err != nil {
			return fmt.Errorf("read sequence: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO channel_messages(channel, sequence, sender, message, created_at)
VALUES (?, ?, ?, ?, ?)
`, channel, result.Sequence, sender, string(message), timestamp(c.now())); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM channel_messages WHERE channel = ? AND sequence <= ?
`, channel, result.Sequence-channelLogCap); err != nil {
			return fmt.Errorf("trim channel log: %w", err)
		}
		return nil
	})
	if err != nil {
		return PublishResult{}, err
	}
	c.registry.RecordAtomicOp("ordered_publish", true)
	return result, nil
}

const (
	documentHistoryCap = 100
	channelLogCap      = 1000
)

func (c *Coordinator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) nowMS() int64 {
	return c.now().UnixMilli()
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func agentRow(ctx context.Context, tx *sql.Tx, agentID string) (AgentState, bool, error) {
	state := AgentState{AgentID: agentID}
	var paused int
	var currentTask, group sql.NullString
	err := tx.QueryRowContext(ctx, `
SELECT status, paused, current_task, coordination_group FROM agents WHERE agent_id = ?
`, agentID).Scan(&state.Status, &paused, &currentTask, &group)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentState{}, false, nil
	}
	if err != nil {
		return AgentState{}, false, fmt.Errorf("read agent: %w", err)
	}
	state.Paused = paused != 0
	state.CurrentTask = currentTask.String
	state.CoordinationGroup = group.String
	return state, true, nil
}

func taskAlive(ctx context.Context, tx *sql.Tx, taskID string, nowMS int64) (bool, error) {
	var expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT expires_at_ms FROM tasks WHERE task_id = ?`, taskID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read task: %w", err)
	}
	return expiresAt > nowMS, nil
}
