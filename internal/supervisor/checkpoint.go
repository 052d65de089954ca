package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"conclave/internal/store"
)

// StoreCheckpointer persists run state in the shared store, so interrupted
// runs survive a restart.
type StoreCheckpointer struct {
	store *store.Store
}

func NewStoreCheckpointer(s *store.Store) *StoreCheckpointer {
	return &StoreCheckpointer{store: s}
}

func (c *StoreCheckpointer) Save(ctx context.Context, state *ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	return c.store.SaveCheckpoint(ctx, store.Checkpoint{
		RunID:     state.RunID,
		ContextID: state.ContextID,
		State:     data,
	})
}

func (c *StoreCheckpointer) Load(ctx context.Context, runID string) (*ConversationState, error) {
	checkpoint, err := c.store.LoadCheckpoint(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	var state ConversationState
	if err := json.Unmarshal(checkpoint.State, &state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &state, nil
}

func (c *StoreCheckpointer) Delete(ctx context.Context, runID string) error {
	return c.store.DeleteCheckpoint(ctx, runID)
}
