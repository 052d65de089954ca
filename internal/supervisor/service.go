package supervisor

import (
	"context"
	"sync"

	"conclave/internal/logging"

	"github.com/google/uuid"
)

// Service owns the live runs and is what the message router hands
// conversation messages to. At most one run steps per context at a time; a
// message arriving while its context's run is active is already in the
// ordered log and the transcript, so it is not re-queued.
type Service struct {
	runner *Runner
	logger *logging.Logger

	mu     sync.Mutex
	active map[string]string // contextID -> runID
}

func NewService(runner *Runner, logger *logging.Logger) *Service {
	return &Service{
		runner: runner,
		logger: logger,
		active: make(map[string]string),
	}
}

// HandleUserMessage starts a run for the context unless one is already
// active. The run executes on its own goroutine; the caller (a connection's
// read loop) is never blocked.
func (s *Service) HandleUserMessage(ctx context.Context, sessionID, contextID, sender, content string) {
	s.mu.Lock()
	if _, busy := s.active[contextID]; busy {
		s.mu.Unlock()
		return
	}
	runID := uuid.NewString()
	s.active[contextID] = runID
	s.mu.Unlock()

	state := NewConversationState(runID, contextID, content)
	go s.execute(state)
}

// Resume continues an interrupted run with an approval verdict.
func (s *Service) Resume(ctx context.Context, runID string, approved bool) (*ConversationState, error) {
	return s.runner.Resume(ctx, runID, approved)
}

// ActiveRun reports the run currently executing for a context, if any.
func (s *Service) ActiveRun(contextID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.active[contextID]
	return runID, ok
}

// ActiveCount reports the number of executing runs.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) execute(state *ConversationState) {
	defer func() {
		s.mu.Lock()
		delete(s.active, state.ContextID)
		s.mu.Unlock()
	}()

	// Runs are context-scoped, not connection-scoped: the triggering
	// connection going away must not cancel the run.
	if _, err := s.runner.Run(context.Background(), state); err != nil {
		if s.logger != nil {
			s.logger.Error("run failed", map[string]string{
				"run_id":     state.RunID,
				"context_id": state.ContextID,
				"error":      err.Error(),
			})
		}
	}
}
