package supervisor

import (
	"context"
	"sort"
	"sync"
)

// DecisionContext is what the reasoner sees: the tail of the transcript and
// the task-queue counts.
type DecisionContext struct {
	Recent         []Message
	PendingTasks   int
	CompletedTasks int
}

// Reasoner decides the next action for a run. Implementations are treated as
// fallible and non-deterministic; a failure never crashes the run.
type Reasoner interface {
	Decide(ctx context.Context, input DecisionContext) (Decision, error)
}

// TextReasoner adapts a text-producing backend (an LLM completion, a remote
// call) into a Reasoner via ParseDecision.
type TextReasoner struct {
	Generate func(ctx context.Context, input DecisionContext) (string, error)
}

func (r TextReasoner) Decide(ctx context.Context, input DecisionContext) (Decision, error) {
	text, err := r.Generate(ctx, input)
	if err != nil {
		return Decision{}, err
	}
	return ParseDecision(text), nil
}

// Request is what an agent collaborator is asked to do.
type Request struct {
	RunID     string
	ContextID string
	Query     string
}

// Event is one item of an agent's execution stream. The stream terminates
// with exactly one EventComplete or EventError.
type Event struct {
	Type string
	Data map[string]any
}

const (
	EventComplete = "complete"
	EventError    = "error"
)

// Result extracts the payload of a completion event, trying the keys agents
// actually use.
func (e Event) Result() (string, bool) {
	for _, key := range []string{"result", "report", "content"} {
		if value, ok := e.Data[key]; ok {
			if text, ok := value.(string); ok && text != "" {
				return text, true
			}
		}
	}
	return "", false
}

// Agent executes one request and streams typed events back.
type Agent interface {
	Execute(ctx context.Context, request Request) (<-chan Event, error)
}

// Registry maps agent ids to collaborators.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(agentID string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = agent
}

func (r *Registry) Get(agentID string) (Agent, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent, ok
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
