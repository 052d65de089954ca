package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conclave/internal/event"
	"conclave/internal/logging"
	"conclave/internal/metrics"
)

const (
	defaultMaxIterations = 50
	recentWindow         = 5
)

// ErrRunNotFound is returned by Resume when no checkpoint exists for a run.
var ErrRunNotFound = errors.New("run not found")

// Checkpointer persists run state so an interrupted run can be resumed, even
// across a restart.
type Checkpointer interface {
	Save(ctx context.Context, state *ConversationState) error
	Load(ctx context.Context, runID string) (*ConversationState, error)
	Delete(ctx context.Context, runID string) error
}

// Notifier delivers run-produced messages to whoever is watching the
// conversation. A nil notifier discards them.
type Notifier interface {
	Notify(ctx context.Context, state *ConversationState, message Message)
}

// Runner steps a conversation through the orchestration state machine. A
// single Runner serves many runs; each run's state is stepped sequentially.
type Runner struct {
	reasoner      Reasoner
	agents        *Registry
	checkpointer  Checkpointer
	notifier      Notifier
	bus           *event.Bus[event.WorkflowEvent]
	logger        *logging.Logger
	metrics       *metrics.Registry
	maxIterations int
	autoApprove   bool
}

type RunnerOptions struct {
	Reasoner     Reasoner
	Agents       *Registry
	Checkpointer Checkpointer
	Notifier     Notifier
	Bus          *event.Bus[event.WorkflowEvent]
	Logger       *logging.Logger
	Metrics      *metrics.Registry

	MaxIterations int
	AutoApprove   bool
}

func NewRunner(opts RunnerOptions) *Runner {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	return &Runner{
		reasoner:      opts.Reasoner,
		agents:        opts.Agents,
		checkpointer:  opts.Checkpointer,
		notifier:      opts.Notifier,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       registry,
		maxIterations: maxIterations,
		autoApprove:   opts.AutoApprove,
	}
}

// Run steps the state to a terminal node, checkpointing after every step.
// The returned state ends in StateFinalize or StateInterrupt.
func (r *Runner) Run(ctx context.Context, state *ConversationState) (*ConversationState, error) {
	r.metrics.IncRunStarted()
	r.publish("run_started", state)

	for {
		done, err := r.Step(ctx, state)
		if err != nil {
			return state, err
		}
		if cpErr := r.checkpoint(ctx, state); cpErr != nil {
			r.logWarn(state, "checkpoint failed", cpErr)
		}
		if done {
			break
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}
	}

	switch state.State {
	case StateInterrupt:
		r.metrics.IncRunInterrupted()
		r.publish("run_interrupted", state)
	default:
		r.metrics.IncRunCompleted()
		r.publish("run_completed", state)
		if r.checkpointer != nil {
			if err := r.checkpointer.Delete(ctx, state.RunID); err != nil {
				r.logWarn(state, "checkpoint cleanup failed", err)
			}
		}
	}
	return state, nil
}

// Resume restores an interrupted run from its checkpoint and applies the
// approval verdict, then runs to the next terminal state.
func (r *Runner) Resume(ctx context.Context, runID string, approved bool) (*ConversationState, error) {
	if r.checkpointer == nil {
		return nil, ErrRunNotFound
	}
	state, err := r.checkpointer.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	pending := state.ApprovalPending
	state.ApprovalPending = nil
	state.InterruptReason = ""
	if approved {
		reason := "approved"
		if pending != nil {
			reason = "Approved: " + pending.Reason
		}
		state.append(Message{Role: RoleSystem, Content: reason})
		state.State = StateSupervisor
	} else {
		reason := "rejected"
		if pending != nil {
			reason = "Rejected: " + pending.Reason
		}
		state.append(Message{Role: RoleSystem, Content: reason})
		state.Complete = true
		state.State = StateSupervisor
	}
	return r.Run(ctx, state)
}

// Step executes the node named by state.State and sets the next state. It
// reports true when the run reached a terminal node.
func (r *Runner) Step(ctx context.Context, state *ConversationState) (bool, error) {
	switch state.State {
	case StateSupervisor:
		r.stepSupervisor(ctx, state)
	case StateRouteAgent:
		r.stepRouteAgent(ctx, state)
	case StateApproval:
		r.stepApproval(ctx, state)
	case StateGatherInfo:
		r.stepGatherInfo(ctx, state)
	case StateFinalize:
		r.stepFinalize(ctx, state)
		return true, nil
	case StateInterrupt:
		return true, nil
	default:
		return false, fmt.Errorf("unknown state %q", state.State)
	}
	return state.State == StateInterrupt, nil
}

func (r *Runner) stepSupervisor(ctx context.Context, state *ConversationState) {
	// An unresolved approval blocks everything else.
	if state.ApprovalPending != nil {
		state.State = StateApproval
		return
	}

	state.Iterations++
	if r.shouldComplete(state) {
		state.State = StateFinalize
		return
	}

	decision, err := r.reasoner.Decide(ctx, DecisionContext{
		Recent:         state.Recent(recentWindow),
		PendingTasks:   len(state.TaskQueue),
		CompletedTasks: len(state.CompletedTasks),
	})
	if err != nil {
		// A broken reasoner finalizes the run with the error on record
		// instead of crashing it.
		r.say(ctx, state, Message{
			Role:    RoleAssistant,
			Content: "Error making decision: " + err.Error(),
		})
		decision = Decision{
			Action: ActionComplete,
			Reason: "Error making decision: " + err.Error(),
		}
	}

	if decision.Agent != "" {
		state.CurrentAgent = decision.Agent
	}
	if decision.Task != "" {
		state.TaskQueue = append(state.TaskQueue, Task{Query: decision.Task, Agent: decision.Agent})
	}
	if decision.RequiresApproval {
		state.ApprovalPending = &Approval{Agent: decision.Agent, Reason: decision.Reason}
	}

	r.logInfo(state, "supervisor decision", map[string]string{
		"action": string(decision.Action),
		"agent":  decision.Agent,
	})

	switch decision.Action {
	case ActionRouteToAgent:
		state.State = StateRouteAgent
	case ActionRequestApproval:
		state.State = StateApproval
	case ActionGatherMoreInfo:
		state.State = StateGatherInfo
	default:
		state.State = StateFinalize
	}
}

func (r *Runner) stepRouteAgent(ctx context.Context, state *ConversationState) {
	defer func() { state.State = StateSupervisor }()

	agentID := state.CurrentAgent
	agent, ok := r.agents.Get(agentID)
	if agentID == "" || !ok {
		r.say(ctx, state, Message{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("Error: Agent %s not available", agentID),
		})
		return
	}

	query := state.LastMessage().Content
	if n := len(state.TaskQueue); n > 0 {
		query = state.TaskQueue[n-1].Query
	}

	events, err := agent.Execute(ctx, Request{
		RunID:     state.RunID,
		ContextID: state.ContextID,
		Query:     query,
	})
	if err != nil {
		r.say(ctx, state, Message{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("Agent %s encountered an error: %v", agentID, err),
		})
		return
	}

	for agentEvent := range events {
		switch {
		case agentEvent.Type == EventComplete || strings.HasSuffix(agentEvent.Type, "_complete"):
			result, ok := agentEvent.Result()
			if !ok {
				continue
			}
			r.say(ctx, state, Message{Role: RoleAssistant, Agent: agentID, Content: result})
			if n := len(state.TaskQueue); n > 0 {
				completed := state.TaskQueue[n-1]
				state.TaskQueue = state.TaskQueue[:n-1]
				completed.CompletedBy = agentID
				completed.Result = result
				state.CompletedTasks = append(state.CompletedTasks, completed)
			}
		case agentEvent.Type == EventError:
			detail := "execution failed"
			if message, ok := agentEvent.Data["error"].(string); ok && message != "" {
				detail = message
			}
			r.say(ctx, state, Message{
				Role:    RoleAssistant,
				Content: fmt.Sprintf("Agent %s encountered an error: %s", agentID, detail),
			})
		}
	}
}

func (r *Runner) stepApproval(ctx context.Context, state *ConversationState) {
	pending := state.ApprovalPending
	if pending == nil {
		state.State = StateSupervisor
		return
	}
	if r.autoApprove {
		state.ApprovalPending = nil
		r.say(ctx, state, Message{Role: RoleSystem, Content: "Approved: " + pending.Reason})
		state.State = StateSupervisor
		return
	}
	state.InterruptReason = "Approval required: " + pending.Reason
	state.State = StateInterrupt
}

func (r *Runner) stepGatherInfo(ctx context.Context, state *ConversationState) {
	topic := "context"
	if n := len(state.TaskQueue); n > 0 && state.TaskQueue[n-1].Query != "" {
		topic = state.TaskQueue[n-1].Query
	}
	r.say(ctx, state, Message{
		Role:    RoleAssistant,
		Content: "I need more information about: " + topic,
	})
	state.State = StateSupervisor
}

func (r *Runner) stepFinalize(ctx context.Context, state *ConversationState) {
	if len(state.CompletedTasks) > 0 {
		var summary strings.Builder
		summary.WriteString("Completed tasks:\n")
		for _, task := range state.CompletedTasks {
			query := task.Query
			if query == "" {
				query = "Task"
			}
			completedBy := task.CompletedBy
			if completedBy == "" {
				completedBy = "Unknown"
			}
			fmt.Fprintf(&summary, "- %s: %s\n", query, completedBy)
		}
		state.FinalOutput = summary.String()
	} else {
		state.FinalOutput = "Workflow completed"
	}
	state.Complete = true
	r.say(ctx, state, Message{Role: RoleAssistant, Content: state.FinalOutput})
}

func (r *Runner) shouldComplete(state *ConversationState) bool {
	if state.Iterations >= r.maxIterations {
		return true
	}
	if len(state.TaskQueue) == 0 && len(state.CompletedTasks) > 0 {
		return true
	}
	return state.Complete
}

func (r *Runner) say(ctx context.Context, state *ConversationState, message Message) {
	state.append(message)
	if r.notifier != nil {
		r.notifier.Notify(ctx, state, message)
	}
}

func (r *Runner) checkpoint(ctx context.Context, state *ConversationState) error {
	if r.checkpointer == nil {
		return nil
	}
	return r.checkpointer.Save(ctx, state)
}

func (r *Runner) publish(eventType string, state *ConversationState) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.NewWorkflowEvent(eventType, state.RunID, state.ContextID, string(state.State)))
}

func (r *Runner) logInfo(state *ConversationState, message string, extra map[string]string) {
	if r.logger == nil {
		return
	}
	fields := map[string]string{"run_id": state.RunID, "context_id": state.ContextID}
	for k, v := range extra {
		fields[k] = v
	}
	r.logger.Info(message, fields)
}

func (r *Runner) logWarn(state *ConversationState, message string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(message, map[string]string{
		"run_id": state.RunID,
		"error":  err.Error(),
	})
}
