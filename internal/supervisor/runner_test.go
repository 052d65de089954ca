package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"conclave/internal/store"
)

type scriptedReasoner struct {
	mu        sync.Mutex
	decisions []Decision
	err       error
	calls     int
}

func (r *scriptedReasoner) Decide(ctx context.Context, input DecisionContext) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return Decision{}, r.err
	}
	if len(r.decisions) == 0 {
		return Decision{Action: ActionComplete, Reason: "script exhausted"}, nil
	}
	decision := r.decisions[0]
	if len(r.decisions) > 1 {
		r.decisions = r.decisions[1:]
	}
	return decision, nil
}

type scriptedAgent struct {
	events []Event
	err    error
}

func (a *scriptedAgent) Execute(ctx context.Context, request Request) (<-chan Event, error) {
	if a.err != nil {
		return nil, a.err
	}
	out := make(chan Event, len(a.events))
	for _, agentEvent := range a.events {
		out <- agentEvent
	}
	close(out)
	return out, nil
}

type memoryCheckpointer struct {
	mu     sync.Mutex
	states map[string][]byte
	saves  int
}

func newMemoryCheckpointer() *memoryCheckpointer {
	return &memoryCheckpointer{states: make(map[string][]byte)}
}

func (c *memoryCheckpointer) Save(ctx context.Context, state *ConversationState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	c.states[state.RunID] = data
	return nil
}

func (c *memoryCheckpointer) Load(ctx context.Context, runID string) (*ConversationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.states[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	var state ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *memoryCheckpointer) Delete(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, runID)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []Message
}

func (n *recordingNotifier) Notify(ctx context.Context, state *ConversationState, message Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.messages...)
}

func TestRunRoutesAgentAndFinalizes(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRouteToAgent, Agent: "researcher", Task: "find prior art", Reason: "needs research"},
	}}
	agents := NewRegistry()
	agents.Register("researcher", &scriptedAgent{events: []Event{
		{Type: "progress", Data: map[string]any{"note": "searching"}},
		{Type: EventComplete, Data: map[string]any{"result": "three relevant papers"}},
	}})
	checkpointer := newMemoryCheckpointer()
	notifier := &recordingNotifier{}
	runner := NewRunner(RunnerOptions{
		Reasoner:     reasoner,
		Agents:       agents,
		Checkpointer: checkpointer,
		Notifier:     notifier,
	})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "research this topic"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if state.State != StateFinalize {
		t.Fatalf("terminal state = %q, want finalize", state.State)
	}
	if len(state.CompletedTasks) != 1 || state.CompletedTasks[0].CompletedBy != "researcher" {
		t.Fatalf("completed tasks = %+v", state.CompletedTasks)
	}
	if len(state.TaskQueue) != 0 {
		t.Fatalf("task queue not drained: %+v", state.TaskQueue)
	}
	if !strings.Contains(state.FinalOutput, "find prior art: researcher") {
		t.Fatalf("final output = %q", state.FinalOutput)
	}

	var agentMessage, finalMessage bool
	for _, message := range notifier.all() {
		if message.Agent == "researcher" && message.Content == "three relevant papers" {
			agentMessage = true
		}
		if message.Content == state.FinalOutput {
			finalMessage = true
		}
	}
	if !agentMessage || !finalMessage {
		t.Fatalf("notifier missed messages: %+v", notifier.all())
	}

	checkpointer.mu.Lock()
	saves := checkpointer.saves
	remaining := len(checkpointer.states)
	checkpointer.mu.Unlock()
	if saves == 0 {
		t.Fatal("run never checkpointed")
	}
	if remaining != 0 {
		t.Fatalf("completed run left %d checkpoints", remaining)
	}
}

func TestRunSurvivesBrokenReasoner(t *testing.T) {
	reasoner := &scriptedReasoner{err: errors.New("model unavailable")}
	runner := NewRunner(RunnerOptions{Reasoner: reasoner, Agents: NewRegistry()})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.State != StateFinalize {
		t.Fatalf("terminal state = %q, want finalize", state.State)
	}

	var recorded bool
	for _, message := range state.Messages {
		if strings.Contains(message.Content, "Error making decision: model unavailable") {
			recorded = true
		}
	}
	if !recorded {
		t.Fatalf("reasoner error not in transcript: %+v", state.Messages)
	}
}

func TestRunUnknownAgentRecordsErrorAndConverges(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRouteToAgent, Agent: "ghost", Task: "haunt", Reason: "routing"},
		{Action: ActionComplete, Reason: "give up"},
	}}
	runner := NewRunner(RunnerOptions{Reasoner: reasoner, Agents: NewRegistry()})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.State != StateFinalize {
		t.Fatalf("terminal state = %q, want finalize", state.State)
	}

	var recorded bool
	for _, message := range state.Messages {
		if message.Content == "Error: Agent ghost not available" {
			recorded = true
		}
	}
	if !recorded {
		t.Fatalf("missing agent error not in transcript: %+v", state.Messages)
	}
}

func TestRunAgentErrorEventRecorded(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRouteToAgent, Agent: "engineer", Task: "build it", Reason: "routing"},
		{Action: ActionComplete, Reason: "stop"},
	}}
	agents := NewRegistry()
	agents.Register("engineer", &scriptedAgent{events: []Event{
		{Type: EventError, Data: map[string]any{"error": "compile failed"}},
	}})
	runner := NewRunner(RunnerOptions{Reasoner: reasoner, Agents: agents})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var recorded bool
	for _, message := range state.Messages {
		if strings.Contains(message.Content, "Agent engineer encountered an error: compile failed") {
			recorded = true
		}
	}
	if !recorded {
		t.Fatalf("agent failure not in transcript: %+v", state.Messages)
	}
	// The failed task stays queued; it was never completed.
	if len(state.CompletedTasks) != 0 {
		t.Fatalf("failed task marked complete: %+v", state.CompletedTasks)
	}
}

func TestRunIterationCapStopsCycling(t *testing.T) {
	// A reasoner that always wants more information would cycle forever
	// without the cap.
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionGatherMoreInfo, Reason: "always curious"},
	}}
	runner := NewRunner(RunnerOptions{Reasoner: reasoner, Agents: NewRegistry(), MaxIterations: 5})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.State != StateFinalize {
		t.Fatalf("terminal state = %q, want finalize", state.State)
	}
	if state.Iterations != 5 {
		t.Fatalf("iterations = %d, want 5", state.Iterations)
	}
}

func TestApprovalInterruptsAndResumes(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRequestApproval, RequiresApproval: true, Agent: "ops", Reason: "production deploy"},
		{Action: ActionComplete, Reason: "done"},
	}}
	checkpointer := newMemoryCheckpointer()
	runner := NewRunner(RunnerOptions{
		Reasoner:     reasoner,
		Agents:       NewRegistry(),
		Checkpointer: checkpointer,
	})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "deploy"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.State != StateInterrupt {
		t.Fatalf("terminal state = %q, want interrupt", state.State)
	}
	if !strings.Contains(state.InterruptReason, "production deploy") {
		t.Fatalf("interrupt reason = %q", state.InterruptReason)
	}

	resumed, err := runner.Resume(context.Background(), "run-1", true)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != StateFinalize {
		t.Fatalf("resumed terminal state = %q, want finalize", resumed.State)
	}
	var approvedMessage bool
	for _, message := range resumed.Messages {
		if strings.Contains(message.Content, "Approved: production deploy") {
			approvedMessage = true
		}
	}
	if !approvedMessage {
		t.Fatalf("approval not in transcript: %+v", resumed.Messages)
	}
}

func TestResumeRejectionFinalizes(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRequestApproval, RequiresApproval: true, Reason: "risky change"},
	}}
	checkpointer := newMemoryCheckpointer()
	runner := NewRunner(RunnerOptions{
		Reasoner:     reasoner,
		Agents:       NewRegistry(),
		Checkpointer: checkpointer,
	})

	if _, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "change it")); err != nil {
		t.Fatalf("run: %v", err)
	}
	resumed, err := runner.Resume(context.Background(), "run-1", false)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != StateFinalize {
		t.Fatalf("resumed terminal state = %q, want finalize", resumed.State)
	}
	var rejectedMessage bool
	for _, message := range resumed.Messages {
		if strings.Contains(message.Content, "Rejected: risky change") {
			rejectedMessage = true
		}
	}
	if !rejectedMessage {
		t.Fatalf("rejection not in transcript: %+v", resumed.Messages)
	}
}

func TestAutoApproveSkipsInterrupt(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRequestApproval, RequiresApproval: true, Reason: "routine change"},
		{Action: ActionComplete, Reason: "done"},
	}}
	runner := NewRunner(RunnerOptions{
		Reasoner:    reasoner,
		Agents:      NewRegistry(),
		AutoApprove: true,
	})

	state, err := runner.Run(context.Background(), NewConversationState("run-1", "ctx-1", "change it"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.State != StateFinalize {
		t.Fatalf("terminal state = %q, want finalize", state.State)
	}
	if state.ApprovalPending != nil || state.InterruptReason != "" {
		t.Fatalf("auto-approved run still pending: %+v", state)
	}
}

func TestResumeUnknownRun(t *testing.T) {
	runner := NewRunner(RunnerOptions{
		Reasoner:     &scriptedReasoner{},
		Agents:       NewRegistry(),
		Checkpointer: newMemoryCheckpointer(),
	})
	if _, err := runner.Resume(context.Background(), "missing", true); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStoreCheckpointerRoundTrip(t *testing.T) {
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	checkpointer := NewStoreCheckpointer(s)

	state := NewConversationState("run-1", "ctx-1", "hello")
	state.TaskQueue = append(state.TaskQueue, Task{Query: "do it", Agent: "ops"})
	state.ApprovalPending = &Approval{Agent: "ops", Reason: "needs sign-off"}
	state.Iterations = 3

	if err := checkpointer.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := checkpointer.Load(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ContextID != "ctx-1" || loaded.Iterations != 3 {
		t.Fatalf("loaded state = %+v", loaded)
	}
	if loaded.ApprovalPending == nil || loaded.ApprovalPending.Reason != "needs sign-off" {
		t.Fatalf("approval lost in round trip: %+v", loaded.ApprovalPending)
	}
	if len(loaded.TaskQueue) != 1 || loaded.TaskQueue[0].Query != "do it" {
		t.Fatalf("task queue lost in round trip: %+v", loaded.TaskQueue)
	}

	if err := checkpointer.Delete(context.Background(), "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := checkpointer.Load(context.Background(), "run-1"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound after delete, got %v", err)
	}
}

func TestServiceOneRunPerContext(t *testing.T) {
	release := make(chan struct{})
	reasoner := &scriptedReasoner{decisions: []Decision{
		{Action: ActionRouteToAgent, Agent: "slow", Task: "wait", Reason: "blocking"},
	}}
	agents := NewRegistry()
	agents.Register("slow", blockingAgent{release: release})
	runner := NewRunner(RunnerOptions{Reasoner: reasoner, Agents: agents})
	service := NewService(runner, nil)

	service.HandleUserMessage(context.Background(), "session-1", "ctx-1", "user-1", "first")
	waitForCondition(t, "run active", func() bool {
		_, active := service.ActiveRun("ctx-1")
		return active
	})
	firstRun, _ := service.ActiveRun("ctx-1")

	// A second message for the same context must not start a second run.
	service.HandleUserMessage(context.Background(), "session-1", "ctx-1", "user-1", "second")
	if runID, _ := service.ActiveRun("ctx-1"); runID != firstRun {
		t.Fatalf("second message replaced the active run")
	}
	if service.ActiveCount() != 1 {
		t.Fatalf("active runs = %d, want 1", service.ActiveCount())
	}

	// A different context runs independently.
	service.HandleUserMessage(context.Background(), "session-1", "ctx-2", "user-1", "other")
	waitForCondition(t, "second context active", func() bool { return service.ActiveCount() == 2 })

	close(release)
	waitForCondition(t, "runs drained", func() bool { return service.ActiveCount() == 0 })
}

type blockingAgent struct {
	release chan struct{}
}

func (a blockingAgent) Execute(ctx context.Context, request Request) (<-chan Event, error) {
	out := make(chan Event, 1)
	go func() {
		<-a.release
		out <- Event{Type: EventComplete, Data: map[string]any{"result": "finally"}}
		close(out)
	}()
	return out, nil
}

func waitForCondition(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
