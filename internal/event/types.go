package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// ConnectionEvent captures connection lifecycle changes.
type ConnectionEvent struct {
	EventType    string
	ConnectionID string
	SessionID    string
	Kind         string
	UserID       string
	AgentID      string
	OccurredAt   time.Time
}

func NewConnectionEvent(eventType, connectionID, sessionID, kind string) ConnectionEvent {
	return ConnectionEvent{
		EventType:    eventType,
		ConnectionID: connectionID,
		SessionID:    sessionID,
		Kind:         kind,
		OccurredAt:   time.Now().UTC(),
	}
}

func (e ConnectionEvent) Type() string {
	return e.EventType
}

func (e ConnectionEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// AgentControlEvent captures pause/resume and task state changes for agents.
type AgentControlEvent struct {
	EventType  string
	AgentID    string
	ContextID  string
	Detail     map[string]string
	OccurredAt time.Time
}

func NewAgentControlEvent(eventType, agentID, contextID string) AgentControlEvent {
	return AgentControlEvent{
		EventType:  eventType,
		AgentID:    agentID,
		ContextID:  contextID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e AgentControlEvent) Type() string {
	return e.EventType
}

func (e AgentControlEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// WorkflowEvent captures supervisor run transitions.
type WorkflowEvent struct {
	EventType  string
	RunID      string
	ContextID  string
	State      string
	OccurredAt time.Time
}

func NewWorkflowEvent(eventType, runID, contextID, state string) WorkflowEvent {
	return WorkflowEvent{
		EventType:  eventType,
		RunID:      runID,
		ContextID:  contextID,
		State:      state,
		OccurredAt: time.Now().UTC(),
	}
}

func (e WorkflowEvent) Type() string {
	return e.EventType
}

func (e WorkflowEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// ConfigEvent captures runtime configuration changes.
type ConfigEvent struct {
	EventType  string
	Path       string
	ChangeType string
	OccurredAt time.Time
}

func NewConfigEvent(path, changeType string) ConfigEvent {
	return ConfigEvent{
		EventType:  "config_" + changeType,
		Path:       path,
		ChangeType: changeType,
		OccurredAt: time.Now().UTC(),
	}
}

func (e ConfigEvent) Type() string {
	return e.EventType
}

func (e ConfigEvent) Timestamp() time.Time {
	return e.OccurredAt
}
