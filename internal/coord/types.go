package coord

// AgentStatus is the lifecycle state of an agent in the shared store.
type AgentStatus string

const (
	StatusConnected    AgentStatus = "connected"
	StatusIdle         AgentStatus = "idle"
	StatusActive       AgentStatus = "active"
	StatusWorking      AgentStatus = "working"
	StatusCoordinating AgentStatus = "coordinating"
	StatusDisconnected AgentStatus = "disconnected"
)

// Rejection reasons returned by the atomic operations. These are expected
// outcomes, not errors.
const (
	ReasonAgentNotAvailable = "agent not available"
	ReasonAgentBusy         = "agent busy"
	ReasonVersionConflict   = "version conflict"
	ReasonDocumentLocked    = "document locked"
	ReasonAgentsUnavailable = "agents unavailable"
)

// AgentState mirrors one row of the agents table.
type AgentState struct {
	AgentID           string      `json:"agent_id"`
	Status            AgentStatus `json:"status"`
	Paused            bool        `json:"paused"`
	CurrentTask       string      `json:"current_task,omitempty"`
	CoordinationGroup string      `json:"coordination_group,omitempty"`
}

// TaskResult is the outcome of AssignTask.
type TaskResult struct {
	OK     bool
	Reason string
}

// EditResult is the outcome of ApplyDocumentEdit. On a version conflict
// CurrentVersion carries the authoritative version; on a lock rejection
// LockOwner carries the holder.
type EditResult struct {
	OK             bool
	Reason         string
	NewVersion     int64
	CurrentVersion int64
	LockOwner      string
}

// CoordinationResult is the outcome of CoordinateAgents. On rejection
// Unavailable lists every member that blocked the group.
type CoordinationResult struct {
	OK          bool
	Reason      string
	Unavailable []string
}

// RateResult is the outcome of RateLimit. Remaining is the quota left in the
// current window after this call.
type RateResult struct {
	Allowed   bool
	Remaining int
}

// PublishResult is the outcome of OrderedPublish.
type PublishResult struct {
	Sequence int64
}

// OrderedMessage is one entry of a channel's bounded log.
type OrderedMessage struct {
	Sequence  int64  `json:"sequence"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// HistoryEntry is one retained document edit.
type HistoryEntry struct {
	Version int64  `json:"version"`
	Editor  string `json:"editor"`
	Edit    string `json:"edit"`
}
