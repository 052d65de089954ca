package supervisor

// State names a node of the orchestration state machine.
type State string

const (
	StateSupervisor State = "supervisor"
	StateRouteAgent State = "route_agent"
	StateApproval   State = "approval"
	StateGatherInfo State = "gather_info"
	StateFinalize   State = "finalize"
	StateInterrupt  State = "interrupt"
)

// Message roles in the conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one transcript entry. Agent is set when an agent collaborator
// produced the content.
type Message struct {
	Role    string `json:"role"`
	Agent   string `json:"agent,omitempty"`
	Content string `json:"content"`
}

// Task is one unit of queued or completed work.
type Task struct {
	Query       string `json:"query"`
	Agent       string `json:"agent,omitempty"`
	CompletedBy string `json:"completed_by,omitempty"`
	Result      string `json:"result,omitempty"`
}

// Approval is a pending approval request.
type Approval struct {
	Agent  string `json:"agent,omitempty"`
	Reason string `json:"reason"`
}

// ConversationState is the complete run state. It is plain data, serializable
// at any point so a run can be checkpointed and resumed across restarts.
type ConversationState struct {
	RunID           string    `json:"run_id"`
	ContextID       string    `json:"context_id"`
	State           State     `json:"state"`
	Messages        []Message `json:"messages"`
	CurrentAgent    string    `json:"current_agent,omitempty"`
	TaskQueue       []Task    `json:"task_queue"`
	CompletedTasks  []Task    `json:"completed_tasks"`
	ApprovalPending *Approval `json:"approval_pending,omitempty"`
	InterruptReason string    `json:"interrupt_reason,omitempty"`
	FinalOutput     string    `json:"final_output,omitempty"`
	Complete        bool      `json:"complete,omitempty"`
	Iterations      int       `json:"iterations"`
}

// NewConversationState seeds a run with the triggering user message.
func NewConversationState(runID, contextID, content string) *ConversationState {
	return &ConversationState{
		RunID:     runID,
		ContextID: contextID,
		State:     StateSupervisor,
		Messages:  []Message{{Role: RoleUser, Content: content}},
	}
}

// LastMessage returns the newest transcript entry, zero when empty.
func (s *ConversationState) LastMessage() Message {
	if len(s.Messages) == 0 {
		return Message{}
	}
	return s.Messages[len(s.Messages)-1]
}

// Recent returns up to n of the newest transcript entries, oldest first.
func (s *ConversationState) Recent(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func (s *ConversationState) append(message Message) {
	s.Messages = append(s.Messages, message)
}
