package server

import (
	"context"
	"encoding/json"

	"conclave/internal/coord"
	"conclave/internal/logging"
	"conclave/internal/router"
	"conclave/internal/supervisor"
	"conclave/internal/wire"
)

// RunNotifier delivers supervisor-produced messages to the conversation:
// through the ordered log first, then fanned out to context subscribers as
// ai_message frames.
type RunNotifier struct {
	Router      *router.Router
	Coordinator *coord.Coordinator
	Logger      *logging.Logger
}

func (n *RunNotifier) Notify(ctx context.Context, state *supervisor.ConversationState, message supervisor.Message) {
	sender := message.Agent
	if sender == "" {
		sender = "assistant"
	}
	payload := wire.MessagePayload{Content: message.Content, Sender: sender}

	data, err := json.Marshal(payload)
	if err == nil {
		if _, err = n.Coordinator.OrderedPublish(ctx, "conversation:"+state.ContextID, data, sender); err != nil && n.Logger != nil {
			n.Logger.Warn("run message publish failed", map[string]string{
				"run_id": state.RunID,
				"error":  err.Error(),
			})
		}
	}

	frame := wire.NewFrame(wire.ChannelConversation, wire.TypeAIMessage, payload)
	frame.ContextID = state.ContextID
	frame.AgentID = message.Agent
	n.Router.BroadcastToContext(ctx, wire.ChannelConversation, state.ContextID, frame, "")
}
