package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/internal/coord"
	"conclave/internal/hub"
	"conclave/internal/logging"
	"conclave/internal/metrics"
	"conclave/internal/wire"
)

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	defaultEditTTL    = 30 * time.Second
)

// Connections is the slice of the connection registry the router needs.
type Connections interface {
	Send(ctx context.Context, connectionID string, frame wire.Envelope) bool
	Lookup(connectionID string) (hub.Connection, bool)
	SendToAgent(ctx context.Context, agentID string, frame wire.Envelope) (bool, error)
	PauseAgent(ctx context.Context, agentID string) (bool, error)
	ResumeAgent(ctx context.Context, agentID string) (bool, error)
}

// Coordinator is the slice of the atomic coordinator the router needs.
type Coordinator interface {
	ApplyDocumentEdit(ctx context.Context, docID, userID string, expectedVersion int64, edit []byte, ttl time.Duration) (coord.EditResult, error)
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (coord.RateResult, error)
	OrderedPublish(ctx context.Context, channel string, message []byte, sender string) (coord.PublishResult, error)
}

// Orchestrator receives conversation messages that should drive a workflow
// run. Implementations must not block the caller.
type Orchestrator interface {
	HandleUserMessage(ctx context.Context, sessionID, contextID, sender, content string)
}

// Analyzer predicts follow-up actions for prefetch requests.
type Analyzer interface {
	Analyze(ctx context.Context, request AnalyzeRequest) (wire.PrefetchPayload, error)
}

// AnalyzeRequest is the decoded payload of an analyze_for_prefetch frame.
type AnalyzeRequest struct {
	Query         string   `json:"query"`
	RecentActions []string `json:"recent_actions,omitempty"`
}

// Router dispatches inbound frames by (channel, type) and tracks per
// connection subscriptions keyed channel[:context].
type Router struct {
	conns        Connections
	coordinator  Coordinator
	orchestrator Orchestrator
	analyzer     Analyzer
	logger       *logging.Logger
	metrics      *metrics.Registry

	rateLimit  int
	rateWindow time.Duration
	editTTL    time.Duration

	mu    sync.RWMutex
	subs  map[string]map[string]struct{}
	byKey map[string]map[string]struct{}
}

type Options struct {
	Connections  Connections
	Coordinator  Coordinator
	Orchestrator Orchestrator
	Analyzer     Analyzer
	Logger       *logging.Logger
	Metrics      *metrics.Registry

	RateLimit  int
	RateWindow time.Duration
	EditTTL    time.Duration
}

func New(opts Options) *Router {
	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rateWindow := opts.RateWindow
	if rateWindow <= 0 {
		rateWindow = defaultRateWindow
	}
	editTTL := opts.EditTTL
	if editTTL <= 0 {
		editTTL = defaultEditTTL
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = HeuristicAnalyzer{}
	}
	return &Router{
		conns:        opts.Connections,
		coordinator:  opts.Coordinator,
		orchestrator: opts.Orchestrator,
		analyzer:     analyzer,
		logger:       opts.Logger,
		metrics:      registry,
		rateLimit:    rateLimit,
		rateWindow:   rateWindow,
		editTTL:      editTTL,
		subs:         make(map[string]map[string]struct{}),
		byKey:        make(map[string]map[string]struct{}),
	}
}

// SetOrchestrator attaches the workflow orchestrator. The orchestrator is
// constructed after the router because it publishes back through it, so the
// wiring is completed here. Must be called before frames are served.
func (rt *Router) SetOrchestrator(orchestrator Orchestrator) {
	rt.orchestrator = orchestrator
}

// HandleFrame decodes and dispatches one inbound frame. Malformed input is
// answered with a structured error frame; it never returns an error to the
// read loop.
func (rt *Router) HandleFrame(ctx context.Context, connectionID string, data []byte) {
	envelope, err := wire.Decode(data)
	if err != nil {
		rt.sendError(ctx, connectionID, envelope, err.Error())
		return
	}
	rt.metrics.IncFrameRouted()

	switch envelope.Channel {
	case wire.ChannelSystem:
		rt.handleSystem(ctx, connectionID, envelope)
	case wire.ChannelConversation:
		rt.handleConversation(ctx, connectionID, envelope)
	case wire.ChannelAgent:
		rt.handleAgent(ctx, connectionID, envelope)
	case wire.ChannelDocument:
		rt.handleDocument(ctx, connectionID, envelope)
	case wire.ChannelPrefetch:
		rt.handlePrefetch(ctx, connectionID, envelope)
	}
}

// DropConnection discards the connection's subscription state. Called by the
// server when a connection goes away.
func (rt *Router) DropConnection(connectionID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key := range rt.subs[connectionID] {
		if members := rt.byKey[key]; members != nil {
			delete(members, connectionID)
			if len(members) == 0 {
				delete(rt.byKey, key)
			}
		}
	}
	delete(rt.subs, connectionID)
}

// Subscribers returns the connection ids subscribed to a channel[:context]
// key, minus the excluded connection.
func (rt *Router) Subscribers(channel wire.Channel, contextID, exclude string) []string {
	key := subscriptionKey(channel, contextID)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.byKey[key]))
	for id := range rt.byKey[key] {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// BroadcastToContext fans a frame out to every subscriber of the
// channel[:context] key except the sender. Per-subscriber failures are
// handled by the registry.
func (rt *Router) BroadcastToContext(ctx context.Context, channel wire.Channel, contextID string, frame wire.Envelope, exclude string) {
	for _, id := range rt.Subscribers(channel, contextID, exclude) {
		rt.conns.Send(ctx, id, frame)
	}
}

func (rt *Router) handleSystem(ctx context.Context, connectionID string, envelope wire.Envelope) {
	switch envelope.Type {
	case wire.TypePing:
		rt.conns.Send(ctx, connectionID, wire.Reply(envelope, wire.TypePong, nil))
	case wire.TypeSubscribe:
		rt.handleSubscribe(ctx, connectionID, envelope, true)
	case wire.TypeUnsubscribe:
		rt.handleSubscribe(ctx, connectionID, envelope, false)
	case wire.TypeAuthenticate:
		// Token auth happens at upgrade; this ack exists so clients can
		// treat both transports uniformly.
		rt.conns.Send(ctx, connectionID, wire.Reply(envelope, wire.TypeAuthenticated, nil))
	default:
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unsupported system type %q", envelope.Type))
	}
}

func (rt *Router) handleSubscribe(ctx context.Context, connectionID string, envelope wire.Envelope, subscribe bool) {
	var payload wire.SubscribePayload
	if err := envelope.DecodePayload(&payload); err != nil {
		rt.sendError(ctx, connectionID, envelope, "subscribe payload missing channel")
		return
	}
	channel, ok := wire.ParseChannel(payload.Channel)
	if !ok {
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unknown channel %q", payload.Channel))
		return
	}
	key := subscriptionKey(channel, payload.ContextID)

	rt.mu.Lock()
	if subscribe {
		keys := rt.subs[connectionID]
		if keys == nil {
			keys = make(map[string]struct{})
			rt.subs[connectionID] = keys
		}
		keys[key] = struct{}{}
		members := rt.byKey[key]
		if members == nil {
			members = make(map[string]struct{})
			rt.byKey[key] = members
		}
		members[connectionID] = struct{}{}
	} else {
		if keys := rt.subs[connectionID]; keys != nil {
			delete(keys, key)
		}
		if members := rt.byKey[key]; members != nil {
			delete(members, connectionID)
			if len(members) == 0 {
				delete(rt.byKey, key)
			}
		}
	}
	rt.mu.Unlock()

	ack := wire.TypeSubscribed
	if !subscribe {
		ack = wire.TypeUnsubscribed
	}
	rt.conns.Send(ctx, connectionID, wire.Reply(envelope, ack, payload))
}

func (rt *Router) handleConversation(ctx context.Context, connectionID string, envelope wire.Envelope) {
	if envelope.Type != wire.TypeUserMessage {
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unsupported conversation type %q", envelope.Type))
		return
	}
	var payload wire.MessagePayload
	if err := envelope.DecodePayload(&payload); err != nil {
		rt.sendError(ctx, connectionID, envelope, "message payload missing content")
		return
	}

	conn, _ := rt.conns.Lookup(connectionID)
	sender := conn.UserID
	if sender == "" {
		sender = connectionID
	}

	admitted, err := rt.coordinator.RateLimit(ctx, "rate:"+sender+":message", rt.rateLimit, rt.rateWindow)
	if err != nil {
		rt.logError("rate limit check failed", connectionID, err)
		rt.sendError(ctx, connectionID, envelope, "message rejected")
		return
	}
	if !admitted.Allowed {
		rt.sendError(ctx, connectionID, envelope, "rate limited")
		return
	}

	channel := "conversation"
	if envelope.ContextID != "" {
		channel = "conversation:" + envelope.ContextID
	}
	if _, err := rt.coordinator.OrderedPublish(ctx, channel, envelope.Payload, sender); err != nil {
		rt.logError("ordered publish failed", connectionID, err)
		rt.sendError(ctx, connectionID, envelope, "message rejected")
		return
	}

	if envelope.ContextID == "" {
		// Without a context there is no run to answer; acknowledge the
		// message directly as the assistant.
		ack := wire.Reply(envelope, wire.TypeAIMessage, wire.MessagePayload{Content: payload.Content, Sender: "assistant"})
		rt.conns.Send(ctx, connectionID, ack)
	} else {
		echo := wire.Reply(envelope, wire.TypeUserMessage, wire.MessagePayload{Content: payload.Content, Sender: sender})
		rt.BroadcastToContext(ctx, wire.ChannelConversation, envelope.ContextID, echo, connectionID)
	}

	if rt.orchestrator != nil && envelope.ContextID != "" {
		rt.orchestrator.HandleUserMessage(ctx, conn.SessionID, envelope.ContextID, sender, payload.Content)
	}
}

func (rt *Router) handleAgent(ctx context.Context, connectionID string, envelope wire.Envelope) {
	if envelope.AgentID == "" {
		rt.sendError(ctx, connectionID, envelope, "agent control frame missing agentId")
		return
	}

	var known bool
	var err error
	switch envelope.Type {
	case wire.TypeAgentPause:
		known, err = rt.conns.PauseAgent(ctx, envelope.AgentID)
	case wire.TypeAgentResume:
		known, err = rt.conns.ResumeAgent(ctx, envelope.AgentID)
	default:
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unsupported agent type %q", envelope.Type))
		return
	}
	if err != nil {
		rt.logError("agent control failed", connectionID, err)
		rt.sendError(ctx, connectionID, envelope, "agent control failed")
		return
	}
	if !known {
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unknown agent %q", envelope.AgentID))
		return
	}

	// The target agent is told about its own state change. The pause
	// notice lands in the agent's queue and is delivered on resume; the
	// resume notice goes out directly behind the drained queue.
	notice := wire.NewFrame(wire.ChannelAgent, envelope.Type, nil)
	notice.ContextID = envelope.ContextID
	notice.AgentID = envelope.AgentID
	if _, err := rt.conns.SendToAgent(ctx, envelope.AgentID, notice); err != nil {
		rt.logError("agent notify failed", connectionID, err)
	}

	// Observers of the context see the state change as the same control
	// frame, server-attributed.
	echo := wire.NewFrame(wire.ChannelAgent, envelope.Type, nil)
	echo.ContextID = envelope.ContextID
	echo.AgentID = envelope.AgentID
	rt.BroadcastToContext(ctx, wire.ChannelAgent, envelope.ContextID, echo, connectionID)
}

func (rt *Router) handleDocument(ctx context.Context, connectionID string, envelope wire.Envelope) {
	if envelope.Type != wire.TypeDocumentEdit {
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unsupported document type %q", envelope.Type))
		return
	}
	var payload wire.DocumentEditPayload
	if err := envelope.DecodePayload(&payload); err != nil || payload.DocumentID == "" {
		rt.sendError(ctx, connectionID, envelope, "document edit payload missing documentId")
		return
	}

	conn, _ := rt.conns.Lookup(connectionID)
	userID := conn.UserID
	if userID == "" {
		userID = connectionID
	}

	result, err := rt.coordinator.ApplyDocumentEdit(ctx, payload.DocumentID, userID, payload.ExpectedVersion, payload.Edit, rt.editTTL)
	if err != nil {
		rt.logError("document edit failed", connectionID, err)
		rt.sendError(ctx, connectionID, envelope, "document edit failed")
		return
	}
	if !result.OK {
		frame := wire.Reply(envelope, wire.TypeError, wire.ErrorPayload{
			Message: result.Reason,
			Detail:  editRejectionDetail(result),
		})
		rt.conns.Send(ctx, connectionID, frame)
		return
	}

	// Durable first, echo second: the broadcast is presentation, the
	// coordinator's verdict is the source of truth.
	if _, err := rt.coordinator.OrderedPublish(ctx, "document:"+payload.DocumentID, envelope.Payload, userID); err != nil {
		rt.logError("document log publish failed", connectionID, err)
	}

	relay := wire.Reply(envelope, wire.TypeDocumentEdit, wire.DocumentEditPayload{
		DocumentID:      payload.DocumentID,
		ExpectedVersion: result.NewVersion,
		Edit:            payload.Edit,
	})
	rt.BroadcastToContext(ctx, wire.ChannelDocument, envelope.ContextID, relay, connectionID)
}

func (rt *Router) handlePrefetch(ctx context.Context, connectionID string, envelope wire.Envelope) {
	if envelope.Type != wire.TypeAnalyzeForPrefetch {
		rt.sendError(ctx, connectionID, envelope, fmt.Sprintf("unsupported prefetch type %q", envelope.Type))
		return
	}
	var request AnalyzeRequest
	if len(envelope.Payload) > 0 {
		if err := envelope.DecodePayload(&request); err != nil {
			rt.sendError(ctx, connectionID, envelope, "malformed prefetch payload")
			return
		}
	}
	prediction, err := rt.analyzer.Analyze(ctx, request)
	if err != nil {
		rt.logError("prefetch analysis failed", connectionID, err)
		rt.sendError(ctx, connectionID, envelope, "prefetch analysis failed")
		return
	}
	rt.conns.Send(ctx, connectionID, wire.Reply(envelope, wire.TypePrefetchComplete, prediction))
}

func (rt *Router) sendError(ctx context.Context, connectionID string, inbound wire.Envelope, message string) {
	frame := wire.ErrorFrame(message)
	if inbound.ID != "" {
		frame.ID = inbound.ID
		frame.ContextID = inbound.ContextID
	}
	rt.conns.Send(ctx, connectionID, frame)
}

func (rt *Router) logError(message, connectionID string, err error) {
	if rt.logger == nil {
		return
	}
	rt.logger.Error(message, map[string]string{
		"connection_id": connectionID,
		"error":         err.Error(),
	})
}

func editRejectionDetail(result coord.EditResult) string {
	switch result.Reason {
	case coord.ReasonVersionConflict:
		return fmt.Sprintf("current version %d", result.CurrentVersion)
	case coord.ReasonDocumentLocked:
		return "held by " + result.LockOwner
	default:
		return ""
	}
}

func subscriptionKey(channel wire.Channel, contextID string) string {
	if contextID == "" {
		return string(channel)
	}
	return string(channel) + ":" + contextID
}
