package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"conclave/internal/event"
	"conclave/internal/logging"
	"conclave/internal/metrics"
	"conclave/internal/wire"

	"github.com/google/uuid"
)

const (
	// KindUser and KindAgent classify connections at connect time.
	KindUser  = "user"
	KindAgent = "agent"

	defaultHeartbeatInterval = 30 * time.Second
	defaultPauseQueueCap     = 256
)

// ErrQueueFull is returned when a paused agent's delivery queue is at
// capacity. The sender decides whether to surface or drop.
var ErrQueueFull = errors.New("pause queue full")

// Transport is the writable half of a connection. The websocket adapter in
// internal/server satisfies it; tests use in-memory fakes.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Pinger is optionally implemented by transports that support heartbeat
// control frames. Transports without it simply get no pings.
type Pinger interface {
	Ping(deadline time.Time) error
}

// AgentLifecycle is the slice of the coordinator the registry needs to keep
// shared agent state in step with connection lifecycle.
type AgentLifecycle interface {
	AgentConnected(ctx context.Context, agentID string) error
	AgentDisconnected(ctx context.Context, agentID string) error
	SetAgentPaused(ctx context.Context, agentID string, paused bool) (bool, error)
	ReleaseUserLocks(ctx context.Context, userID string) error
}

// Connection is one live transport with its identity indexes.
type Connection struct {
	ID        string
	SessionID string
	Kind      string
	UserID    string
	AgentID   string

	transport Transport
	writeMu   sync.Mutex
	stopOnce  sync.Once
	done      chan struct{}
}

func (c *Connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

func (c *Connection) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

type pauseQueue struct {
	mu     sync.Mutex
	frames []wire.Envelope
}

// Registry tracks live connections, fans out frames, and mirrors connection
// lifecycle into the shared agent state.
type Registry struct {
	lifecycle  AgentLifecycle
	bus        *event.Bus[event.ConnectionEvent]
	controlBus *event.Bus[event.AgentControlEvent]
	metrics    *metrics.Registry
	logger     *logging.Logger

	heartbeatInterval time.Duration
	pauseQueueCap     int

	mu        sync.RWMutex
	conns     map[string]*Connection
	bySession map[string]map[string]*Connection
	byUser    map[string]map[string]*Connection
	byAgent   map[string]*Connection
	queues    map[string]*pauseQueue
}

type Options struct {
	Lifecycle  AgentLifecycle
	Bus        *event.Bus[event.ConnectionEvent]
	ControlBus *event.Bus[event.AgentControlEvent]
	Metrics    *metrics.Registry
	Logger     *logging.Logger

	// HeartbeatInterval <= 0 selects the default; set to a negative-free
	// explicit value in tests to speed things up.
	HeartbeatInterval time.Duration
	PauseQueueCap     int
}

func NewRegistry(opts Options) *Registry {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	capacity := opts.PauseQueueCap
	if capacity <= 0 {
		capacity = defaultPauseQueueCap
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	return &Registry{
		lifecycle:         opts.Lifecycle,
		bus:               opts.Bus,
		controlBus:        opts.ControlBus,
		metrics:           registry,
		logger:            opts.Logger,
		heartbeatInterval: interval,
		pauseQueueCap:     capacity,
		conns:             make(map[string]*Connection),
		bySession:         make(map[string]map[string]*Connection),
		byUser:            make(map[string]map[string]*Connection),
		byAgent:           make(map[string]*Connection),
		queues:            make(map[string]*pauseQueue),
	}
}

// Connect registers a transport and returns the allocated connection id. The
// rest of the session is told about the arrival; the new connection is not.
func (r *Registry) Connect(ctx context.Context, transport Transport, sessionID, kind, userID, agentID string) (string, error) {
	conn := &Connection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		UserID:    userID,
		AgentID:   agentID,
		transport: transport,
		done:      make(chan struct{}),
	}

	if kind == KindAgent && agentID != "" && r.lifecycle != nil {
		if err := r.lifecycle.AgentConnected(ctx, agentID); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	session := r.bySession[sessionID]
	if session == nil {
		session = make(map[string]*Connection)
		r.bySession[sessionID] = session
	}
	session[conn.ID] = conn
	if userID != "" {
		user := r.byUser[userID]
		if user == nil {
			user = make(map[string]*Connection)
			r.byUser[userID] = user
		}
		user[conn.ID] = conn
	}
	if agentID != "" {
		if previous, ok := r.byAgent[agentID]; ok && previous.ID != conn.ID {
			// A reconnecting agent supersedes its stale connection.
			go r.Disconnect(ctx, previous.ID)
		}
		r.byAgent[agentID] = conn
	}
	r.mu.Unlock()

	r.metrics.IncConnectionOpened()
	r.publish("connection_opened", conn)
	r.log(logging.LevelInfo, "connection opened", conn, nil)

	if pinger, ok := transport.(Pinger); ok {
		go r.heartbeat(conn, pinger)
	}

	joined := wire.NewFrame(wire.ChannelSystem, wire.TypeConnectionJoined, wire.PresencePayload{
		ConnectionID: conn.ID,
		Kind:         kind,
		UserID:       userID,
		AgentID:      agentID,
	})
	r.Broadcast(ctx, sessionID, joined, conn.ID)

	return conn.ID, nil
}

// Disconnect removes the connection from every index, releases the user's
// document locks, flips agent state, and tells the rest of the session.
// Idempotent.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	activeAgent := false
	if session := r.bySession[conn.SessionID]; session != nil {
		delete(session, connectionID)
		if len(session) == 0 {
			delete(r.bySession, conn.SessionID)
		}
	}
	if conn.UserID != "" {
		if user := r.byUser[conn.UserID]; user != nil {
			delete(user, connectionID)
			if len(user) == 0 {
				delete(r.byUser, conn.UserID)
			}
		}
	}
	if conn.AgentID != "" {
		if current, ok := r.byAgent[conn.AgentID]; ok && current.ID == connectionID {
			delete(r.byAgent, conn.AgentID)
			activeAgent = true
		}
	}
	r.mu.Unlock()

	conn.stop()
	_ = conn.transport.Close()

	if r.lifecycle != nil {
		if conn.UserID != "" {
			if err := r.lifecycle.ReleaseUserLocks(ctx, conn.UserID); err != nil {
				r.log(logging.LevelWarning, "release locks failed", conn, err)
			}
		}
		// A superseded connection must not flip state under the agent's
		// replacement.
		if conn.Kind == KindAgent && activeAgent {
			if err := r.lifecycle.AgentDisconnected(ctx, conn.AgentID); err != nil {
				r.log(logging.LevelWarning, "agent disconnect update failed", conn, err)
			}
		}
	}

	r.metrics.IncConnectionClosed()
	r.publish("connection_closed", conn)
	r.log(logging.LevelInfo, "connection closed", conn, nil)

	left := wire.NewFrame(wire.ChannelSystem, wire.TypeConnectionLeft, wire.PresencePayload{
		ConnectionID: conn.ID,
		Kind:         conn.Kind,
		UserID:       conn.UserID,
		AgentID:      conn.AgentID,
	})
	r.Broadcast(ctx, conn.SessionID, left, conn.ID)
}

// Send is a best-effort unicast. A transport failure forces the connection's
// disconnect and reports false; it never returns an error to the caller.
func (r *Registry) Send(ctx context.Context, connectionID string, frame wire.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.writeJSON(frame); err != nil {
		r.metrics.IncSendFailure()
		r.log(logging.LevelWarning, "send failed", conn, err)
		r.Disconnect(ctx, connectionID)
		return false
	}
	return true
}

// Broadcast fans a frame out to every session member except the excluded
// connection. Each member is written concurrently; a failed member is
// disconnected without aborting the rest.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, frame wire.Envelope, exclude string) {
	r.mu.RLock()
	members := make([]*Connection, 0, len(r.bySession[sessionID]))
	for _, conn := range r.bySession[sessionID] {
		if conn.ID != exclude {
			members = append(members, conn)
		}
	}
	r.mu.RUnlock()

	r.metrics.IncBroadcast()

	var wg sync.WaitGroup
	for _, conn := range members {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.writeJSON(frame); err != nil {
				r.metrics.IncSendFailure()
				r.log(logging.LevelWarning, "broadcast member failed", conn, err)
				r.Disconnect(ctx, conn.ID)
			}
		}(conn)
	}
	wg.Wait()
}

// SendToAgent delivers a frame to an agent's live connection, queueing it
// instead while the agent is paused. Returns ErrQueueFull when the pause
// queue is at capacity and false when the agent has no live connection.
func (r *Registry) SendToAgent(ctx context.Context, agentID string, frame wire.Envelope) (bool, error) {
	r.mu.RLock()
	conn, live := r.byAgent[agentID]
	queue := r.queues[agentID]
	r.mu.RUnlock()

	if queue != nil {
		queue.mu.Lock()
		paused := queue.frames != nil
		if paused {
			if len(queue.frames) >= r.pauseQueueCap {
				queue.mu.Unlock()
				return false, ErrQueueFull
			}
			queue.frames = append(queue.frames, frame)
			queue.mu.Unlock()
			return true, nil
		}
		queue.mu.Unlock()
	}

	if !live {
		return false, nil
	}
	return r.Send(ctx, conn.ID, frame), nil
}

// PauseAgent flips the shared pause flag and opens the agent's delivery
// queue. Unknown agents are reported via the returned bool.
func (r *Registry) PauseAgent(ctx context.Context, agentID string) (bool, error) {
	if r.lifecycle != nil {
		known, err := r.lifecycle.SetAgentPaused(ctx, agentID, true)
		if err != nil || !known {
			return known, err
		}
	}

	r.mu.Lock()
	queue := r.queues[agentID]
	if queue == nil {
		queue = &pauseQueue{}
		r.queues[agentID] = queue
	}
	r.mu.Unlock()

	queue.mu.Lock()
	if queue.frames == nil {
		queue.frames = make([]wire.Envelope, 0, 8)
	}
	queue.mu.Unlock()

	r.publishControl("agent_paused", agentID)
	return true, nil
}

// ResumeAgent clears the pause flag and drains the queued frames in FIFO
// order before any new direct send can reach the agent. Frames that fail to
// deliver are dropped with the connection.
func (r *Registry) ResumeAgent(ctx context.Context, agentID string) (bool, error) {
	if r.lifecycle != nil {
		known, err := r.lifecycle.SetAgentPaused(ctx, agentID, false)
		if err != nil || !known {
			return known, err
		}
	}

	r.mu.Lock()
	queue := r.queues[agentID]
	conn, live := r.byAgent[agentID]
	r.mu.Unlock()

	if queue != nil {
		// Drain under the queue mutex: a concurrent SendToAgent blocks here
		// until every queued frame is out, so order is preserved across the
		// pause boundary.
		queue.mu.Lock()
		pending := queue.frames
		queue.frames = nil
		if live {
			for _, frame := range pending {
				if !r.Send(ctx, conn.ID, frame) {
					break
				}
			}
		}
		queue.mu.Unlock()

		r.mu.Lock()
		delete(r.queues, agentID)
		r.mu.Unlock()
	}

	r.publishControl("agent_resumed", agentID)
	return true, nil
}

// Lookup returns a snapshot of the connection's identity fields.
func (r *Registry) Lookup(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	return Connection{
		ID:        conn.ID,
		SessionID: conn.SessionID,
		Kind:      conn.Kind,
		UserID:    conn.UserID,
		AgentID:   conn.AgentID,
	}, true
}

// SessionSize reports how many connections share a session.
func (r *Registry) SessionSize(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

// Len reports the total number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll force-disconnects every connection, for shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(ctx, id)
	}
}

func (r *Registry) heartbeat(conn *Connection, pinger Pinger) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := pinger.Ping(time.Now().Add(10 * time.Second)); err != nil {
				r.log(logging.LevelWarning, "heartbeat failed", conn, err)
				r.Disconnect(context.Background(), conn.ID)
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (r *Registry) publish(eventType string, conn *Connection) {
	if r.bus == nil {
		return
	}
	connEvent := event.NewConnectionEvent(eventType, conn.ID, conn.SessionID, conn.Kind)
	connEvent.UserID = conn.UserID
	connEvent.AgentID = conn.AgentID
	r.bus.Publish(connEvent)
}

func (r *Registry) publishControl(eventType, agentID string) {
	if r.controlBus == nil {
		return
	}
	r.controlBus.Publish(event.NewAgentControlEvent(eventType, agentID, ""))
}

func (r *Registry) log(level logging.Level, message string, conn *Connection, err error) {
	if r.logger == nil {
		return
	}
	fields := map[string]string{
		"connection_id": conn.ID,
		"session_id":    conn.SessionID,
		"kind":          conn.Kind,
	}
	if conn.AgentID != "" {
		fields["agent_id"] = conn.AgentID
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	switch level {
	case logging.LevelWarning:
		r.logger.Warn(message, fields)
	default:
		r.logger.Info(message, fields)
	}
}
