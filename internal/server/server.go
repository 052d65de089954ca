package server

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"conclave/internal/coord"
	"conclave/internal/hub"
	"conclave/internal/logging"
	"conclave/internal/metrics"
	"conclave/internal/router"
	"conclave/internal/supervisor"
	"conclave/internal/wire"

	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	maxFrameBytes     = 512 * 1024
)

// Server exposes the websocket endpoint and the operational surfaces.
type Server struct {
	registry    *hub.Registry
	router      *router.Router
	coordinator *coord.Coordinator
	runs        *supervisor.Service
	metrics     *metrics.Registry
	logger      *logging.Logger

	authToken      string
	allowedOrigins []string
}

type Options struct {
	Registry    *hub.Registry
	Router      *router.Router
	Coordinator *coord.Coordinator
	Runs        *supervisor.Service
	Metrics     *metrics.Registry
	Logger      *logging.Logger

	AuthToken      string
	AllowedOrigins []string
}

func New(opts Options) *Server {
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	return &Server{
		registry:       opts.Registry,
		router:         opts.Router,
		coordinator:    opts.Coordinator,
		runs:           opts.Runs,
		metrics:        registry,
		logger:         opts.Logger,
		authToken:      opts.AuthToken,
		allowedOrigins: opts.AllowedOrigins,
	}
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session_id}", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /logs/stream", s.handleLogStream)
	mux.HandleFunc("POST /runs/{run_id}/resume", s.handleRunResume)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	authenticated := s.validateToken(r)
	if s.authToken != "" && !authenticated {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logWarn("websocket upgrade failed", map[string]string{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	kind := query.Get("kind")
	if kind != hub.KindAgent {
		kind = hub.KindUser
	}
	userID := query.Get("user_id")
	agentID := query.Get("agent_id")
	if kind == hub.KindAgent && agentID == "" {
		agentID = sessionID
	}

	ctx := r.Context()
	transport := &wsTransport{conn: conn}
	connectionID, err := s.registry.Connect(ctx, transport, sessionID, kind, userID, agentID)
	if err != nil {
		s.logWarn("connection rejected", map[string]string{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		_ = conn.Close()
		return
	}

	established := wire.NewFrame(wire.ChannelSystem, wire.TypeConnectionEstablished, wire.EstablishedPayload{
		SessionID:     sessionID,
		ConnectionID:  connectionID,
		Authenticated: authenticated,
	})
	if !s.registry.Send(ctx, connectionID, established) {
		s.router.DropConnection(connectionID)
		return
	}

	// Read loop. The registry owns the write side; leaving this loop tears
	// the connection down.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.router.HandleFrame(ctx, connectionID, data)
	}

	s.registry.Disconnect(ctx, connectionID)
	s.router.DropConnection(connectionID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.metrics.WritePrometheus(w); err != nil {
		s.logWarn("metrics write failed", map[string]string{"error": err.Error()})
	}
}

type statusResponse struct {
	Connections int                `json:"connections"`
	ActiveRuns  int                `json:"active_runs"`
	Agents      []coord.AgentState `json:"agents"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coordinator.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}
	if agents == nil {
		agents = []coord.AgentState{}
	}
	response := statusResponse{
		Connections: s.registry.Len(),
		Agents:      agents,
	}
	if s.runs != nil {
		response.ActiveRuns = s.runs.ActiveCount()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) validateToken(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	candidate := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidate = strings.TrimPrefix(auth, "Bearer ")
	} else {
		candidate = r.URL.Query().Get("token")
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.authToken)) == 1
}

func (s *Server) logWarn(message string, fields map[string]string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(message, fields)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(originHost, hostOnly(r.Host))
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(host, "[]")
	}
	return strings.Trim(hostport, "[]")
}
