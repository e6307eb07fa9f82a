package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/memorylane/internal/config"
	"github.com/ent0n29/memorylane/internal/memory"
	"github.com/ent0n29/memorylane/internal/observability"
	"github.com/ent0n29/memorylane/internal/realtime"
	"github.com/ent0n29/memorylane/internal/session"
	"github.com/ent0n29/memorylane/internal/voice"
)

// Calls is the call lifecycle surface the API drives.
type Calls interface {
	StartCall(ctx context.Context, req session.CreateRequest) (voice.CallView, error)
	Call(id string) (voice.CallView, error)
	StopCall(id string) (voice.CallView, error)
	AbortCall(id string) (voice.CallView, error)
	Subscribe(id string) (<-chan voice.CallEvent, func(), error)
	ActiveCalls() int
}

// TokenMinter issues ephemeral realtime credentials for browser clients.
type TokenMinter interface {
	Configured() bool
	Mint(ctx context.Context, req voice.TokenRequest) (realtime.ClientSecret, error)
}

type Server struct {
	cfg      config.Config
	calls    Calls
	tokens   TokenMinter
	memories memory.Store
	metrics  *observability.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// Deps groups the optional collaborators of the server. Nil members disable
// the routes that need them.
type Deps struct {
	Calls    Calls
	Tokens   TokenMinter
	Memories memory.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		calls:    deps.Calls,
		tokens:   deps.Tokens,
		memories: deps.Memories,
		metrics:  deps.Metrics,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch a call unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/realtime/token", s.handleMintToken)
	r.Post("/v1/voice/calls", s.handleStartCall)
	r.Get("/v1/voice/calls/{id}", s.handleGetCall)
	r.Post("/v1/voice/calls/{id}/stop", s.handleStopCall)
	r.Post("/v1/voice/calls/{id}/abort", s.handleAbortCall)
	r.Get("/v1/voice/calls/{id}/ws", s.handleCallWS)
	r.Get("/v1/memories", s.handleListMemories)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"token_minting":     s.tokens != nil && s.tokens.Configured(),
		"memory_store_mode": s.memoryStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.calls == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"memory_store_mode": s.memoryStoreMode(),
		"active_calls":      s.calls.ActiveCalls(),
	})
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil || !s.tokens.Configured() {
		respondError(w, http.StatusServiceUnavailable, "token_unavailable", "realtime api key is not configured")
		return
	}
	var req voice.TokenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	secret, err := s.tokens.Mint(r.Context(), req)
	if err != nil {
		s.log.Warn("mint realtime token", "err", err)
		s.metrics.ObserveProviderError("realtime", "token_mint")
		respondError(w, http.StatusBadGateway, "token_failed", "failed to mint realtime token")
		return
	}
	respondJSON(w, http.StatusOK, realtime.TokenResponse{ClientSecret: &secret})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "calls are not configured")
		return
	}
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if req.MaxDurationSeconds < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_duration_seconds must be >= 0")
		return
	}

	view, err := s.calls.StartCall(r.Context(), req)
	if err != nil {
		s.respondCallError(w, view, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	s.withCall(w, r, func(c Calls, id string) (voice.CallView, error) { return c.Call(id) })
}

func (s *Server) handleStopCall(w http.ResponseWriter, r *http.Request) {
	s.withCall(w, r, func(c Calls, id string) (voice.CallView, error) { return c.StopCall(id) })
}

func (s *Server) handleAbortCall(w http.ResponseWriter, r *http.Request) {
	s.withCall(w, r, func(c Calls, id string) (voice.CallView, error) { return c.AbortCall(id) })
}

func (s *Server) withCall(w http.ResponseWriter, r *http.Request, fn func(Calls, string) (voice.CallView, error)) {
	if s.calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "calls are not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	view, err := fn(s.calls, id)
	if err != nil {
		s.respondCallError(w, view, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) respondCallError(w http.ResponseWriter, view voice.CallView, err error) {
	var verr *voice.Error
	switch {
	case errors.Is(err, voice.ErrCallNotFound):
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
	case errors.Is(err, session.ErrAlreadyActive):
		respondError(w, http.StatusConflict, "call_active", err.Error())
	case errors.As(err, &verr) && verr.Kind == voice.KindCapability:
		respondJSON(w, http.StatusServiceUnavailable, callErrorResponse{
			errorResponse: errorResponse{Error: verr.Message, Code: "unsupported"},
			Call:          &view,
		})
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadGateway, callErrorResponse{
			errorResponse: errorResponse{Error: verr.Message, Code: string(verr.Kind)},
			Call:          &view,
		})
	default:
		s.log.Error("call request failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "calls are not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	view, err := s.calls.Call(id)
	if err != nil {
		s.respondCallError(w, view, err)
		return
	}
	events, unsubscribe, err := s.calls.Subscribe(id)
	if err != nil {
		s.respondCallError(w, view, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")
	defer s.metrics.ObserveSessionEvent("ws_disconnected")

	// The feed is one-way; reading only serves to notice the client leaving.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any, eventType string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(v); err != nil {
			return false
		}
		s.metrics.ObserveProtocolEvent("feed", eventType)
		return true
	}

	// A snapshot first so late subscribers see the current state.
	if !write(voice.CallEvent{
		Type:   voice.EventStateChanged,
		CallID: view.CallID,
		State:  view.State,
		At:     time.Now().UTC(),
	}, string(voice.EventStateChanged)) {
		return
	}

	for {
		select {
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(time.Second))
				return
			}
			if !write(ev, string(ev.Type)) {
				return
			}
		}
	}
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	if s.memories == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory store is not configured")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	transcripts, err := s.memories.RecentTranscripts(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("list memories", "user_id", userID, "err", err)
		respondError(w, http.StatusInternalServerError, "memory_read_failed", "failed to read memories")
		return
	}
	if transcripts == nil {
		transcripts = []memory.Transcript{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"transcripts": transcripts,
	})
}

func (s *Server) memoryStoreMode() string {
	switch s.memories.(type) {
	case nil:
		return "disabled"
	case *memory.InMemoryStore:
		return "in-memory"
	case *memory.SQLiteStore:
		return "sqlite"
	case *memory.PostgresStore:
		return "postgres"
	default:
		return "custom"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type callErrorResponse struct {
	errorResponse
	Call *voice.CallView `json:"call,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
