package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"packforge/internal/identity"
	"packforge/internal/logging"
	"packforge/internal/types"
)

// SSEServer binds sessions to HTTP: GET /events opens (or resumes) a
// session and streams responses as server-sent events, POST /message
// submits requests against it. The session id in the endpoint event is
// the only routing key: a client that reconnects with the same id gets
// the same session, and losing the TCP connection loses nothing but the
// stream.
type SSEServer struct {
	table     *Table
	resolver  identity.Resolver
	origins   []string
	heartbeat time.Duration

	httpServer *http.Server
}

// NewSSEServer wires the HTTP binding. The resolver turns API keys into
// user ids; every route except /healthz requires one.
func NewSSEServer(addr string, table *Table, resolver identity.Resolver, origins []string) *SSEServer {
	s := &SSEServer{
		table:     table,
		resolver:  resolver,
		origins:   origins,
		heartbeat: 15 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Post("/message", s.handleMessage)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *SSEServer) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until Shutdown.
func (s *SSEServer) Start() error {
	logging.Transport("SSE server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *SSEServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the caller's API key from the Authorization
// bearer token or X-API-Key header.
func (s *SSEServer) authenticate(r *http.Request) (string, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		auth := r.Header.Get("Authorization")
		key = strings.TrimPrefix(auth, "Bearer ")
		if key == auth {
			key = ""
		}
	}
	return s.resolver.Resolve(r.Context(), key)
}

// handleEvents opens the event stream. With ?session=<id> an existing
// session is resumed; otherwise a new one is created. The first event is
// always "endpoint": the URL the client must POST its requests to.
func (s *SSEServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeWireError(w, http.StatusUnauthorized, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeWireError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	var session *Session
	if id := r.URL.Query().Get("session"); id != "" {
		session, err = s.table.Get(id)
		if err != nil {
			writeWireError(w, http.StatusGone, err)
			return
		}
		if session.UserID != userID {
			writeWireError(w, http.StatusForbidden, fmt.Errorf("%w: session %s", types.ErrForbidden, id))
			return
		}
		session.Touch()
	} else {
		session = s.table.Open(userID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /message?session=%s\n\n", session.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Stream gone; the session stays until the reaper collects it
			// so the client can resume by id.
			logging.Transport("SSE stream for session %s disconnected", session.ID)
			return
		case <-heartbeat.C:
			session.Touch()
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case resp, ok := <-session.Outbound():
			if !ok {
				logging.Transport("SSE session %s closed, ending stream", session.ID)
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				logging.Transport("SSE session %s: encode failed for id=%s: %v", session.ID, resp.ID, err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleMessage submits one request to a session. The response arrives
// on the event stream; the POST only acknowledges acceptance.
func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeWireError(w, http.StatusUnauthorized, err)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeWireError(w, http.StatusBadRequest, types.Validationf("session query parameter required"))
		return
	}

	session, err := s.table.Get(sessionID)
	if err != nil {
		writeWireError(w, http.StatusGone, err)
		return
	}
	if session.UserID != userID {
		writeWireError(w, http.StatusForbidden, fmt.Errorf("%w: session %s", types.ErrForbidden, sessionID))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWireError(w, http.StatusBadRequest, types.Validationf("malformed request: %v", err))
		return
	}
	if err := s.table.Submit(session, &req); err != nil {
		writeWireError(w, http.StatusTooManyRequests, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true, "id": req.ID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeWireError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&Response{
		Error: &WireError{Kind: types.KindOf(err), Message: err.Error()},
	})
}
