package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	halpdesk "github.com/Paranoid-AF/halpdesk"
	"github.com/Paranoid-AF/halpdesk/session"
)

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	requestIDHeader   = "X-Request-ID"
)

// Engine answers the requests the HTTP layer decodes.
type Engine interface {
	CreateSession(pid int, cwd string) string
	GetSession(id string) (session.Session, error)
	ListSessions() []session.Summary
	DeleteSession(id string) error
	SwitchMode(id, mode string) error
	Attach(id string, pid int) (int, error)
	Detach(id string, pid int) error
	Leave(id string, pid int) (bool, error)
	Suggest(ctx context.Context, id, query string) (*halpdesk.CommandResponse, error)
	Chat(ctx context.Context, id, message string) (*halpdesk.ChatResponse, error)
	Cleanup(maxAge time.Duration) int
	Diagnostics(ctx context.Context) *halpdesk.Diagnostics
}

// Server exposes an Engine over HTTP and runs the stale-session sweep.
type Server struct {
	engine Engine
	http   *http.Server

	maxAge        time.Duration
	sweepInterval time.Duration

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSweep removes sessions idle for longer than maxAge every interval.
// A non-positive interval disables the sweep.
func WithSweep(maxAge, interval time.Duration) ServerOption {
	return func(s *Server) {
		s.maxAge = maxAge
		s.sweepInterval = interval
	}
}

// NewServer creates a server for engine.
func NewServer(engine Engine, opts ...ServerOption) *Server {
	s := &Server{engine: engine}
	s.bg, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler wrapped in request-id and logging
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /session/create", s.handleCreate)
	mux.HandleFunc("GET /session/list", s.handleList)
	mux.HandleFunc("GET /session/{id}", s.handleGet)
	mux.HandleFunc("DELETE /session/{id}", s.handleDelete)
	mux.HandleFunc("POST /session/mode", s.handleMode)
	mux.HandleFunc("POST /session/attach", s.handleAttach)
	mux.HandleFunc("POST /session/detach", s.handleDetach)
	mux.HandleFunc("POST /session/leave", s.handleLeave)
	mux.HandleFunc("POST /command/suggest", s.handleSuggest)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	return withRequestID(withLogging(mux))
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweep(s.bg)
		}()
	}
	return s.http.Serve(ln)
}

// Shutdown stops accepting requests, waits for in-flight ones and stops the
// sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.Cleanup(s.maxAge)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, halpdesk.HealthResponse{Status: "healthy"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	id := s.engine.CreateSession(req.PID, req.Cwd)
	writeJSON(w, http.StatusOK, halpdesk.SessionResponse{SessionID: id, Status: halpdesk.StatusSuccess})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, halpdesk.SessionList{Sessions: s.engine.ListSessions()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, halpdesk.SessionDetail{Session: sess})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.DeleteSession(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, halpdesk.SessionResponse{SessionID: id, Status: "deleted"})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.ModeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SwitchMode(req.SessionID, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, halpdesk.SessionResponse{SessionID: req.SessionID, Status: halpdesk.StatusSuccess})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.ClientRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.engine.Attach(req.SessionID, req.PID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, halpdesk.AttachResponse{SessionID: req.SessionID, Attached: n, Status: halpdesk.StatusSuccess})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.ClientRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.Detach(req.SessionID, req.PID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, halpdesk.CloseResponse{SessionID: req.SessionID, Status: halpdesk.StatusSuccess})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.ClientRequest
	if !decode(w, r, &req) {
		return
	}
	closed, err := s.engine.Leave(req.SessionID, req.PID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, halpdesk.CloseResponse{SessionID: req.SessionID, Closed: closed, Status: halpdesk.StatusSuccess})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.SuggestRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	resp, err := s.engine.Suggest(r.Context(), req.SessionID, req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	resp, err := s.engine.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Diagnostics(r.Context()))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req halpdesk.CleanupRequest
	if r.ContentLength != 0 {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
			return
		}
	}
	maxAge := s.maxAge
	if req.MaxAgeSeconds > 0 {
		maxAge = time.Duration(req.MaxAgeSeconds) * time.Second
	}
	writeJSON(w, http.StatusOK, halpdesk.CleanupResponse{CleanedSessions: s.engine.Cleanup(maxAge)})
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeError maps engine errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrInvalidMode):
		writeProblem(w, http.StatusBadRequest, "invalid_mode", err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, halpdesk.ErrorResponse{
		Detail: message,
		Error:  &halpdesk.Error{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		http.Error(w, `{"detail":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

type requestIDKey struct{}

// withRequestID tags each request with an id, reusing the client's when set.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r.Context()),
		}
		switch {
		case rec.status >= http.StatusInternalServerError:
			slog.Error("request", attrs...)
		case r.URL.Path == "/health":
			slog.Debug("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	})
}
