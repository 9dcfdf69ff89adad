package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/analysis"
	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
	"kaiwa-server/pkg/session"
)

// SessionController is the subset of the session manager the HTTP API uses.
type SessionController interface {
	StartSession(ctx context.Context, sessionID string) (*session.Supervisor, error)
	GetSession(sessionID string) (*session.Supervisor, error)
	StopSession(sessionID string) error
	EndSession(ctx context.Context, sessionID string) (*analysis.Reflection, error)
	States() []session.State
	ActiveCount() int
}

// Config holds HTTP server configuration.
type Config struct {
	Port          int
	EnableMetrics bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig returns sensible server defaults
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		EnableMetrics: true,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// Server exposes health checks, metrics, and the session API.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	sessions   SessionController
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time
}

// NewServer creates the HTTP server and registers all routes
func NewServer(logger *logrus.Logger, config *Config, sessions SessionController) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config:    config,
		logger:    logger,
		sessions:  sessions,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /live", s.handleLiveness)
	s.mux.HandleFunc("GET /ready", s.handleReadiness)

	s.mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/end", s.handleEndSession)

	s.mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	s.mux.HandleFunc("POST /api/sessions/{id}/utterances/{uid}/pin", s.handlePinUtterance)
	s.mux.HandleFunc("POST /api/sessions/{id}/utterances/{uid}/important", s.handleMarkImportant)
	s.mux.HandleFunc("POST /api/sessions/{id}/suggestions/{sid}/dismiss", s.handleDismissSuggestion)
	s.mux.HandleFunc("POST /api/sessions/{id}/suggestions/{sid}/use", s.handleUseSuggestion)
	s.mux.HandleFunc("POST /api/sessions/{id}/layer", s.handleSetLayer)
	s.mux.HandleFunc("POST /api/sessions/{id}/extraction", s.handleUpdateExtraction)

	if config.EnableMetrics {
		metrics.RegisterHandler(s.mux)
	}

	return s
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).String(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if r.Body != nil {
		// An empty body is allowed; the server generates an ID
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.SessionID == "" {
		body.SessionID = uuid.New().String()
	}

	supervisor, err := s.sessions.StartSession(r.Context(), body.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, supervisor.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessions.States(),
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.sessions.StopSession(sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "stopped"})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	reflection, err := s.sessions.EndSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := map[string]interface{}{"session_id": sessionID, "status": "ended"}
	if reflection != nil {
		response["reflection"] = reflection
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	supervisor, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"utterances": supervisor.Transcript(),
		"balance":    supervisor.Balance(),
	})
}

func (s *Server) handlePinUtterance(w http.ResponseWriter, r *http.Request) {
	supervisor, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// An empty body pins without a note
	body := struct {
		Pinned *bool  `json:"pinned"`
		Note   string `json:"note"`
	}{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	pinned := true
	if body.Pinned != nil {
		pinned = *body.Pinned
	}

	if err := supervisor.PinUtterance(r.PathValue("uid"), pinned, body.Note); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"utterance_id": r.PathValue("uid"),
		"pinned":       pinned,
	})
}

func (s *Server) handleMarkImportant(w http.ResponseWriter, r *http.Request) {
	supervisor, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := struct {
		Important *bool `json:"important"`
	}{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	important := true
	if body.Important != nil {
		important = *body.Important
	}

	if err := supervisor.MarkImportant(r.PathValue("uid"), important); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"utterance_id": r.PathValue("uid"),
		"important":    important,
	})
}

func (s *Server) handleDismissSuggestion(w http.ResponseWriter, r *http.Request) {
	s.handleSuggestionAction(w, r, "dismissed", (*session.Supervisor).DismissSuggestion)
}

func (s *Server) handleUseSuggestion(w http.ResponseWriter, r *http.Request) {
	s.handleSuggestionAction(w, r, "used", (*session.Supervisor).UseSuggestion)
}

func (s *Server) handleSuggestionAction(w http.ResponseWriter, r *http.Request, status string, action func(*session.Supervisor, string) error) {
	supervisor, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	suggestionID := r.PathValue("sid")
	if err := action(supervisor, suggestionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"suggestion_id": suggestionID,
		"status":        status,
	})
}

func (s *Server) handleSetLayer(w http.ResponseWriter, r *http.Request) {
	supervisor, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body struct {
		Layer string `json:"layer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Layer == "" {
		s.writeError(w, errors.NewInvalidInput("layer is required"))
		return
	}

	if err := supervisor.SetLayer(body.Layer); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"layer": body.Layer})
}

func (s *Server) handleUpdateExtraction(w http.ResponseWriter, r *http.Request) {
	supervisor, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var extraction json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&extraction); err != nil || len(extraction) == 0 {
		s.writeError(w, errors.NewInvalidInput("extraction payload is required"))
		return
	}

	if err := supervisor.UpdateExtraction(extraction); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode HTTP response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrSessionNotFound), errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrSessionAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrDeviceUnavailable), errors.Is(err, errors.ErrControlUnavailable):
		status = http.StatusServiceUnavailable
	}

	s.logger.WithError(err).WithField("status", status).Warn("HTTP request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
