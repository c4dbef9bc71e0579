package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
	"github.com/skypro1111/meeting-audio-pipeline/internal/config"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/notes"
	"github.com/skypro1111/meeting-audio-pipeline/internal/session"
)

const (
	serviceName    = "meeting-audio-pipeline"
	serviceVersion = "1.0.0"
)

// HTTPServer provides the control and monitoring API
type HTTPServer struct {
	server  *http.Server
	handler http.Handler
	logger  *slog.Logger
	config  *config.Config
	manager *session.Manager
	metrics *metrics.Metrics

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	appConfig *config.Config, manager *session.Manager, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		manager:   manager,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No write timeout: event websockets and stop requests are long-lived
	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /devices", h.withMetrics("/devices", h.handleDevices))

	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("POST /sessions", h.withMetrics("/sessions", h.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleDeleteSession))

	mux.HandleFunc("POST /sessions/{id}/start", h.withMetrics("/sessions/{id}/start", h.handleStart))
	mux.HandleFunc("POST /sessions/{id}/pause", h.withMetrics("/sessions/{id}/pause", h.handlePause))
	mux.HandleFunc("POST /sessions/{id}/resume", h.withMetrics("/sessions/{id}/resume", h.handleResume))
	mux.HandleFunc("POST /sessions/{id}/stop", h.withMetrics("/sessions/{id}/stop", h.handleStop))
	mux.HandleFunc("GET /sessions/{id}/recording", h.withMetrics("/sessions/{id}/recording", h.handleRecording))

	mux.HandleFunc("GET /sessions/{id}/transcript", h.withMetrics("/sessions/{id}/transcript", h.handleTranscript))
	mux.HandleFunc("GET /sessions/{id}/speakers", h.withMetrics("/sessions/{id}/speakers", h.handleSpeakers))
	mux.HandleFunc("GET /sessions/{id}/notes", h.withMetrics("/sessions/{id}/notes", h.handleNotes))
	mux.HandleFunc("POST /sessions/{id}/notes/generate", h.withMetrics("/sessions/{id}/notes/generate", h.handleGenerateNotes))
	mux.HandleFunc("POST /sessions/{id}/notes/{noteID}/toggle", h.withMetrics("/sessions/{id}/notes/{noteID}/toggle", h.handleToggleNote))
	mux.HandleFunc("POST /sessions/{id}/ask", h.withMetrics("/sessions/{id}/ask", h.handleAsk))
	mux.HandleFunc("GET /sessions/{id}/summary", h.withMetrics("/sessions/{id}/summary", h.handleSummary))
	mux.HandleFunc("GET /sessions/{id}/events", h.withMetrics("/sessions/{id}/events", h.handleEvents))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON encodes v with the given status
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError maps pipeline errors onto HTTP status codes
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, notes.ErrNoteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, capture.ErrAlreadyRecording), errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, notes.ErrEmptyTranscript):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, notes.ErrProvider), errors.Is(err, notes.ErrMalformedResponse):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		h.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *HTTPServer) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.manager.Lookup(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return s, true
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.GetAllSessions()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":             "running",
				"sessions":           len(sessions),
				"recording_sessions": h.manager.GetActiveSessionCount(),
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// API keys are omitted
	sanitized := map[string]interface{}{
		"capture":     h.config.Capture,
		"dispatch":    h.config.Dispatch,
		"attribution": h.config.Attribution,
		"notes":       h.config.Notes,
		"session":     h.config.Session,
		"logging":     h.config.Logging,
		"speech": map[string]interface{}{
			"provider":       h.config.Speech.Provider,
			"base_url":       h.config.Speech.BaseURL,
			"timeout":        h.config.Speech.Timeout,
			"max_retries":    h.config.Speech.MaxRetries,
			"max_concurrent": h.config.Speech.MaxConcurrent,
			"capabilities":   h.config.Speech.Capabilities,
		},
		"ai": map[string]interface{}{
			"base_url":    h.config.AI.BaseURL,
			"model":       h.config.AI.Model,
			"max_tokens":  h.config.AI.MaxTokens,
			"temperature": h.config.AI.Temperature,
			"timeout":     h.config.AI.Timeout,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitized)
}

// handleDevices implements the /devices endpoint
func (h *HTTPServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.manager.ListDevices()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// handleSessions implements GET /sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.GetAllSessions()
	infos := make([]session.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetSessionInfo())
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

type startRequest struct {
	DeviceID string `json:"device_id"`
}

// decodeOptional decodes a JSON body when one is present
func decodeOptional(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleCreateSession implements POST /sessions: create and start recording
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s, err := h.manager.CreateSession()
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	if err := s.Start(r.Context(), req.DeviceID); err != nil {
		h.manager.RemoveSession(s.ID)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, s.GetSessionInfo())
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, s.GetSessionInfo())
}

// handleDeleteSession implements DELETE /sessions/{id}
func (h *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.manager.RemoveSession(r.PathValue("id")) {
		h.writeError(w, fmt.Errorf("%w: %s", session.ErrSessionNotFound, r.PathValue("id")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStart implements POST /sessions/{id}/start, beginning a new meeting
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.Start(r.Context(), req.DeviceID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s.GetSessionInfo())
}

// handlePause implements POST /sessions/{id}/pause
func (h *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := s.Pause(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s.GetSessionInfo())
}

// handleResume implements POST /sessions/{id}/resume
func (h *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := s.Resume(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s.GetSessionInfo())
}

// handleStop implements POST /sessions/{id}/stop
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if _, err := s.Stop(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s.GetSessionInfo())
}

// handleRecording implements GET /sessions/{id}/recording
func (h *HTTPServer) handleRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	wav := s.Archive()
	if len(wav) == 0 {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no recording available"})
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.ID+".wav"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(wav); err != nil {
		h.logger.Warn("Failed to write recording", slog.String("error", err.Error()))
	}
}

// handleTranscript implements GET /sessions/{id}/transcript
func (h *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	entries := s.Transcript()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"total": len(entries), "entries": entries})
}

// handleSpeakers implements GET /sessions/{id}/speakers
func (h *HTTPServer) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"speakers": s.Roster()})
}

// handleNotes implements GET /sessions/{id}/notes
func (h *HTTPServer) handleNotes(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	list := s.Notes()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"total": len(list), "notes": list})
}

// handleGenerateNotes implements POST /sessions/{id}/notes/generate
func (h *HTTPServer) handleGenerateNotes(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	created, err := s.GenerateNotes(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"total": len(created), "notes": created})
}

// handleToggleNote implements POST /sessions/{id}/notes/{noteID}/toggle
func (h *HTTPServer) handleToggleNote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	note, err := s.ToggleNote(r.PathValue("noteID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, note)
}

type askRequest struct {
	Question string `json:"question"`
}

// handleAsk implements POST /sessions/{id}/ask
func (h *HTTPServer) handleAsk(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	answer, err := s.Ask(r.Context(), req.Question)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, answer)
}

// handleSummary implements GET /sessions/{id}/summary
func (h *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	summary, err := s.Summarize(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Meeting Audio Pipeline",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                                    "API documentation",
			"GET /health":                              "Service health check",
			"GET /config":                              "Service configuration without secrets",
			"GET /devices":                             "List audio input devices",
			"GET /sessions":                            "List sessions",
			"POST /sessions":                           "Create a session and start recording",
			"GET /sessions/{id}":                       "Session details",
			"DELETE /sessions/{id}":                    "Stop and remove a session",
			"POST /sessions/{id}/start":                "Start a new meeting in an existing session",
			"POST /sessions/{id}/pause":                "Pause recording",
			"POST /sessions/{id}/resume":               "Resume recording",
			"POST /sessions/{id}/stop":                 "Stop recording",
			"GET /sessions/{id}/recording":             "Download the WAV recording",
			"GET /sessions/{id}/transcript":            "Transcript entries",
			"GET /sessions/{id}/speakers":              "Speaker roster",
			"GET /sessions/{id}/notes":                 "Generated notes",
			"POST /sessions/{id}/notes/generate":       "Generate notes now",
			"POST /sessions/{id}/notes/{noteID}/toggle": "Toggle a note's completed flag",
			"POST /sessions/{id}/ask":                  "Ask a question about the meeting",
			"GET /sessions/{id}/summary":               "Meeting summary",
			"GET /sessions/{id}/events":                "Live event websocket",
			"GET /metrics":                             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
