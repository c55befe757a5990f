package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/pstn-voice-agent/internal/config"
	"github.com/voxgate/pstn-voice-agent/internal/metrics"
	"github.com/voxgate/pstn-voice-agent/internal/protocol"
	"github.com/voxgate/pstn-voice-agent/internal/routing"
	"github.com/voxgate/pstn-voice-agent/internal/session"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// maxEventBody bounds the webhook request body size
const maxEventBody = 64 * 1024

// HTTPServer serves the telephony webhook and the monitoring API
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	sessionMgr *session.Manager
	metrics    *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(logger *slog.Logger, appConfig *config.Config,
	sessionMgr *session.Manager, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		sessionMgr: sessionMgr,
		metrics:    m,
		startTime:  time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Telephony control-plane webhook
	mux.HandleFunc("/v1/telephony/events", h.withMetrics("/v1/telephony/events", h.handleCallEvent))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code written by the handler
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
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

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleCallEvent implements the telephony webhook. Every control-plane
// event for every call arrives here; the response is an action list, which
// for most events is an empty acknowledgement because actions are issued
// out of band by the session orchestrators.
func (h *HTTPServer) handleCallEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	ev, err := protocol.ParseCallEvent(body)
	if err != nil {
		h.logger.Warn("Rejecting malformed call event", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Debug("Call event received",
		slog.String("call_id", ev.CallID),
		slog.String("event_type", string(ev.Type)),
		slog.String("task_handle", ev.TaskHandle),
	)

	switch ev.Type {
	case protocol.EventNewInboundCall:
		h.handleInboundCall(w, ev)
		return

	case protocol.EventActionSuccessful, protocol.EventActionFailed:
		h.dispatchActionResult(ev)

	case protocol.EventHangup:
		h.sessionMgr.OnCallerHangup(ev.CallID)

	case protocol.EventCallAnswered, protocol.EventRinging, protocol.EventActionInterrupted:
		// informational only
	}

	h.writeActions(w, protocol.NewActionRequest())
}

// handleInboundCall starts a session for a new call. Calls to numbers with
// no flow binding are answered with an immediate hangup action.
func (h *HTTPServer) handleInboundCall(w http.ResponseWriter, ev *protocol.CallEvent) {
	_, err := h.sessionMgr.Start(ev)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			h.logger.Warn("Rejecting call to unbound number",
				slog.String("call_id", ev.CallID),
				slog.String("to", ev.To),
			)
			h.writeActions(w, protocol.NewActionRequest(protocol.Action{
				Type:   protocol.ActionHangup,
				CallID: ev.CallID,
			}))
			return
		}

		h.logger.Error("Failed to start call session",
			slog.String("call_id", ev.CallID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to start session", http.StatusInternalServerError)
		return
	}

	h.writeActions(w, protocol.NewActionRequest())
}

// dispatchActionResult routes an action completion event into the call's
// session queue. Completions for finished calls are expected after a
// hangup or timeout and are dropped quietly.
func (h *HTTPServer) dispatchActionResult(ev *protocol.CallEvent) {
	handle := task.Handle(ev.TaskHandle)

	var err error
	if ev.Type == protocol.EventActionFailed {
		reason := ev.ActionData.ErrorMessage
		if reason == "" {
			reason = "action failed"
		}
		err = h.sessionMgr.OnActionFailed(ev.CallID, handle, reason)
	} else {
		switch ev.ActionData.Type {
		case protocol.ActionRecordAudio:
			err = h.sessionMgr.OnAudioReady(ev.CallID, handle, ev.ActionData.AudioRef)
		case protocol.ActionSpeak:
			err = h.sessionMgr.OnPlaybackComplete(ev.CallID, handle)
		case protocol.ActionHangup:
			// nothing awaits hangup confirmations
		}
	}

	if err != nil {
		h.logger.Debug("Dropping action result for finished call",
			slog.String("call_id", ev.CallID),
			slog.String("task_handle", ev.TaskHandle),
			slog.String("error", err.Error()),
		)
	}
}

// writeActions sends an action list response to the control plane
func (h *HTTPServer) writeActions(w http.ResponseWriter, req *protocol.ActionRequest) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "pstn-voice-agent",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessionMgr.ActiveSessionCount(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.sessionMgr.Sessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{call_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callID := r.URL.Path[len("/sessions/"):]
	if callID == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.sessionMgr.GetSession(callID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":    h.config.Server.Port,
			"address": h.config.Server.Address,
		},
		"routing": map[string]interface{}{
			"bindings": len(h.config.Routing.Bindings),
		},
		"media": map[string]interface{}{
			"control_endpoint":  h.config.Media.ControlEndpoint,
			"silence_cutoff_ms": h.config.Media.SilenceCutoffMs,
			"max_utterance_ms":  h.config.Media.MaxUtteranceMs,
			"capture_timeout":   h.config.Media.CaptureTimeout,
			"playback_timeout":  h.config.Media.PlaybackTimeout,
			// Note: API key is intentionally omitted for security
		},
		"transcription": map[string]interface{}{
			"endpoint":    h.config.Transcription.Endpoint,
			"language":    h.config.Transcription.Language,
			"sample_rate": h.config.Transcription.SampleRate,
			"timeout":     h.config.Transcription.Timeout,
			"max_retries": h.config.Transcription.MaxRetries,
		},
		"generation": map[string]interface{}{
			"model_id":    h.config.Generation.ModelID,
			"region":      h.config.Generation.Region,
			"max_tokens":  h.config.Generation.MaxTokens,
			"timeout":     h.config.Generation.Timeout,
			"max_retries": h.config.Generation.MaxRetries,
		},
		"session": map[string]interface{}{
			"max_turns":      h.config.Session.MaxTurns,
			"queue_capacity": h.config.Session.QueueCapacity,
			"idle_timeout":   h.config.Session.IdleTimeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "PSTN Voice Agent",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"POST /v1/telephony/events": "Telephony control-plane webhook",
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /sessions":             "List all active call sessions",
			"GET /sessions/{call_id}":   "Get detailed session information",
			"GET /config":               "Get service configuration",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
