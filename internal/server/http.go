package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
	"github.com/amanullahtanweer/voice-intake/internal/capture"
	"github.com/amanullahtanweer/voice-intake/internal/events"
	"github.com/amanullahtanweer/voice-intake/internal/flow"
	"github.com/amanullahtanweer/voice-intake/internal/metrics"
	"github.com/amanullahtanweer/voice-intake/internal/speech"
)

const (
	frontendHTTP = "http"

	wsWriteTimeout = 10 * time.Second
)

var errBadUpload = errors.New("bad upload")

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port           int
	Address        string
	MaxUploadBytes int64
}

// HTTPServer exposes sessions to a browser page: JSON operations, WAV
// uploads and a websocket event stream.
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	registry  *Registry
	hub       *events.Hub
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	upgrader  websocket.Upgrader
	maxUpload int64
	startTime time.Time
}

// NewHTTPServer creates the API server. hub is required for the event
// stream and speech events; m and gatherer may be nil.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, registry *Registry, hub *events.Hub, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	h := &HTTPServer{
		logger:    logger,
		registry:  registry,
		hub:       hub,
		metrics:   m,
		gatherer:  gatherer,
		maxUpload: cfg.MaxUploadBytes,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler { return h.server.Handler }

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("POST /sessions", h.withMetrics("/sessions", h.handleCreate))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSnapshot))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleDelete))
	mux.HandleFunc("POST /sessions/{id}/start", h.withMetrics("/sessions/{id}/start", h.handleStart))
	mux.HandleFunc("POST /sessions/{id}/repeat", h.withMetrics("/sessions/{id}/repeat", h.handleRepeat))
	mux.HandleFunc("POST /sessions/{id}/recording", h.withMetrics("/sessions/{id}/recording", h.handleStartRecording))
	mux.HandleFunc("PUT /sessions/{id}/recording", h.withMetrics("/sessions/{id}/recording", h.handleUpload))
	mux.HandleFunc("DELETE /sessions/{id}/recording", h.withMetrics("/sessions/{id}/recording", h.handleCancelRecording))
	mux.HandleFunc("POST /sessions/{id}/accept", h.withMetrics("/sessions/{id}/accept", h.handleAccept))
	mux.HandleFunc("POST /sessions/{id}/reject", h.withMetrics("/sessions/{id}/reject", h.handleReject))
	mux.HandleFunc("POST /sessions/{id}/next", h.withMetrics("/sessions/{id}/next", h.handleNext))
	mux.HandleFunc("GET /sessions/{id}/audio/{index}/{attempt}", h.withMetrics("/sessions/{id}/audio", h.handleAudio))

	// websocket upgrade needs the unwrapped ResponseWriter
	mux.HandleFunc("GET /sessions/{id}/events", h.handleEvents)

	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
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

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// sessionResponse is the body of every session operation
type sessionResponse struct {
	Snapshot  flow.Snapshot `json:"snapshot"`
	Completed bool          `json:"completed"`
}

type uploadResponse struct {
	Index   int    `json:"index"`
	Attempt int    `json:"attempt"`
	Ref     string `json:"ref"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"sessions":  h.registry.Len(),
	})
}

func (h *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	buffer := capture.NewWAVBuffer()
	buffer.SetLimit(int(h.maxUpload))

	sess, err := h.registry.Create(SessionOptions{
		ID:       id,
		Frontend: frontendHTTP,
		Recorder: buffer,
		Speaker:  h.speaker(id),
		RefFunc: func(index, attempt int) string {
			return fmt.Sprintf("/sessions/%s/audio/%d/%d", id, index, attempt)
		},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Snapshot: sess.Workflow.Snapshot()})
}

// speaker hands question text to the browser, which speaks it with speechSynthesis
func (h *HTTPServer) speaker(sessionID string) speech.Speaker {
	if h.hub == nil {
		return speech.Unsupported{}
	}
	return speech.Func(func(text string) error {
		h.hub.Observe(flow.Event{Type: flow.EventSpeak, SessionID: sessionID, Text: text, At: time.Now()})
		return nil
	})
}

func (h *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := sess.Workflow.Snapshot()
	writeJSON(w, http.StatusOK, sessionResponse{Snapshot: snap, Completed: snap.Completed})
}

func (h *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.PathValue("id"), "deleted"); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(wf *flow.Workflow) error { return wf.Start() })
}

func (h *HTTPServer) handleRepeat(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(wf *flow.Workflow) error { return wf.Repeat() })
}

func (h *HTTPServer) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(wf *flow.Workflow) error { return wf.StartRecording() })
}

func (h *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(wf *flow.Workflow) error {
		_, err := wf.Accept()
		return err
	})
}

func (h *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(wf *flow.Workflow) error { return wf.Reject() })
}

func (h *HTTPServer) handleNext(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(wf *flow.Workflow) error {
		_, err := wf.Next()
		return err
	})
}

// operate runs one workflow operation and answers with the new snapshot
func (h *HTTPServer) operate(w http.ResponseWriter, r *http.Request, op func(*flow.Workflow) error) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := op(sess.Workflow); err != nil {
		h.writeError(w, err)
		return
	}
	snap := sess.Workflow.Snapshot()
	writeJSON(w, http.StatusOK, sessionResponse{Snapshot: snap, Completed: snap.Completed})
}

// handleUpload takes the finished recording as a multipart "file" field or
// a raw WAV body, stops the recording and transcribes it in the background.
func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	buffer, ok := sess.recorder.(*capture.Buffer)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: session does not accept uploads", errBadUpload))
		return
	}

	data, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := buffer.Write(data); err != nil {
		if errors.Is(err, capture.ErrNotRecording) {
			h.writeError(w, flow.ErrNotRecording)
			return
		}
		h.writeError(w, fmt.Errorf("%w: %v", errBadUpload, err))
		return
	}

	req, err := sess.Workflow.StopRecording()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := sess.TranscribeAsync(req, nil); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{Index: req.Index, Attempt: req.Attempt, Ref: req.Ref})
}

// handleCancelRecording abandons a recording the browser could not make.
// reason=denied reports a refused microphone and answers 403; any other
// reason is a capture failure and answers with the snapshot.
func (h *HTTPServer) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	var cause error
	switch reason {
	case "denied":
		cause = capture.ErrDenied
	case "":
		cause = errors.New("capture: recording cancelled by client")
	default:
		cause = fmt.Errorf("capture: recording failed: %s", reason)
	}
	if detail := r.URL.Query().Get("detail"); detail != "" {
		cause = fmt.Errorf("%w: %s", cause, detail)
	}

	if err := sess.Workflow.CancelRecording(cause); err != nil {
		h.writeError(w, err)
		return
	}
	if errors.Is(cause, capture.ErrDenied) {
		h.writeError(w, cause)
		return
	}
	snap := sess.Workflow.Snapshot()
	writeJSON(w, http.StatusOK, sessionResponse{Snapshot: snap, Completed: snap.Completed})
}

func (h *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, h.maxUpload+64<<10)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = body
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadUpload, err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadUpload, err)
		}
		return data, nil
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadUpload, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", errBadUpload)
	}
	return data, nil
}

func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	index, err1 := strconv.Atoi(r.PathValue("index"))
	attempt, err2 := strconv.Atoi(r.PathValue("attempt"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid recording reference"})
		return
	}

	clip, ok := sess.Workflow.Audio(index, attempt)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "recording not found"})
		return
	}
	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Audio)))
	_, _ = w.Write(clip.Audio)
}

// streamMessage is one websocket frame: either the initial snapshot or an event
type streamMessage struct {
	Type     string         `json:"type"`
	Snapshot *flow.Snapshot `json:"snapshot,omitempty"`
	Event    *flow.Event    `json:"event,omitempty"`
}

// handleEvents streams a snapshot followed by every event of the session
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "event stream disabled"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}
	defer conn.Close()
	// the hijacked connection keeps the server's read deadline
	_ = conn.SetReadDeadline(time.Time{})

	sub := h.hub.Subscribe(sess.ID)
	defer sub.Close()

	snap := sess.Workflow.Snapshot()
	if err := writeStream(conn, streamMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	// the reader only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeStream(conn, streamMessage{Type: "event", Event: &ev}); err != nil {
				h.logger.Debug("Websocket write failed", "session_id", sess.ID, "error", err)
				return
			}
		case <-gone:
			return
		}
	}
}

func writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func (h *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return sess, true
}

// statusFor maps workflow and capture errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errSessionClosed):
		return http.StatusGone
	case errors.Is(err, capture.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, flow.ErrInvalidTransition),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, errSessionExists):
		return http.StatusConflict
	case errors.Is(err, errBadUpload),
		errors.Is(err, capture.ErrEmpty),
		errors.Is(err, audio.ErrInvalidWAV):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
