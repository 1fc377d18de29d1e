package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amanullahtanweer/voice-intake/internal/capture"
	"github.com/amanullahtanweer/voice-intake/internal/events"
	"github.com/amanullahtanweer/voice-intake/internal/flow"
	"github.com/amanullahtanweer/voice-intake/internal/metrics"
	"github.com/amanullahtanweer/voice-intake/internal/speech"
	"github.com/amanullahtanweer/voice-intake/internal/transcriber"
)

var (
	errSessionNotFound = errors.New("session not found")
	errSessionExists   = errors.New("session already exists")
	errSessionClosed   = errors.New("session closed")
)

// Deps are shared by every session the registry creates
type Deps struct {
	Questions         []flow.Question
	Transcriber       transcriber.Transcriber
	TranscribeTimeout time.Duration
	ManualAdvance     bool

	LogDir   string
	SaveLogs bool

	Metrics   *metrics.Metrics // optional
	Hub       *events.Hub      // optional
	Publisher flow.Observer    // optional, e.g. *events.RedisPublisher

	Logger *slog.Logger
}

// SessionOptions describes one new session
type SessionOptions struct {
	ID       string
	Frontend string
	Recorder capture.Recorder
	Speaker  speech.Speaker
	RefFunc  func(index, attempt int) string
}

// Session is one questionnaire held by the registry
type Session struct {
	ID       string
	Frontend string
	Workflow *flow.Workflow
	Created  time.Time

	recorder capture.Recorder
	log      *flow.SessionLogger
	summary  *metrics.SessionMetrics
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration

	// wg.Add happens under closeMu so close never races a new transcription
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup

	logger   *slog.Logger
}

// Registry holds the in-memory sessions of the process
type Registry struct {
	deps     Deps
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.TranscribeTimeout <= 0 {
		deps.TranscribeTimeout = 30 * time.Second
	}
	return &Registry{deps: deps, sessions: make(map[string]*Session)}
}

// Create builds a session and registers it under opts.ID
func (r *Registry) Create(opts SessionOptions) (*Session, error) {
	started := time.Now()
	logger := r.deps.Logger.With("session_id", opts.ID, "frontend", opts.Frontend)

	wf, err := flow.NewWorkflow(flow.Config{
		SessionID:     opts.ID,
		Questions:     r.deps.Questions,
		Recorder:      opts.Recorder,
		Speaker:       opts.Speaker,
		Transcriber:   r.deps.Transcriber,
		ManualAdvance: r.deps.ManualAdvance,
		RefFunc:       opts.RefFunc,
		Logger:        r.deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:       opts.ID,
		Frontend: opts.Frontend,
		Workflow: wf,
		Created:  started,
		recorder: opts.Recorder,
		summary:  metrics.NewSessionMetrics(opts.Frontend, opts.ID),
		ctx:      ctx,
		cancel:   cancel,
		timeout:  r.deps.TranscribeTimeout,
		logger:   logger,
	}

	if r.deps.SaveLogs {
		sl, err := flow.NewSessionLogger(r.deps.LogDir, opts.ID, started)
		if err != nil {
			logger.Warn("Failed to create session log", "error", err)
		} else {
			sess.log = sl
			sl.LogSessionStart(opts.ID, opts.Frontend, wf.Snapshot().Count, started)
		}
	}

	observers := []flow.Observer{sess.summary}
	if sess.log != nil {
		observers = append(observers, sess.log)
	}
	if r.deps.Metrics != nil {
		observers = append(observers, r.deps.Metrics)
	}
	if r.deps.Hub != nil {
		observers = append(observers, r.deps.Hub)
	}
	if r.deps.Publisher != nil {
		observers = append(observers, r.deps.Publisher)
	}
	wf.SetObserver(flow.Observers(observers...))

	r.mu.Lock()
	if _, exists := r.sessions[opts.ID]; exists {
		r.mu.Unlock()
		cancel()
		if sess.log != nil {
			sess.log.Close()
		}
		return nil, fmt.Errorf("%w: %s", errSessionExists, opts.ID)
	}
	r.sessions[opts.ID] = sess
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordSessionCreated(opts.Frontend)
	}
	logger.Info("Session created")
	return sess, nil
}

// Get looks up a session
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSessionNotFound, id)
	}
	return sess, nil
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove discards a session, cancelling its in-flight transcriptions
func (r *Registry) Remove(id, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errSessionNotFound, id)
	}

	sess.close(reason)
	if r.deps.Hub != nil {
		r.deps.Hub.CloseSession(id)
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordSessionRemoved(time.Since(sess.Created).Seconds())
	}
	return nil
}

// CloseAll removes every session
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Remove(id, reason)
	}
}

// TranscribeAsync runs the request in the background; the result reaches
// clients as workflow events. A closed session refuses the request.
func (sess *Session) TranscribeAsync(req flow.Request, done func(error)) error {
	sess.closeMu.Lock()
	if sess.closed {
		sess.closeMu.Unlock()
		return fmt.Errorf("%w: %s", errSessionClosed, sess.ID)
	}
	sess.wg.Add(1)
	sess.closeMu.Unlock()

	go func() {
		defer sess.wg.Done()
		err := sess.Transcribe(req)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Transcribe runs the request bounded by the transcription timeout
func (sess *Session) Transcribe(req flow.Request) error {
	ctx, cancel := context.WithTimeout(sess.ctx, sess.timeout)
	defer cancel()

	err := sess.Workflow.Transcribe(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, flow.ErrStaleResult):
		sess.logger.Debug("Transcription result superseded", "index", req.Index, "attempt", req.Attempt)
	default:
		sess.logger.Warn("Transcription failed", "index", req.Index, "attempt", req.Attempt, "error", err)
	}
	return err
}

func (sess *Session) close(reason string) {
	sess.closeMu.Lock()
	sess.closed = true
	sess.closeMu.Unlock()

	sess.cancel()
	sess.wg.Wait()

	// release a capture process left running
	if rec, ok := sess.recorder.(interface{ Recording() bool }); ok && rec.Recording() {
		_, _ = sess.recorder.Stop()
	}

	sess.summary.Finalize()
	sess.logger.Info("Session ended", "reason", reason, "answers", len(sess.Workflow.Answers()))
	sess.logger.Debug("Session summary\n" + sess.summary.Summary())

	if sess.log != nil {
		sess.log.LogSessionEnd(sess.ID, time.Now(), reason)
		if err := sess.log.Close(); err != nil {
			sess.logger.Warn("Failed to close session log", "error", err)
		}
	}
}
