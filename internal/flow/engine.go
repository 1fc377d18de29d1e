// Package flow runs the intake questionnaire: it walks a fixed list of
// questions, records and transcribes one answer per question, and holds each
// transcription for explicit confirmation before it is stored.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amanullahtanweer/voice-intake/internal/capture"
	"github.com/amanullahtanweer/voice-intake/internal/speech"
	"github.com/amanullahtanweer/voice-intake/internal/transcriber"
)

// Config wires the capabilities a Workflow drives
type Config struct {
	SessionID   string
	Questions   []Question
	Recorder    capture.Recorder
	Speaker     speech.Speaker
	Transcriber transcriber.Transcriber

	// ManualAdvance keeps a confirmed question current until Next is called
	ManualAdvance bool

	// RefFunc names the playable reference of a recording
	RefFunc func(index, attempt int) string

	Logger *slog.Logger
}

// DefaultRef is the recording reference used when Config.RefFunc is nil
func DefaultRef(index, attempt int) string {
	return fmt.Sprintf("q%d-a%d.wav", index, attempt)
}

// Workflow is one session of the questionnaire. All methods are safe for
// concurrent use; Transcribe is the only one that blocks on the network.
type Workflow struct {
	id          string
	recorder    capture.Recorder
	speaker     speech.Speaker
	transcriber transcriber.Transcriber
	manual      bool
	refFunc     func(index, attempt int) string
	logger      *slog.Logger

	mu        sync.Mutex
	seq       *Sequencer
	slots     []SlotState
	answers   []*ConfirmedAnswer
	pending   *TentativeResult
	attempt   int
	started   bool
	completed bool
	startedAt time.Time

	// queued holds events and utterances produced under mu. Each batch takes
	// a ticket under mu and is delivered once mu is released, in ticket order.
	queued  []Event
	toSpeak []string
	issued  uint64

	turnMu    sync.Mutex
	turn      *sync.Cond
	delivered uint64
	observer  Observer
}

// NewWorkflow validates cfg and returns an unstarted session
func NewWorkflow(cfg Config) (*Workflow, error) {
	questions := cfg.Questions
	if questions == nil {
		questions = DefaultQuestions()
	}
	seq, err := NewSequencer(questions)
	if err != nil {
		return nil, err
	}
	if cfg.Recorder == nil {
		return nil, errors.New("flow: recorder is required")
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("flow: transcriber is required")
	}

	speaker := cfg.Speaker
	if speaker == nil {
		speaker = speech.Unsupported{}
	}
	refFunc := cfg.RefFunc
	if refFunc == nil {
		refFunc = DefaultRef
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Workflow{
		id:          cfg.SessionID,
		recorder:    cfg.Recorder,
		speaker:     speaker,
		transcriber: cfg.Transcriber,
		manual:      cfg.ManualAdvance,
		refFunc:     refFunc,
		logger:      logger.With("session_id", cfg.SessionID),
		seq:         seq,
		slots:       make([]SlotState, seq.Len()),
		answers:     make([]*ConfirmedAnswer, seq.Len()),
	}
	w.turn = sync.NewCond(&w.turnMu)
	return w, nil
}

// SetObserver installs the receiver of workflow events. Call it before Start.
func (w *Workflow) SetObserver(o Observer) {
	w.turnMu.Lock()
	w.observer = o
	w.turnMu.Unlock()
}

// ID returns the session id
func (w *Workflow) ID() string { return w.id }

// Start asks the first question
func (w *Workflow) Start() error {
	w.mu.Lock()
	defer w.unlock()

	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	w.startedAt = time.Now()
	w.logger.Info("Session started", "questions", w.seq.Len())
	w.announce()
	return nil
}

// Repeat speaks the current question again
func (w *Workflow) Repeat() error {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return err
	}
	w.toSpeak = append(w.toSpeak, w.seq.Current().Text)
	return nil
}

// CurrentQuestion returns the question being answered
func (w *Workflow) CurrentQuestion() Question {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq.Current()
}

// StartRecording begins capturing an answer to the current question. While a
// transcription is in flight it abandons that request: its result will be
// dropped as stale.
func (w *Workflow) StartRecording() error {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return err
	}
	i := w.seq.Index()
	switch w.slots[i] {
	case SlotRecording:
		return ErrAlreadyRecording
	case SlotPendingReview:
		return ErrPendingReview
	case SlotConfirmed:
		return ErrAlreadyAnswered
	}

	if err := w.recorder.Start(); err != nil {
		w.captureFailed(i, err)
		return fmt.Errorf("start recording: %w", err)
	}

	if w.slots[i] == SlotTranscribing {
		w.logger.Info("Abandoning in-flight transcription", "index", i, "attempt", w.attempt)
	}
	w.attempt++
	w.slots[i] = SlotRecording
	w.queue(Event{Type: EventRecordingStarted, Index: i, Attempt: w.attempt})
	return nil
}

// StopRecording ends the capture and returns the request to transcribe. The
// slot moves to Transcribing until Transcribe is called with the request.
func (w *Workflow) StopRecording() (Request, error) {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return Request{}, err
	}
	i := w.seq.Index()
	if w.slots[i] != SlotRecording {
		return Request{}, ErrNotRecording
	}

	clip, err := w.recorder.Stop()
	if err != nil {
		w.slots[i] = SlotUnanswered
		w.captureFailed(i, err)
		return Request{}, fmt.Errorf("stop recording: %w", err)
	}

	req := Request{
		Index:   i,
		Attempt: w.attempt,
		Clip:    clip,
		Ref:     w.refFunc(i, w.attempt),
		Issued:  time.Now(),
	}
	w.slots[i] = SlotTranscribing
	w.queue(Event{Type: EventRecordingStopped, Index: i, Attempt: req.Attempt, Ref: req.Ref, Latency: clip.Duration})
	return req, nil
}

// Transcribe sends the request's audio to the transcription service. A
// response for a request that is no longer current is discarded and
// ErrStaleResult returned. Failures reset the slot so the answer can be
// recorded again; they are returned as *transcriber.Error.
func (w *Workflow) Transcribe(ctx context.Context, req Request) error {
	started := time.Now()
	text, err := w.transcriber.Transcribe(ctx, req.Clip.Audio)
	latency := time.Since(started)

	w.mu.Lock()
	defer w.unlock()

	if !w.isCurrent(req) {
		w.logger.Info("Dropping stale transcription", "index", req.Index, "attempt", req.Attempt, "current_attempt", w.attempt)
		w.queue(Event{Type: EventStaleResult, Index: req.Index, Attempt: req.Attempt, Latency: latency})
		return ErrStaleResult
	}

	if err != nil {
		var terr *transcriber.Error
		if !errors.As(err, &terr) {
			err = &transcriber.Error{Backend: "unknown", Err: err}
		}
		w.slots[req.Index] = SlotUnanswered
		w.logger.Warn("Transcription failed", "index", req.Index, "attempt", req.Attempt, "error", err)
		w.queue(Event{Type: EventTranscriptionFailed, Index: req.Index, Attempt: req.Attempt, Error: err.Error(), Latency: latency})
		return err
	}

	w.pending = &TentativeResult{
		Index:         req.Index,
		Attempt:       req.Attempt,
		Transcription: text,
		Ref:           req.Ref,
		Duration:      req.Clip.Duration,
		Audio:         req.Clip,
	}
	w.slots[req.Index] = SlotPendingReview
	w.logger.Info("Transcription ready", "index", req.Index, "attempt", req.Attempt, "chars", len(text), "latency", latency)
	w.queue(Event{Type: EventTranscribed, Index: req.Index, Attempt: req.Attempt, Text: text, Ref: req.Ref, Latency: latency})
	return nil
}

// CancelRecording abandons the current recording after a capture failure
// reported by the front end, such as a browser refusing the microphone. The
// clip is discarded, the slot returns to Unanswered and a capture event
// carrying cause is emitted.
func (w *Workflow) CancelRecording(cause error) error {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return err
	}
	i := w.seq.Index()
	if w.slots[i] != SlotRecording {
		return ErrNotRecording
	}
	_, _ = w.recorder.Stop()
	w.slots[i] = SlotUnanswered
	w.captureFailed(i, cause)
	return nil
}

// StopAndTranscribe stops the recording and waits for its transcription
func (w *Workflow) StopAndTranscribe(ctx context.Context) error {
	req, err := w.StopRecording()
	if err != nil {
		return err
	}
	return w.Transcribe(ctx, req)
}

// Accept confirms the pending transcription as the answer. Unless the
// workflow advances manually it moves to the next question; completed
// reports whether that was the last one.
func (w *Workflow) Accept() (completed bool, err error) {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return false, err
	}
	i := w.seq.Index()
	if w.slots[i] != SlotPendingReview || w.pending == nil {
		return false, ErrNoPending
	}

	p := w.pending
	w.answers[i] = &ConfirmedAnswer{
		Index:         i,
		Question:      w.seq.Current().Text,
		Attempt:       p.Attempt,
		Transcription: p.Transcription,
		Ref:           p.Ref,
		Duration:      p.Duration,
		ConfirmedAt:   time.Now(),
		Audio:         p.Audio,
	}
	w.pending = nil
	w.slots[i] = SlotConfirmed
	w.queue(Event{Type: EventAccepted, Index: i, Attempt: p.Attempt, Text: p.Transcription, Ref: p.Ref})

	if !w.manual {
		w.advance()
	}
	return w.completed, nil
}

// Reject discards the pending transcription; the question stays current
func (w *Workflow) Reject() error {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return err
	}
	i := w.seq.Index()
	if w.slots[i] != SlotPendingReview || w.pending == nil {
		return ErrNoPending
	}
	attempt := w.pending.Attempt
	w.pending = nil
	w.slots[i] = SlotUnanswered
	w.queue(Event{Type: EventRejected, Index: i, Attempt: attempt})
	return nil
}

// Next moves past a confirmed question when the workflow advances manually
func (w *Workflow) Next() (completed bool, err error) {
	w.mu.Lock()
	defer w.unlock()

	if err := w.checkActive(); err != nil {
		return false, err
	}
	if w.slots[w.seq.Index()] != SlotConfirmed {
		return false, ErrNotAnswered
	}
	w.advance()
	return w.completed, nil
}

// Snapshot returns a consistent copy of the session state
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.seq.Index()
	snap := Snapshot{
		SessionID: w.id,
		Started:   w.started,
		Completed: w.completed,
		Index:     i,
		Count:     w.seq.Len(),
		Question:  w.seq.Current(),
		State:     w.slots[i],
		Attempt:   w.attempt,
		Slots:     append([]SlotState(nil), w.slots...),
		Answers:   w.confirmed(),
	}
	if w.pending != nil {
		p := *w.pending
		snap.Pending = &p
	}
	return snap
}

// Answers returns the confirmed answers in question order
func (w *Workflow) Answers() []*ConfirmedAnswer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmed()
}

// Audio finds the clip of a confirmed or pending answer
func (w *Workflow) Audio(index, attempt int) (capture.Clip, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p := w.pending; p != nil && p.Index == index && p.Attempt == attempt {
		return p.Audio, true
	}
	if index >= 0 && index < len(w.answers) {
		if a := w.answers[index]; a != nil && a.Attempt == attempt {
			return a.Audio, true
		}
	}
	return capture.Clip{}, false
}

// Completed reports whether every question was answered
func (w *Workflow) Completed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed
}

func (w *Workflow) confirmed() []*ConfirmedAnswer {
	out := make([]*ConfirmedAnswer, 0, len(w.answers))
	for _, a := range w.answers {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (w *Workflow) checkActive() error {
	if !w.started {
		return ErrNotStarted
	}
	if w.completed {
		return ErrCompleted
	}
	return nil
}

// isCurrent reports whether req is the outstanding request of the current question
func (w *Workflow) isCurrent(req Request) bool {
	return w.started && !w.completed &&
		req.Index == w.seq.Index() &&
		req.Attempt == w.attempt &&
		w.slots[req.Index] == SlotTranscribing
}

func (w *Workflow) advance() {
	w.pending = nil
	if w.seq.Advance() {
		w.announce()
		return
	}
	w.completed = true
	w.logger.Info("All questions answered", "answers", len(w.confirmed()), "duration", time.Since(w.startedAt))
	w.queue(Event{Type: EventCompleted, Index: w.seq.Index()})
}

func (w *Workflow) announce() {
	q := w.seq.Current()
	w.queue(Event{Type: EventQuestion, Index: q.Index, Text: q.Text})
	w.toSpeak = append(w.toSpeak, q.Text)
}

func (w *Workflow) captureFailed(index int, err error) {
	typ := EventCaptureFailed
	if errors.Is(err, capture.ErrDenied) {
		typ = EventCaptureDenied
	}
	w.logger.Warn("Audio capture failed", "index", index, "error", err)
	w.queue(Event{Type: typ, Index: index, Error: err.Error()})
}

func (w *Workflow) queue(ev Event) {
	ev.SessionID = w.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	w.queued = append(w.queued, ev)
}

// unlock releases mu and then delivers the queued events and utterances.
// No lock is held while observers and the speaker run, so they may read the
// workflow; tickets keep delivery in transition order across goroutines.
func (w *Workflow) unlock() {
	events, utterances := w.queued, w.toSpeak
	w.queued, w.toSpeak = nil, nil
	w.issued++
	ticket := w.issued
	w.mu.Unlock()

	w.turnMu.Lock()
	for w.delivered != ticket-1 {
		w.turn.Wait()
	}
	observer := w.observer
	w.turnMu.Unlock()

	defer func() {
		w.turnMu.Lock()
		w.delivered = ticket
		w.turn.Broadcast()
		w.turnMu.Unlock()
	}()

	for _, ev := range events {
		if observer != nil {
			observer.Observe(ev)
		}
	}
	for _, text := range utterances {
		if err := w.speaker.Speak(text); err != nil {
			w.logger.Debug("Speech output unavailable", "error", err)
			if observer != nil {
				observer.Observe(Event{Type: EventSpeechFailed, SessionID: w.id, Text: text, Error: err.Error(), At: time.Now()})
			}
		}
	}
}
