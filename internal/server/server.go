package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
	"github.com/amanullahtanweer/voice-intake/internal/capture"
	"github.com/amanullahtanweer/voice-intake/internal/flow"
	"github.com/amanullahtanweer/voice-intake/internal/speech"
)

const frontendAudioSocket = "audiosocket"

// Keypad controls of a call
const (
	digitRecord  = '*'
	digitStop    = '#'
	digitAccept  = '1'
	digitReject  = '2'
	digitPlay    = '0'
	digitRepeat  = '9'
	thanksPrompt = "thanks.wav"
	reviewPrompt = "review.wav" // "press 1 to keep, 2 to record again"
)

type Config struct {
	Host              string
	Port              int
	MaxRecordingBytes int
}

// Server answers Asterisk AudioSocket connections; every call is one session
type Server struct {
	config   Config
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
	player   *audio.Player
	registry *Registry
	prompts  map[string]string // question text -> prompt file
	logger   *slog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// Call is the AudioSocket side of one session
type Call struct {
	id      string
	conn    net.Conn
	server  *Server
	session *Session
	buffer  *capture.Buffer
	logger  *slog.Logger

	// one playback at a time; a new one stops the previous
	playMu   sync.Mutex
	stopPlay chan struct{}
	playDone chan struct{}
	ended    bool

	// writes from playback and hangup never interleave inside a frame
	writeMu sync.Mutex
	hungUp  bool
}

// New creates the call server. player may be nil when no prompts are installed.
func New(config Config, registry *Registry, player *audio.Player, questions []flow.Question, logger *slog.Logger) (*Server, error) {
	if registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if questions == nil {
		questions = flow.DefaultQuestions()
	}
	prompts := make(map[string]string, len(questions))
	for _, q := range questions {
		if q.Prompt != "" {
			prompts[q.Text] = q.Prompt
		}
	}

	return &Server{
		config:   config,
		shutdown: make(chan struct{}),
		player:   player,
		registry: registry,
		prompts:  prompts,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Start listens and serves calls until Stop
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts calls on listener until Stop
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.logger.Info("AudioSocket server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				s.logger.Warn("Accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and drops the calls still connected
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) track(conn net.Conn, active bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if active {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.track(conn, true)
	defer s.track(conn, false)

	s.logger.Info("New connection", "remote", conn.RemoteAddr().String())

	// Read the initial ID message
	uid, err := audiosocket.GetID(conn)
	if err != nil {
		s.logger.Warn("Failed to get ID", "error", err)
		return
	}
	id := uid.String()

	call := &Call{
		id:     id,
		conn:   conn,
		server: s,
		buffer: capture.NewPCMBuffer(audio.SlinSampleRate),
		logger: s.logger.With("session_id", id),
	}
	call.buffer.SetLimit(s.config.MaxRecordingBytes)

	sess, err := s.registry.Create(SessionOptions{
		ID:       id,
		Frontend: frontendAudioSocket,
		Recorder: call.buffer,
		Speaker:  speech.Func(call.speak),
	})
	if err != nil {
		call.logger.Error("Failed to create session", "error", err)
		return
	}
	call.session = sess

	startTime := time.Now()
	reason := "hangup"
	if err := sess.Workflow.Start(); err != nil {
		call.logger.Error("Failed to start session", "error", err)
	}

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if err != io.EOF {
				call.logger.Warn("Failed to read message", "error", err)
			}
			reason = "disconnected"
			break
		}

		if msg.Kind() == audiosocket.KindHangup {
			call.logger.Info("Received hangup")
			if sess.log != nil {
				sess.log.LogHangup(id)
			}
			break
		}

		if err := call.handleMessage(msg); err != nil {
			call.logger.Warn("Error handling message", "error", err)
			reason = "error"
			break
		}
	}

	// unblock a playback stuck writing to a dead peer
	conn.Close()
	call.endPlayback()
	if sess.Workflow.Completed() {
		reason = "completed"
	}
	if err := s.registry.Remove(id, reason); err != nil {
		call.logger.Warn("Failed to remove session", "error", err)
	}
	call.logger.Info("Call ended", "duration", time.Since(startTime), "reason", reason)
}

func (c *Call) handleMessage(msg audiosocket.Message) error {
	switch msg.Kind() {
	case audiosocket.KindSlin:
		if !c.buffer.Recording() {
			return nil
		}
		if _, err := c.buffer.Write(msg.Payload()); err != nil && !errors.Is(err, capture.ErrNotRecording) {
			c.logger.Info("Recording limit reached, stopping", "error", err)
			c.stopAndTranscribe()
		}

	case audiosocket.KindDTMF:
		if payload := msg.Payload(); len(payload) > 0 {
			c.handleDigit(payload[0])
		}

	case audiosocket.KindSilence:
		// Asterisk reports silence when the caller is muted; nothing to do

	case audiosocket.KindError:
		return fmt.Errorf("received error code: %d", msg.ErrorCode())
	}

	return nil
}

func (c *Call) handleDigit(digit byte) {
	wf := c.session.Workflow
	action := "ignored"
	var err error

	switch digit {
	case digitRecord:
		action = "record"
		c.stopPlayback()
		err = wf.StartRecording()
	case digitStop:
		action = "stop"
		c.stopAndTranscribe()
	case digitAccept:
		action = "accept"
		err = c.accept()
	case digitReject:
		action = "reject"
		if err = wf.Reject(); err == nil {
			err = wf.Repeat()
		}
	case digitPlay:
		action = "play"
		err = c.playPending()
	case digitRepeat:
		action = "repeat"
		err = wf.Repeat()
	}

	c.logger.Info("DTMF digit", "digit", string(digit), "action", action)
	if c.session.log != nil {
		c.session.log.LogDTMF(c.id, string(digit), action)
	}
	if err != nil {
		c.logger.Info("Keypad action refused", "action", action, "error", err)
	}
}

// stopAndTranscribe ends the recording; transcription runs in the background
// and the review prompt follows a successful result.
func (c *Call) stopAndTranscribe() {
	req, err := c.session.Workflow.StopRecording()
	if err != nil {
		c.logger.Info("Stop recording refused", "error", err)
		return
	}
	err = c.session.TranscribeAsync(req, func(err error) {
		if err == nil {
			c.playPrompt(reviewPrompt)
		}
	})
	if err != nil {
		c.logger.Info("Transcription refused", "error", err)
	}
}

func (c *Call) accept() error {
	wf := c.session.Workflow
	completed, err := wf.Accept()
	if err != nil {
		return err
	}
	// calls always move on after a confirmation
	if !completed && wf.Snapshot().State == flow.SlotConfirmed {
		if completed, err = wf.Next(); err != nil {
			return err
		}
	}
	if completed {
		c.finish()
	}
	return nil
}

func (c *Call) playPending() error {
	pending := c.session.Workflow.Snapshot().Pending
	if pending == nil {
		return flow.ErrNoPending
	}
	if c.server.player == nil {
		return errors.New("no audio player configured")
	}
	clip, ok := c.session.Workflow.Audio(pending.Index, pending.Attempt)
	if !ok {
		return flow.ErrNoPending
	}
	c.play(func(w io.Writer, stop <-chan struct{}) error {
		return c.server.player.PlayClip(w, clip.Audio, stop)
	})
	return nil
}

// speak plays the pre-rendered prompt of a question
func (c *Call) speak(text string) error {
	prompt, ok := c.server.prompts[text]
	if !ok || c.server.player == nil || !c.server.player.HasPrompt(prompt) {
		return fmt.Errorf("%w: no prompt for %q", speech.ErrUnsupported, text)
	}
	c.playPrompt(prompt)
	return nil
}

func (c *Call) playPrompt(filename string) {
	if c.server.player == nil || !c.server.player.HasPrompt(filename) {
		return
	}
	c.play(func(w io.Writer, stop <-chan struct{}) error {
		return c.server.player.PlayPrompt(w, filename, stop)
	})
}

// finish thanks the caller and hangs up
func (c *Call) finish() {
	c.logger.Info("All questions answered, ending call")
	c.play(func(w io.Writer, stop <-chan struct{}) error {
		if c.server.player != nil && c.server.player.HasPrompt(thanksPrompt) {
			if err := c.server.player.PlayPrompt(w, thanksPrompt, stop); err != nil {
				return err
			}
		}
		return c.EndCall()
	})
}

// play interrupts the current playback and queues fn behind it. It never
// waits, so a frame write stalled on the peer cannot hold up the workflow.
func (c *Call) play(fn func(w io.Writer, stop <-chan struct{}) error) {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	if c.ended {
		return
	}
	prev := c.interruptLocked()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopPlay, c.playDone = stop, done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		select {
		case <-stop:
			return
		default:
		}
		if err := fn(callWriter{c}, stop); err != nil {
			c.logger.Warn("Playback failed", "error", err)
		}
	}()
}

func (c *Call) stopPlayback() {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.interruptLocked()
}

// endPlayback stops playback for good once the call is over
func (c *Call) endPlayback() {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if done := c.interruptLocked(); done != nil {
		<-done
	}
	c.playDone = nil
	c.ended = true
}

// interruptLocked signals the current playback to stop and returns the
// channel closed once it has
func (c *Call) interruptLocked() <-chan struct{} {
	if c.stopPlay != nil {
		close(c.stopPlay)
		c.stopPlay = nil
	}
	return c.playDone
}

// EndCall sends the hangup command
func (c *Call) EndCall() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.hungUp {
		return nil
	}
	if _, err := c.conn.Write(audiosocket.HangupMessage()); err != nil {
		return fmt.Errorf("failed to send hangup command: %w", err)
	}
	c.hungUp = true
	c.logger.Info("Hangup command sent")
	return nil
}

// callWriter serializes frame writes to the connection
type callWriter struct{ c *Call }

func (w callWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	if w.c.hungUp {
		return 0, io.ErrClosedPipe
	}
	return w.c.conn.Write(p)
}
