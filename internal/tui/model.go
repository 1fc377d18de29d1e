// Package tui is the terminal front end: a bubbletea program that walks one
// user through the questionnaire with the local microphone and speaker.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

const (
	// activityLines is how many recent events the activity panel keeps
	activityLines = 5

	errorTimeout = 5 * time.Second
)

// Config wires a Model to its session.
type Config struct {
	Workflow *flow.Workflow

	// Transcribe resolves a request; nil calls Workflow.Transcribe directly
	Transcribe func(flow.Request) error

	// Events delivers the session's workflow events; optional
	Events <-chan flow.Event

	// Player plays back the pending recording; optional
	Player ClipPlayer
}

// Model is the root bubbletea model of the terminal front end.
type Model struct {
	wf         *flow.Workflow
	transcribe func(flow.Request) error
	events     <-chan flow.Event
	player     ClipPlayer

	snap     flow.Snapshot
	stopping bool
	playing  bool

	activity []string

	errorMessage   string
	errorTransient bool
	errorTimeout   time.Duration
	statusText     string

	width  int
	height int
}

// New creates a Model for cfg.Workflow.
func New(cfg Config) Model {
	transcribe := cfg.Transcribe
	if transcribe == nil {
		transcribe = func(req flow.Request) error {
			return cfg.Workflow.Transcribe(context.Background(), req)
		}
	}
	return Model{
		wf:           cfg.Workflow,
		transcribe:   transcribe,
		events:       cfg.Events,
		player:       cfg.Player,
		snap:         cfg.Workflow.Snapshot(),
		errorTimeout: errorTimeout,
		statusText:   "Press enter to begin",
	}
}

// Init starts listening for workflow events.
func (m Model) Init() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return waitEventCmd(m.events)
}

// waitEventCmd reads the next workflow event.
func waitEventCmd(ch <-chan flow.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return EventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// stopCmd ends the recording; the capture process may take a moment to exit.
func stopCmd(wf *flow.Workflow) tea.Cmd {
	return func() tea.Msg {
		req, err := wf.StopRecording()
		return StoppedMsg{Request: req, Err: err}
	}
}

func transcribeCmd(transcribe func(flow.Request) error, req flow.Request) tea.Cmd {
	return func() tea.Msg {
		return TranscribedMsg{Request: req, Err: transcribe(req)}
	}
}

func playCmd(player ClipPlayer, wav []byte) tea.Cmd {
	return func() tea.Msg {
		return PlaybackDoneMsg{Err: player.Play(wav)}
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case EventMsg:
		cmd := m.handleEvent(msg.Event)
		m.refresh()
		if cmd != nil {
			return m, tea.Batch(cmd, waitEventCmd(m.events))
		}
		return m, waitEventCmd(m.events)

	case EventsClosedMsg:
		m.events = nil
		return m, nil

	case StoppedMsg:
		m.stopping = false
		m.refresh()
		if msg.Err != nil {
			return m, m.fail(msg.Err)
		}
		m.statusText = "Transcribing..."
		return m, transcribeCmd(m.transcribe, msg.Request)

	case TranscribedMsg:
		m.refresh()
		switch {
		case msg.Err == nil:
			m.statusText = "Press y to keep this answer, n to record again"
		case errors.Is(msg.Err, flow.ErrStaleResult):
			// a newer recording superseded this one
		default:
			m.statusText = "Transcription failed, press space to record again"
			return m, m.fail(msg.Err)
		}
		return m, nil

	case PlaybackDoneMsg:
		m.playing = false
		if msg.Err != nil {
			return m, m.fail(msg.Err)
		}
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

// handleEvent records a workflow event in the activity panel.
func (m *Model) handleEvent(ev flow.Event) tea.Cmd {
	var line string
	switch ev.Type {
	case flow.EventQuestion:
		line = fmt.Sprintf("Question %d", ev.Index+1)
	case flow.EventRecordingStarted:
		line = "Recording started"
	case flow.EventRecordingStopped:
		line = fmt.Sprintf("Recorded %.1fs", ev.Latency.Seconds())
	case flow.EventTranscribed:
		line = fmt.Sprintf("Transcribed in %v", ev.Latency.Round(time.Millisecond))
	case flow.EventAccepted:
		line = fmt.Sprintf("Answer %d confirmed", ev.Index+1)
	case flow.EventRejected:
		line = fmt.Sprintf("Answer %d discarded", ev.Index+1)
	case flow.EventCompleted:
		line = "All questions answered"
	case flow.EventStaleResult:
		line = "Dropped an outdated transcription"
	case flow.EventCaptureDenied, flow.EventCaptureFailed, flow.EventTranscriptionFailed, flow.EventSpeechFailed:
		line = string(ev.Type) + ": " + ev.Error
	default:
		return nil
	}

	m.activity = append(m.activity, line)
	if len(m.activity) > activityLines {
		m.activity = m.activity[len(m.activity)-activityLines:]
	}

	if ev.Type == flow.EventSpeechFailed {
		m.errorMessage = "Speech unavailable: read the question on screen"
		m.errorTransient = true
		return clearTransientErrorCmd(m.errorTimeout)
	}
	return nil
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var err error

	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		return m, tea.Quit

	case KeyStart:
		if m.snap.Started {
			return m, nil
		}
		err = m.wf.Start()
		m.statusText = "Press space to record your answer"

	case KeyRecord:
		if m.stopping {
			return m, nil
		}
		if m.snap.State == flow.SlotRecording {
			m.stopping = true
			m.statusText = "Stopping..."
			return m, stopCmd(m.wf)
		}
		if err = m.wf.StartRecording(); err == nil {
			m.statusText = "Recording, press space to stop"
		}

	case KeyAccept:
		var completed bool
		if completed, err = m.wf.Accept(); err == nil {
			m.statusText = m.afterConfirm(completed)
		}

	case KeyReject:
		if err = m.wf.Reject(); err == nil {
			m.statusText = "Press space to record again"
			err = m.wf.Repeat()
		}

	case KeyNext:
		var completed bool
		if completed, err = m.wf.Next(); err == nil {
			m.statusText = m.afterConfirm(completed)
		}

	case KeyRepeat:
		err = m.wf.Repeat()

	case KeyPlay:
		return m.playPending()

	default:
		return m, nil
	}

	m.refresh()
	if err != nil {
		return m, m.fail(err)
	}
	m.errorMessage = ""
	return m, nil
}

func (m *Model) afterConfirm(completed bool) string {
	if completed {
		return "Thank you, all questions are answered. Press q to quit"
	}
	if m.wf.Snapshot().State == flow.SlotConfirmed {
		return "Answer saved, press → for the next question"
	}
	return "Press space to record your answer"
}

func (m Model) playPending() (tea.Model, tea.Cmd) {
	if m.playing {
		return m, nil
	}
	pending := m.snap.Pending
	if pending == nil {
		return m, m.fail(flow.ErrNoPending)
	}
	if m.player == nil {
		return m, m.fail(ErrNoPlayer)
	}
	clip, ok := m.wf.Audio(pending.Index, pending.Attempt)
	if !ok {
		return m, m.fail(flow.ErrNoPending)
	}
	m.playing = true
	return m, playCmd(m.player, clip.Audio)
}

func (m *Model) refresh() {
	m.snap = m.wf.Snapshot()
}

// fail shows err until the next successful action or the transient timeout
func (m *Model) fail(err error) tea.Cmd {
	m.errorMessage = err.Error()
	m.errorTransient = true
	return clearTransientErrorCmd(m.errorTimeout)
}

// View renders the full TUI.
func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 60
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, DividerStyle.Render(strings.Repeat("─", width)))
	sections = append(sections, m.renderQuestion())
	sections = append(sections, "")
	sections = append(sections, m.renderAnswers()...)

	if len(m.activity) > 0 {
		sections = append(sections, DividerStyle.Render(strings.Repeat("─", width)))
		for _, line := range m.activity {
			sections = append(sections, DimStyle.Render("  "+line))
		}
	}

	sections = append(sections, DividerStyle.Render(strings.Repeat("─", width)))
	if m.errorMessage != "" {
		sections = append(sections, ErrorStyle.Render("✗ "+m.errorMessage))
	}
	sections = append(sections, DimStyle.Render(m.statusText))
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := TitleStyle.Render("VOICE INTAKE")
	progress := ProgressStyle.Render(fmt.Sprintf("  question %d/%d  answered %d",
		m.snap.Index+1, m.snap.Count, len(m.snap.Answers)))
	return title + progress + "  " + m.renderState()
}

func (m Model) renderState() string {
	switch {
	case m.snap.Completed:
		return ConfirmedStyle.Render("✓ DONE")
	case !m.snap.Started:
		return IdleDotStyle.Render("○ READY")
	}
	switch m.snap.State {
	case flow.SlotRecording:
		return RecordingDotStyle.Render("● REC")
	case flow.SlotTranscribing:
		return TranscribingStyle.Render("⟳ TRANSCRIBING")
	case flow.SlotPendingReview:
		return ReviewStyle.Render("? REVIEW")
	case flow.SlotConfirmed:
		return ConfirmedStyle.Render("✓ SAVED")
	default:
		return IdleDotStyle.Render("○ IDLE")
	}
}

func (m Model) renderQuestion() string {
	if !m.snap.Started {
		return DimStyle.Render(fmt.Sprintf("%d questions. Answer each one out loud, then confirm the transcription.", m.snap.Count))
	}
	out := QuestionStyle.Render(m.snap.Question.Text)
	if p := m.snap.Pending; p != nil {
		out += "\n" + PendingTextStyle.Render("  “"+p.Transcription+"”")
	}
	return out
}

func (m Model) renderAnswers() []string {
	if len(m.snap.Answers) == 0 {
		return []string{DimStyle.Render("  No answers yet")}
	}
	lines := make([]string, 0, len(m.snap.Answers))
	for _, a := range m.snap.Answers {
		lines = append(lines, AnswerIndexStyle.Render(fmt.Sprintf("  %d.", a.Index+1))+" "+a.Transcription)
	}
	return lines
}

func (m Model) renderFooter() string {
	var keys [][2]string
	switch {
	case m.snap.Completed:
		keys = [][2]string{{"q", "quit"}}
	case !m.snap.Started:
		keys = [][2]string{{"enter", "start"}, {"q", "quit"}}
	case m.snap.State == flow.SlotRecording:
		keys = [][2]string{{"space", "stop"}, {"q", "quit"}}
	case m.snap.State == flow.SlotPendingReview:
		keys = [][2]string{{"y", "keep"}, {"n", "re-record"}, {"p", "play"}, {"q", "quit"}}
	case m.snap.State == flow.SlotConfirmed:
		keys = [][2]string{{"→", "next"}, {"r", "repeat"}, {"q", "quit"}}
	default:
		keys = [][2]string{{"space", "record"}, {"r", "repeat"}, {"q", "quit"}}
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, FooterKeyStyle.Render(k[0])+" "+FooterDescStyle.Render(k[1]))
	}
	return strings.Join(parts, "  ")
}
