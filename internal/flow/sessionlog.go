package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SessionLogger writes structured JSONL session logs to a file. It is an
// Observer: install it with Workflow.SetObserver.
type SessionLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

type logRecord struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	Index     *int              `json:"index,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Text      string            `json:"text,omitempty"`
	Ref       string            `json:"ref,omitempty"`
	Error     string            `json:"error,omitempty"`
	LatencyMS int64             `json:"latency_ms,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewSessionLogger creates a logger under outputDir. Filename is timestamp + session id.
func NewSessionLogger(outputDir, sessionID string, started time.Time) (*SessionLogger, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &SessionLogger{file: f, path: filename}, nil
}

// Path returns the log file name
func (sl *SessionLogger) Path() string { return sl.path }

func (sl *SessionLogger) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.file != nil {
		err := sl.file.Close()
		sl.file = nil
		return err
	}
	return nil
}

func (sl *SessionLogger) write(rec logRecord) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.file == nil {
		return
	}
	// keep lines compact
	rec.Text = strings.TrimSpace(rec.Text)
	_ = json.NewEncoder(sl.file).Encode(rec)
}

// Observe records one workflow event
func (sl *SessionLogger) Observe(ev Event) {
	index := ev.Index
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	sl.write(logRecord{
		Timestamp: at.Format(time.RFC3339Nano),
		Event:     string(ev.Type),
		SessionID: ev.SessionID,
		Index:     &index,
		Attempt:   ev.Attempt,
		Text:      ev.Text,
		Ref:       ev.Ref,
		Error:     ev.Error,
		LatencyMS: ev.Latency.Milliseconds(),
	})
}

// LogSessionStart records the front end and question count of a new session
func (sl *SessionLogger) LogSessionStart(sessionID, frontend string, questions int, started time.Time) {
	sl.write(logRecord{Timestamp: started.Format(time.RFC3339Nano), Event: "session_start", SessionID: sessionID, Details: map[string]string{"frontend": frontend, "questions": strconv.Itoa(questions)}})
}

// LogSessionEnd records why a session ended (completed, hangup, deleted)
func (sl *SessionLogger) LogSessionEnd(sessionID string, ended time.Time, reason string) {
	sl.write(logRecord{Timestamp: ended.Format(time.RFC3339Nano), Event: "session_end", SessionID: sessionID, Details: map[string]string{"reason": reason}})
}

// LogHangup records a caller hangup
func (sl *SessionLogger) LogHangup(sessionID string) {
	sl.write(logRecord{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "hangup", SessionID: sessionID})
}

// LogDTMF records a keypad press on a call
func (sl *SessionLogger) LogDTMF(sessionID, digit, action string) {
	sl.write(logRecord{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "dtmf", SessionID: sessionID, Details: map[string]string{"digit": digit, "action": action}})
}
