package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
	"github.com/amanullahtanweer/voice-intake/internal/capture"
	"github.com/amanullahtanweer/voice-intake/internal/events"
	"github.com/amanullahtanweer/voice-intake/internal/flow"
	"github.com/amanullahtanweer/voice-intake/internal/metrics"
	"github.com/amanullahtanweer/voice-intake/internal/transcriber"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingTranscriber answers "answer N" for the Nth request
func countingTranscriber() transcriber.Transcriber {
	var n atomic.Int32
	return transcriber.Func(func(ctx context.Context, wav []byte) (string, error) {
		if _, err := audio.ValidateWAV(wav); err != nil {
			return "", err
		}
		return fmt.Sprintf("answer %d", n.Add(1)), nil
	})
}

func testWAV(t *testing.T, sampleRate int) []byte {
	t.Helper()
	wav, err := audio.EncodePCM(make([]byte, 1600), sampleRate)
	if err != nil {
		t.Fatalf("EncodePCM failed: %v", err)
	}
	return wav
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type testAPI struct {
	server   *httptest.Server
	registry *Registry
	hub      *events.Hub
}

func newTestAPI(t *testing.T, deps Deps) *testAPI {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	hub := events.NewHub(64, quietLogger())

	if deps.Transcriber == nil {
		deps.Transcriber = countingTranscriber()
	}
	deps.Metrics = m
	deps.Hub = hub
	deps.Logger = quietLogger()
	registry := NewRegistry(deps)

	h := NewHTTPServer(HTTPServerConfig{MaxUploadBytes: 1 << 20}, quietLogger(), registry, hub, m, reg)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		ts.Close()
		registry.CloseAll("test")
	})
	return &testAPI{server: ts, registry: registry, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (a *testAPI) create(t *testing.T) string {
	t.Helper()
	status, body := a.do(t, http.MethodPost, "/sessions", nil, "")
	if status != http.StatusCreated {
		t.Fatalf("Create: expected 201, got %d: %s", status, body)
	}
	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Invalid create response: %v", err)
	}
	return resp.Snapshot.SessionID
}

func (a *testAPI) snapshot(t *testing.T, id string) flow.Snapshot {
	t.Helper()
	status, body := a.do(t, http.MethodGet, "/sessions/"+id, nil, "")
	if status != http.StatusOK {
		t.Fatalf("Snapshot: expected 200, got %d: %s", status, body)
	}
	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Invalid snapshot response: %v", err)
	}
	return resp.Snapshot
}

func (a *testAPI) expect(t *testing.T, method, path string, want int) []byte {
	t.Helper()
	status, body := a.do(t, method, path, nil, "")
	if status != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, status, body)
	}
	return body
}

func TestHTTPQuestionnaire(t *testing.T) {
	api := newTestAPI(t, Deps{Questions: []flow.Question{{Text: "name?"}, {Text: "age?"}}})
	id := api.create(t)
	base := "/sessions/" + id

	api.expect(t, http.MethodPost, base+"/start", http.StatusOK)
	for i := 0; i < 2; i++ {
		api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)

		status, body := api.do(t, http.MethodPut, base+"/recording", bytes.NewReader(testWAV(t, 16000)), "audio/wav")
		if status != http.StatusAccepted {
			t.Fatalf("Upload: expected 202, got %d: %s", status, body)
		}
		var up uploadResponse
		_ = json.Unmarshal(body, &up)
		if up.Index != i || up.Ref != fmt.Sprintf("%s/audio/%d/%d", base, i, up.Attempt) {
			t.Errorf("Unexpected upload response %+v", up)
		}

		waitFor(t, "pending review", func() bool { return api.snapshot(t, id).State == flow.SlotPendingReview })
		api.expect(t, http.MethodPost, base+"/accept", http.StatusOK)
	}

	snap := api.snapshot(t, id)
	if !snap.Completed || len(snap.Answers) != 2 || snap.Index != 1 {
		t.Fatalf("Expected completed session with two answers, got %+v", snap)
	}
	if snap.Answers[0].Transcription != "answer 1" {
		t.Errorf("Unexpected first answer %+v", snap.Answers[0])
	}

	audioBody := api.expect(t, http.MethodGet, snap.Answers[1].Ref, http.StatusOK)
	if _, err := audio.ValidateWAV(audioBody); err != nil {
		t.Errorf("Audio endpoint returned invalid WAV: %v", err)
	}
	api.expect(t, http.MethodPost, base+"/recording", http.StatusConflict)
}

func TestHTTPMultipartUploadAndReject(t *testing.T) {
	api := newTestAPI(t, Deps{})
	id := api.create(t)
	base := "/sessions/" + id
	api.expect(t, http.MethodPost, base+"/start", http.StatusOK)
	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "recording.wav")
	_, _ = part.Write(testWAV(t, 16000))
	_ = mw.Close()

	status, body := api.do(t, http.MethodPut, base+"/recording", &buf, mw.FormDataContentType())
	if status != http.StatusAccepted {
		t.Fatalf("Upload: expected 202, got %d: %s", status, body)
	}
	waitFor(t, "pending review", func() bool { return api.snapshot(t, id).Pending != nil })

	api.expect(t, http.MethodPost, base+"/reject", http.StatusOK)
	snap := api.snapshot(t, id)
	if snap.Pending != nil || snap.State != flow.SlotUnanswered || len(snap.Answers) != 0 {
		t.Errorf("Reject should reset the slot, got %+v", snap)
	}
	api.expect(t, http.MethodGet, base+"/audio/0/1", http.StatusNotFound)
}

func TestHTTPErrors(t *testing.T) {
	api := newTestAPI(t, Deps{})

	api.expect(t, http.MethodGet, "/sessions/missing", http.StatusNotFound)
	api.expect(t, http.MethodPost, "/sessions/missing/start", http.StatusNotFound)

	id := api.create(t)
	base := "/sessions/" + id
	api.expect(t, http.MethodPost, base+"/recording", http.StatusConflict)
	api.expect(t, http.MethodPost, base+"/start", http.StatusOK)
	api.expect(t, http.MethodPost, base+"/start", http.StatusConflict)
	api.expect(t, http.MethodPost, base+"/accept", http.StatusConflict)

	status, _ := api.do(t, http.MethodPut, base+"/recording", bytes.NewReader(testWAV(t, 16000)), "audio/wav")
	if status != http.StatusConflict {
		t.Errorf("Upload while idle: expected 409, got %d", status)
	}

	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)
	status, _ = api.do(t, http.MethodPut, base+"/recording", strings.NewReader("not a wav file"), "audio/wav")
	if status != http.StatusBadRequest {
		t.Errorf("Invalid WAV: expected 400, got %d", status)
	}
	if api.snapshot(t, id).State != flow.SlotUnanswered {
		t.Error("Invalid upload should reset the slot")
	}
	api.expect(t, http.MethodGet, base+"/audio/x/1", http.StatusBadRequest)

	api.expect(t, http.MethodDelete, base, http.StatusNoContent)
	api.expect(t, http.MethodGet, base, http.StatusNotFound)
	api.expect(t, http.MethodDelete, base, http.StatusNotFound)
}

func TestHTTPCancelRecording(t *testing.T) {
	api := newTestAPI(t, Deps{})
	id := api.create(t)
	base := "/sessions/" + id
	sub := api.hub.Subscribe(id)
	defer sub.Close()

	api.expect(t, http.MethodPost, base+"/start", http.StatusOK)
	api.expect(t, http.MethodDelete, base+"/recording?reason=denied", http.StatusConflict)

	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)
	body := api.expect(t, http.MethodDelete, base+"/recording?reason=denied&detail=NotAllowedError", http.StatusForbidden)
	if !bytes.Contains(body, []byte("NotAllowedError")) {
		t.Errorf("Expected the denial detail in %s", body)
	}
	if state := api.snapshot(t, id).State; state != flow.SlotUnanswered {
		t.Fatalf("Denied capture should leave the slot unanswered, got %v", state)
	}

	var denied bool
	timeout := time.After(2 * time.Second)
	for !denied {
		select {
		case ev := <-sub.C:
			denied = ev.Type == flow.EventCaptureDenied
		case <-timeout:
			t.Fatal("Expected capture_denied event")
		}
	}

	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)
	api.expect(t, http.MethodDelete, base+"/recording?reason=no_audio_track", http.StatusOK)
	if state := api.snapshot(t, id).State; state != flow.SlotUnanswered {
		t.Errorf("Failed capture should leave the slot unanswered, got %v", state)
	}
	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)
}

func TestHTTPTranscriptionFailure(t *testing.T) {
	failing := transcriber.Func(func(ctx context.Context, wav []byte) (string, error) {
		return "", &transcriber.Error{Backend: "http", StatusCode: 500, Err: errors.New("boom")}
	})
	api := newTestAPI(t, Deps{Transcriber: failing})
	id := api.create(t)
	base := "/sessions/" + id
	api.expect(t, http.MethodPost, base+"/start", http.StatusOK)
	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)

	status, _ := api.do(t, http.MethodPut, base+"/recording", bytes.NewReader(testWAV(t, 16000)), "audio/wav")
	if status != http.StatusAccepted {
		t.Fatalf("Upload: expected 202, got %d", status)
	}
	waitFor(t, "slot reset", func() bool { return api.snapshot(t, id).State == flow.SlotUnanswered })
	if api.snapshot(t, id).Pending != nil {
		t.Error("Failure must not produce a pending result")
	}
	api.expect(t, http.MethodPost, base+"/recording", http.StatusOK)
}

func TestHTTPEventStream(t *testing.T) {
	api := newTestAPI(t, Deps{})
	id := api.create(t)

	url := "ws" + strings.TrimPrefix(api.server.URL, "http") + "/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("Read snapshot failed: %v", err)
	}
	if first.Type != "snapshot" || first.Snapshot == nil || first.Snapshot.SessionID != id {
		t.Fatalf("Expected snapshot first, got %+v", first)
	}

	waitFor(t, "subscription", func() bool { return api.hub.Subscribers(id) == 1 })
	api.expect(t, http.MethodPost, "/sessions/"+id+"/start", http.StatusOK)

	var types []flow.EventType
	for len(types) < 2 {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read event failed: %v", err)
		}
		types = append(types, msg.Event.Type)
	}
	if types[0] != flow.EventQuestion || types[1] != flow.EventSpeak {
		t.Errorf("Expected question then speak, got %v", types)
	}

	// deleting the session closes the stream
	api.expect(t, http.MethodDelete, "/sessions/"+id, http.StatusNoContent)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("Expected normal close, got %v", err)
			}
			break
		}
	}
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, Deps{})
	api.create(t)

	body := api.expect(t, http.MethodGet, "/health", http.StatusOK)
	var health map[string]interface{}
	if err := json.Unmarshal(body, &health); err != nil || health["status"] != "healthy" {
		t.Errorf("Unexpected health body %s", body)
	}

	body = api.expect(t, http.MethodGet, "/metrics", http.StatusOK)
	for _, name := range []string{"intake_sessions_created_total", "intake_http_requests_total"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Errorf("Metrics missing %s", name)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", errSessionNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", errSessionClosed), http.StatusGone},
		{fmt.Errorf("start recording: %w", capture.ErrDenied), http.StatusForbidden},
		{flow.ErrPendingReview, http.StatusConflict},
		{flow.ErrCompleted, http.StatusConflict},
		{fmt.Errorf("stop recording: %w", capture.ErrEmpty), http.StatusBadRequest},
		{fmt.Errorf("invalid recording: %w", audio.ErrInvalidWAV), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry(Deps{
		Transcriber: countingTranscriber(),
		LogDir:      dir,
		SaveLogs:    true,
		Logger:      quietLogger(),
	})

	opts := SessionOptions{ID: "0123456789", Frontend: "test", Recorder: capture.Denied{}}
	sess, err := registry.Create(opts)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := registry.Create(opts); !errors.Is(err, errSessionExists) {
		t.Errorf("Expected errSessionExists, got %v", err)
	}
	if _, err := registry.Get("0123456789"); err != nil {
		t.Errorf("Get failed: %v", err)
	}

	_ = sess.Workflow.Start()
	if err := sess.Workflow.StartRecording(); !errors.Is(err, capture.ErrDenied) {
		t.Errorf("Expected ErrDenied, got %v", err)
	}

	if err := registry.Remove("0123456789", "test"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := registry.Remove("0123456789", "test"); !errors.Is(err, errSessionNotFound) {
		t.Errorf("Expected errSessionNotFound, got %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*_session_01234567.jsonl"))
	if len(files) != 1 {
		t.Fatalf("Expected one session log, got %v", files)
	}
	data, _ := os.ReadFile(files[0])
	for _, want := range []string{`"event":"session_start"`, `"event":"capture_denied"`, `"event":"session_end"`} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("Session log missing %s", want)
		}
	}
}

func TestTranscribeAfterClose(t *testing.T) {
	registry := NewRegistry(Deps{Transcriber: countingTranscriber(), Logger: quietLogger()})
	sess, err := registry.Create(SessionOptions{ID: "closing", Frontend: "test", Recorder: capture.NewWAVBuffer()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = sess.Workflow.Start()
	_ = sess.Workflow.StartRecording()

	if err := registry.Remove("closing", "test"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	var called atomic.Bool
	err = sess.TranscribeAsync(flow.Request{Index: 0, Attempt: 1}, func(error) { called.Store(true) })
	if !errors.Is(err, errSessionClosed) {
		t.Errorf("Expected errSessionClosed, got %v", err)
	}
	sess.wg.Wait()
	if called.Load() {
		t.Error("A closed session must not run transcriptions")
	}
}

// AudioSocket helpers

func idFrame(id uuid.UUID) []byte {
	return append([]byte{0x01, 0x00, 0x10}, id[:]...)
}

func dtmfFrame(digit byte) []byte {
	return []byte{byte(audiosocket.KindDTMF), 0x00, 0x01, digit}
}

// writePromptWAV writes an 8 kHz prompt into dir
func writePromptWAV(t *testing.T, dir, name string, samples int) {
	t.Helper()
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(i))
	}
	wav, err := audio.EncodePCM(pcm, audio.SlinSampleRate)
	if err != nil {
		t.Fatalf("EncodePCM failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), wav, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

// callClient plays the Asterisk side of a call
type callClient struct {
	conn     net.Conn
	frames   chan audiosocket.Message
	readDone chan struct{}
}

func newCallClient(conn net.Conn) *callClient {
	c := &callClient{conn: conn, frames: make(chan audiosocket.Message, 1024), readDone: make(chan struct{})}
	go func() {
		defer close(c.readDone)
		for {
			msg, err := audiosocket.NextMessage(conn)
			if err != nil {
				return
			}
			c.frames <- msg
		}
	}()
	return c
}

func (c *callClient) send(t *testing.T, frame []byte) {
	t.Helper()
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// waitHangup drains playback frames until the server hangs up
func (c *callClient) waitHangup(t *testing.T) (slinFrames int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.frames:
			switch msg.Kind() {
			case audiosocket.KindHangup:
				return slinFrames
			case audiosocket.KindSlin:
				slinFrames++
			}
		case <-timeout:
			t.Fatal("Timed out waiting for hangup")
			return slinFrames
		}
	}
}

func newCallServer(t *testing.T, player *audio.Player) (*Server, *Registry) {
	t.Helper()
	questions := []flow.Question{{Text: "name?", Prompt: "q1.wav"}}
	registry := NewRegistry(Deps{
		Questions:   questions,
		Transcriber: countingTranscriber(),
		Logger:      quietLogger(),
	})
	srv, err := New(Config{MaxRecordingBytes: 1 << 20}, registry, player, questions, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv, registry
}

func TestCallAnswerAndHangup(t *testing.T) {
	dir := t.TempDir()
	writePromptWAV(t, dir, "q1.wav", 800)
	writePromptWAV(t, dir, "thanks.wav", 480)
	player, err := audio.NewPlayer(dir, quietLogger())
	if err != nil {
		t.Fatalf("NewPlayer failed: %v", err)
	}
	player.SetPace(0)

	srv, registry := newCallServer(t, player)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	client := newCallClient(clientConn)

	srv.wg.Add(1)
	go srv.handleConnection(serverConn)

	id := uuid.New()
	client.send(t, idFrame(id))

	var sess *Session
	waitFor(t, "session", func() bool {
		sess, err = registry.Get(id.String())
		return err == nil
	})

	client.send(t, dtmfFrame('*'))
	waitFor(t, "recording", func() bool { return sess.Workflow.Snapshot().State == flow.SlotRecording })
	for i := 0; i < 5; i++ {
		client.send(t, audiosocket.SlinMessage(make([]byte, audiosocket.DefaultSlinChunkSize)))
	}
	client.send(t, dtmfFrame('#'))
	waitFor(t, "pending review", func() bool { return sess.Workflow.Snapshot().State == flow.SlotPendingReview })

	pending := sess.Workflow.Snapshot().Pending
	clip, ok := sess.Workflow.Audio(pending.Index, pending.Attempt)
	if !ok {
		t.Fatal("Pending clip not found")
	}
	info, err := audio.ValidateWAV(clip.Audio)
	if err != nil || info.SampleRate != audio.SlinSampleRate || info.DataSize != 5*audiosocket.DefaultSlinChunkSize {
		t.Errorf("Unexpected clip %+v (%v)", info, err)
	}

	client.send(t, dtmfFrame('1'))
	frames := client.waitHangup(t)
	if frames == 0 {
		t.Error("Expected prompt audio before hangup")
	}

	answers := sess.Workflow.Answers()
	if len(answers) != 1 || answers[0].Transcription != "answer 1" {
		t.Errorf("Unexpected answers %+v", answers)
	}

	client.send(t, audiosocket.HangupMessage())
	waitFor(t, "session removal", func() bool { return registry.Len() == 0 })
	srv.Stop()
}

func TestCallRejectAndReRecord(t *testing.T) {
	srv, registry := newCallServer(t, nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	client := newCallClient(clientConn)

	srv.wg.Add(1)
	go srv.handleConnection(serverConn)

	id := uuid.New()
	client.send(t, idFrame(id))

	var sess *Session
	var err error
	waitFor(t, "session", func() bool {
		sess, err = registry.Get(id.String())
		return err == nil
	})

	record := func() {
		client.send(t, dtmfFrame('*'))
		client.send(t, audiosocket.SlinMessage(make([]byte, audiosocket.DefaultSlinChunkSize)))
		client.send(t, dtmfFrame('#'))
		waitFor(t, "pending review", func() bool { return sess.Workflow.Snapshot().State == flow.SlotPendingReview })
	}

	record()
	client.send(t, dtmfFrame('2'))
	waitFor(t, "reject", func() bool { return sess.Workflow.Snapshot().State == flow.SlotUnanswered })

	record()
	client.send(t, dtmfFrame('1'))
	client.waitHangup(t)

	answers := sess.Workflow.Answers()
	if len(answers) != 1 || answers[0].Transcription != "answer 2" || answers[0].Attempt != 2 {
		t.Errorf("Expected the second recording confirmed, got %+v", answers)
	}

	clientConn.Close()
	waitFor(t, "session removal", func() bool { return registry.Len() == 0 })
	srv.Stop()
}

func TestStopDropsActiveCalls(t *testing.T) {
	srv, registry := newCallServer(t, nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	client := newCallClient(clientConn)

	srv.wg.Add(1)
	go srv.handleConnection(serverConn)

	client.send(t, idFrame(uuid.New()))
	waitFor(t, "session", func() bool { return registry.Len() == 1 })

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an active call")
	}
	if registry.Len() != 0 {
		t.Errorf("Expected the session removed, got %d", registry.Len())
	}
}

func TestPlaybackQueuesBehindStalledWrite(t *testing.T) {
	c := &Call{logger: quietLogger()}

	started := make(chan struct{})
	stalled := make(chan struct{})
	var superseded, latest atomic.Bool

	// the first playback ignores stop, like a write blocked on the peer
	c.play(func(w io.Writer, stop <-chan struct{}) error {
		close(started)
		<-stalled
		return nil
	})
	<-started

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		c.play(func(w io.Writer, stop <-chan struct{}) error {
			superseded.Store(true)
			return nil
		})
		c.play(func(w io.Writer, stop <-chan struct{}) error {
			latest.Store(true)
			return nil
		})
		c.stopPlayback()
		c.play(func(w io.Writer, stop <-chan struct{}) error {
			latest.Store(true)
			return nil
		})
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("play waited for a stalled playback")
	}
	if latest.Load() {
		t.Fatal("queued playback ran before the stalled one finished")
	}

	close(stalled)
	c.endPlayback()
	if superseded.Load() {
		t.Error("superseded playback should not run")
	}
	if !latest.Load() {
		t.Error("latest playback should run once the stalled one finished")
	}

	c.play(func(w io.Writer, stop <-chan struct{}) error {
		t.Error("playback after the call ended")
		return nil
	})
}
