package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
)

// voskReport is what the fake server saw on one connection
type voskReport struct {
	sampleRate string
	pcmBytes   int
}

// fakeVosk answers every binary frame with a partial and returns two final
// results after EOF, like vosk-server does for a long utterance.
func fakeVosk(t *testing.T, reports chan<- voskReport) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := voskReport{sampleRate: r.URL.Query().Get("sample_rate")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				report.pcmBytes += len(msg)
				_ = conn.WriteJSON(map[string]string{"partial": "my name"})
				continue
			}
			var eof struct {
				EOF int `json:"eof"`
			}
			if json.Unmarshal(msg, &eof) == nil && eof.EOF == 1 {
				reports <- report
				_ = conn.WriteJSON(map[string]string{"text": "my name is ada"})
				_ = conn.WriteJSON(map[string]string{"text": "i am thirty six"})
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
}

func TestVoskClientTranscribe(t *testing.T) {
	reports := make(chan voskReport, 1)
	ts := fakeVosk(t, reports)
	defer ts.Close()

	wav, err := audio.EncodePCM(make([]byte, 20000), 16000)
	if err != nil {
		t.Fatalf("EncodePCM failed: %v", err)
	}

	c := NewVoskClient("ws" + strings.TrimPrefix(ts.URL, "http"))
	text, err := c.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if text != "my name is ada i am thirty six" {
		t.Errorf("unexpected text %q", text)
	}
	report := <-reports
	if report.sampleRate != "16000" {
		t.Errorf("expected sample_rate=16000, got %q", report.sampleRate)
	}
	if report.pcmBytes != 20000 {
		t.Errorf("expected 20000 PCM bytes, got %d", report.pcmBytes)
	}
}

func TestVoskClientInvalidAudio(t *testing.T) {
	c := NewVoskClient("ws://127.0.0.1:1")
	_, err := c.Transcribe(context.Background(), []byte("not wav"))

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestVoskClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	wav, _ := audio.EncodePCM(make([]byte, 100), 16000)
	_, err := NewVoskClient(url).Transcribe(context.Background(), wav)

	var terr *Error
	if !errors.As(err, &terr) || terr.Backend != "vosk" {
		t.Fatalf("expected vosk *Error, got %T %v", err, err)
	}
}
