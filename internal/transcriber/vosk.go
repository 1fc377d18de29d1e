package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
)

const (
	backendVosk = "vosk"

	// voskChunkSize is about 250ms of 16 kHz audio per binary frame
	voskChunkSize = 8000
)

// VoskClient transcribes a finished recording against a Vosk websocket
// server: it streams the PCM payload, sends EOF, and joins the final results.
type VoskClient struct {
	serverURL string
	dialer    *websocket.Dialer
}

// voskResult is one message from the Vosk server
type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

// NewVoskClient creates a client for a server like ws://localhost:2700
func NewVoskClient(serverURL string) *VoskClient {
	return &VoskClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (vc *VoskClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	pcm, info, err := audio.DecodeWAV(wav)
	if err != nil {
		return "", vc.fail(err)
	}

	url := fmt.Sprintf("%s/ws?sample_rate=%d", vc.serverURL, info.SampleRate)
	conn, _, err := vc.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", vc.fail(fmt.Errorf("failed to connect to Vosk server: %w", err))
	}
	defer conn.Close()

	// Unblock reads and writes when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	config := fmt.Sprintf(`{"config": {"sample_rate": %d}}`, info.SampleRate)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(config)); err != nil {
		return "", vc.fail(fmt.Errorf("failed to send config to Vosk: %w", err))
	}

	results := make(chan []string, 1)
	readErr := make(chan error, 1)
	go func() {
		var texts []string
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					results <- texts
					return
				}
				readErr <- err
				return
			}

			var result voskResult
			if err := json.Unmarshal(message, &result); err != nil {
				readErr <- fmt.Errorf("failed to parse Vosk result: %w", err)
				return
			}
			if result.Text != "" {
				texts = append(texts, result.Text)
			}
		}
	}()

	for i := 0; i < len(pcm); i += voskChunkSize {
		end := i + voskChunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[i:end]); err != nil {
			return "", vc.fail(vc.ctxErr(ctx, fmt.Errorf("failed to send audio to Vosk: %w", err)))
		}
	}

	// EOF asks the server for the final result and a close frame
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof": 1}`)); err != nil {
		return "", vc.fail(vc.ctxErr(ctx, fmt.Errorf("failed to send EOF to Vosk: %w", err)))
	}

	select {
	case texts := <-results:
		return strings.Join(texts, " "), nil
	case err := <-readErr:
		return "", vc.fail(vc.ctxErr(ctx, err))
	}
}

// ctxErr prefers the context error when a cancelled context closed the socket
func (vc *VoskClient) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	return err
}

func (vc *VoskClient) fail(err error) error {
	return &Error{Backend: backendVosk, Err: err}
}
