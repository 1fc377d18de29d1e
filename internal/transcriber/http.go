package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultPath is the transcription endpoint on the remote service
	DefaultPath = "/api/transcribe"
	// UploadFilename is the multipart filename sent with every recording
	UploadFilename = "recording.wav"

	backendHTTP = "http"
)

// HTTPConfig configures the remote transcription client
type HTTPConfig struct {
	BaseURL string
	Path    string        // default DefaultPath
	Token   string        // optional, sent as Bearer
	Timeout time.Duration // default 60s
}

// HTTPClient posts recordings to a transcription service as multipart form
// data and reads {"transcription": "..."} back. It does not retry; the user
// re-records instead.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPClient creates a client for the service at cfg.BaseURL
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// transcribeResponse mirrors the JSON shape returned by the service
type transcribeResponse struct {
	Transcription *string `json:"transcription"`
	Error         string  `json:"error"`
}

func (c *HTTPClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", UploadFilename)
	if err != nil {
		return "", c.fail(0, fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(wav); err != nil {
		return "", c.fail(0, fmt.Errorf("write audio data: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", c.fail(0, fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, &body)
	if err != nil {
		return "", c.fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", c.fail(0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", c.fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed transcribeResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			return "", c.fail(resp.StatusCode, errors.New(parsed.Error))
		}
		return "", c.fail(resp.StatusCode, fmt.Errorf("unexpected status: %s", truncate(respBody, 200)))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", c.fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Transcription == nil {
		return "", c.fail(resp.StatusCode, errors.New("response has no transcription field"))
	}

	return strings.TrimSpace(*parsed.Transcription), nil
}

func (c *HTTPClient) fail(status int, err error) error {
	return &Error{Backend: backendHTTP, StatusCode: status, Err: err}
}

// truncate returns the first n bytes of body as a string
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
