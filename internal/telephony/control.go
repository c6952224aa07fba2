package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultControlBaseURL = "https://api.telnyx.com/v2"

// requestTimeout bounds every control-plane HTTP call.
const requestTimeout = 10 * time.Second

// Controller issues actions against the provider's call-control plane.
// Implemented by [ControlClient]; the relay's fallback policy depends on this
// interface so tests can substitute a recorder.
type Controller interface {
	// Speak plays server-side synthesised speech to the caller. It bypasses
	// the media stream entirely, so it works even when the AI session is down.
	Speak(ctx context.Context, callControlID, text string) error

	// Hangup terminates the call.
	Hangup(ctx context.Context, callControlID string) error
}

// ControlOption is a functional option for configuring a ControlClient.
type ControlOption func(*ControlClient)

// WithControlBaseURL overrides the REST base URL. Primarily used in tests to
// point at a local mock server.
func WithControlBaseURL(url string) ControlOption {
	return func(c *ControlClient) { c.baseURL = url }
}

// WithVoice sets the TTS voice used for Speak actions.
func WithVoice(voice string) ControlOption {
	return func(c *ControlClient) { c.voice = voice }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ControlOption {
	return func(c *ControlClient) { c.http = hc }
}

// ControlClient is the HTTP implementation of [Controller].
type ControlClient struct {
	apiKey  string
	baseURL string
	voice   string
	http    *http.Client
}

var _ Controller = (*ControlClient)(nil)

// NewControlClient creates a control-plane client authenticated with apiKey.
func NewControlClient(apiKey string, opts ...ControlOption) *ControlClient {
	c := &ControlClient{
		apiKey:  apiKey,
		baseURL: defaultControlBaseURL,
		voice:   "female",
		http:    &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type speakRequest struct {
	Payload     string `json:"payload"`
	PayloadType string `json:"payload_type"`
	Voice       string `json:"voice"`
}

// Speak implements [Controller].
func (c *ControlClient) Speak(ctx context.Context, callControlID, text string) error {
	body := speakRequest{
		Payload:     text,
		PayloadType: "text",
		Voice:       c.voice,
	}
	return c.post(ctx, fmt.Sprintf("/calls/%s/actions/speak", callControlID), body)
}

// Hangup implements [Controller].
func (c *ControlClient) Hangup(ctx context.Context, callControlID string) error {
	return c.post(ctx, fmt.Sprintf("/calls/%s/actions/hangup", callControlID), struct{}{})
}

// Ping reports whether the control plane is reachable. Backs the readiness
// probe: any HTTP response counts as reachable, a 5xx or a transport failure
// does not.
func (c *ControlClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calls", nil)
	if err != nil {
		return fmt.Errorf("telephony: build ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: control plane unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("telephony: control plane status %d", resp.StatusCode)
	}
	return nil
}

func (c *ControlClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telephony: marshal control request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telephony: build control request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: control request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telephony: control request %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	return nil
}
