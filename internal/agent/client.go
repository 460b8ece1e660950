// Package agent implements the HTTP client for the agent runtime. The
// bridge drives it through the bridge.Runtime interface.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bridge"
)

const defaultTimeout = 180 * time.Second

// Client talks to the agent runtime over HTTP.
type Client struct {
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

type Option func(*Client)

// WithTimeout bounds one full exchange, streaming included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithRetryConfig overrides the connection retry policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retryConfig = rc }
}

// NewClient returns a Client for the runtime at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: defaultTimeout},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type messageRequest struct {
	SessionKey  string            `json:"session_key"`
	Content     string            `json:"content"`
	Attachments []string          `json:"attachments,omitempty"`
	UserName    string            `json:"user_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Stream      bool              `json:"stream"`
}

type messageResponse struct {
	Response string `json:"response"`
}

type deltaEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	Response string `json:"response"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Communicate sends one message to the runtime and returns the full
// response. With opts.OnChunk set the exchange runs over SSE and text
// deltas are forwarded as they arrive.
func (c *Client) Communicate(ctx context.Context, msg bridge.UserMessage, opts bridge.RunOptions) (string, error) {
	body := messageRequest{
		SessionKey:  opts.SessionKey,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		UserName:    opts.UserName,
		Metadata:    opts.Metadata,
		Stream:      opts.OnChunk != nil,
	}

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	if !body.Stream {
		var resp messageResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return "", fmt.Errorf("agent: decode response: %w", err)
		}
		return resp.Response, nil
	}

	return readStream(respBody, opts.OnChunk)
}

func (c *Client) doRequest(ctx context.Context, body messageRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("agent: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// readStream consumes the SSE body, forwarding text deltas and
// returning the final response. When the stream ends without a done
// event the accumulated deltas stand in for it.
func readStream(r io.Reader, onChunk func(string)) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line for large deltas

	var full strings.Builder
	var final string
	var currentEvent string
	sawDone := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "delta":
			var ev deltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Text != "" {
				full.WriteString(ev.Text)
				if onChunk != nil {
					onChunk(ev.Text)
				}
			}

		case "done":
			var ev doneEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				final = ev.Response
				sawDone = true
			}

		case "error":
			var ev errorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Message != "" {
				return "", fmt.Errorf("agent stream error: %s: %s", ev.Type, ev.Message)
			}
			return "", fmt.Errorf("agent stream error: %s", data)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("agent: read stream: %w", err)
	}

	if sawDone && final != "" {
		return final, nil
	}
	return full.String(), nil
}

// Ping checks the runtime's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("agent: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: "agent: health check"}
	}
	return nil
}
