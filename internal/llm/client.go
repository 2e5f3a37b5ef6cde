package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"geister/internal/logging"
)

// Client talks non-streaming chat completions to an Ollama server.
type Client struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// Config configures the Ollama client.
type Config struct {
	BaseURL        string
	Model          string
	ConnectTimeout time.Duration
	Logger         logging.Logger
}

// NewClient builds a chat client for the configured Ollama server. Request
// deadlines are carried by the caller's context; only the dial timeout lives
// on the transport.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	return &Client{
		model:   cfg.Model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
			},
		},
		logger: logging.OrNop(cfg.Logger),
	}
}

// Model returns the model identifier sent with every request.
func (c *Client) Model() string {
	return c.model
}

// BaseURL returns the server address, for status reporting.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type chatRequestPayload struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream"`
}

type chatResponsePayload struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

// Chat sends the message list (plus optional tool schema) and returns the
// single assistant message. Transport failures, non-2xx statuses and
// undecodable bodies all come back as errors with messages that describe the
// backend state; callers treat any error as immediately fatal for the step.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := chatRequestPayload{
		Model:    c.model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := c.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.describeTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cannot reach Ollama at %s (HTTP %d): the LLM backend appears to be offline or unavailable", c.baseURL, resp.StatusCode)
	}

	var decoded chatResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("invalid response from Ollama at %s: the LLM backend may be misconfigured", c.baseURL)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", decoded.Error)
	}

	c.logger.Debug("Chat response: content=%d bytes, tool_calls=%d, done_reason=%s",
		len(decoded.Message.Content), len(decoded.Message.ToolCalls), decoded.DoneReason)

	return &ChatResponse{
		Message:         decoded.Message,
		Model:           decoded.Model,
		DoneReason:      decoded.DoneReason,
		PromptEvalCount: decoded.PromptEvalCount,
		EvalCount:       decoded.EvalCount,
	}, nil
}

func (c *Client) describeTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("ollama at %s timed out: the LLM backend may be overloaded", c.baseURL)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ollama at %s timed out: the LLM backend may be overloaded", c.baseURL)
	}
	return fmt.Errorf("cannot reach Ollama at %s: the LLM backend appears to be offline", c.baseURL)
}

// WaitReady blocks until the server answers its root endpoint with 200, or
// the timeout elapses. Returns true when the backend is usable.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if c.probe(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
	c.logger.Warn("Ollama not ready after %s", timeout)
	return false
}

func (c *Client) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
