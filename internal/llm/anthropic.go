package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	anthropicEnvAPIKey = "ANTHROPIC_API_KEY"
	anthropicEnvModel  = "ANTHROPIC_MODEL"
	anthropicDefaultModel = "claude-sonnet-4-5-20250929"

	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicAPIBeta    = "tools-2024-04-04"
	anthropicMinTokens  = 900
)

type anthropicClient struct {
	apiKey string
	model  string
	http   *http.Client
	logger zerolog.Logger
}

func NewAnthropicFromEnv() (Client, error) {
	return newAnthropicFromEnv(zerolog.Nop())
}

// NewAnthropicWithLogger attaches logger to the client returned by
// NewAnthropicFromEnv for per-request tracing.
func NewAnthropicWithLogger(logger zerolog.Logger) (Client, error) {
	return newAnthropicFromEnv(logger)
}

func newAnthropicFromEnv(logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(os.Getenv(anthropicEnvAPIKey))
	if key == "" {
		return nil, fmt.Errorf("llm: missing %s", anthropicEnvAPIKey)
	}
	model := strings.Trim(strings.TrimSpace(os.Getenv(anthropicEnvModel)), "\"'")
	if model == "" {
		model = anthropicDefaultModel
	}
	return &anthropicClient{
		apiKey: key,
		model:  model,
		http:   newHTTPClient(),
		logger: logger,
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("llm: anthropic: no messages")
	}
	for i, m := range req.Messages {
		req.Messages[i].Content = clampForTransport(c.logger, "message", m.Content)
	}
	req.System = clampForTransport(c.logger, "system", req.System)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("anthropic: retrying")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, retry, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == maxRetries {
			return Response{}, lastErr
		}
	}
	return Response{}, fmt.Errorf("llm: anthropic: max retries exceeded: %w", lastErr)
}

// doOnce sends a single attempt. retry tells the caller whether the
// failure is worth another pass (network hiccup, 429, 5xx) or final.
func (c *anthropicClient) doOnce(ctx context.Context, req Request) (Response, bool, error) {
	payload := anthropicPayload{
		Model:       c.model,
		MaxTokens:   maxInt(req.MaxTokens, anthropicMinTokens),
		Temperature: float64(req.Temperature),
		System:      req.System,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool(t))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, false, fmt.Errorf("llm: anthropic: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, false, fmt.Errorf("llm: anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("anthropic-beta", anthropicAPIBeta)

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(payload.Messages)).
		Int("tools", len(payload.Tools)).
		Int("payload_bytes", len(body)).
		Msg("anthropic: request")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, true, fmt.Errorf("llm: anthropic: http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, true, fmt.Errorf("llm: anthropic: read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Response{}, retryableStatus(resp.StatusCode), c.apiError(resp.StatusCode, data)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return Response{}, true, fmt.Errorf("llm: anthropic: parse response: %w", err)
	}
	var buf bytes.Buffer
	for _, content := range ar.Content {
		if content.Type == "text" {
			buf.WriteString(content.Text)
		}
	}
	c.logger.Debug().Int("response_bytes", buf.Len()).Msg("anthropic: success")
	return Response{Text: buf.String()}, false, nil
}

func (c *anthropicClient) apiError(status int, data []byte) error {
	var apiErr anthropicError
	if err := json.Unmarshal(data, &apiErr); err != nil {
		return fmt.Errorf("llm: anthropic %d: %s", status, previewError(string(data)))
	}
	msg := apiErr.Error()
	if msg == "" {
		msg = previewError(string(data))
	}
	c.logger.Error().Int("status", status).Str("type", apiErr.Type).Str("message", msg).Msg("anthropic: api error")
	if status == http.StatusBadRequest && apiErr.Type == "invalid_request_error" && strings.Contains(apiErr.Message, "API usage limits") {
		return fmt.Errorf("llm: anthropic: usage limit reached: %s", msg)
	}
	return fmt.Errorf("llm: anthropic %d: %s (type: %s)", status, msg, apiErr.Type)
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
