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

	"github.com/arzamas-labs/domagent/internal/util"
)

// Env resolution follows OPENAI_* first, then the bare name, so a harness
// that only sets API_KEY/MODEL/BASE_URL still works.
const (
	openAIEnvAPIKey  = "OPENAI_API_KEY"
	openAIEnvModel   = "OPENAI_MODEL"
	openAIEnvBaseURL = "OPENAI_BASE_URL"

	fallbackEnvAPIKey  = "API_KEY"
	fallbackEnvModel   = "MODEL"
	fallbackEnvBaseURL = "BASE_URL"

	openAIDefaultModel = "gpt-4o-mini"
	openAIDefaultURL   = "https://api.openai.com/v1/chat/completions"
	openAIMinTokens    = 900
)

type openAIClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIAPIError `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type openAIResponseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func NewOpenAIFromEnv() (Client, error) {
	return newOpenAIFromEnv(zerolog.Nop())
}

// NewOpenAIWithLogger attaches logger to the client returned by
// NewOpenAIFromEnv for per-request tracing.
func NewOpenAIWithLogger(logger zerolog.Logger) (Client, error) {
	return newOpenAIFromEnv(logger)
}

func newOpenAIFromEnv(logger zerolog.Logger) (Client, error) {
	key := envOrFallback(openAIEnvAPIKey, fallbackEnvAPIKey)
	if key == "" {
		return nil, fmt.Errorf("llm: missing %s (or %s)", openAIEnvAPIKey, fallbackEnvAPIKey)
	}
	model := strings.Trim(envOrFallback(openAIEnvModel, fallbackEnvModel), "\"'")
	if model == "" {
		model = openAIDefaultModel
	}
	baseURL := envOrFallback(openAIEnvBaseURL, fallbackEnvBaseURL)
	if baseURL == "" {
		baseURL = openAIDefaultURL
	}
	return &openAIClient{
		apiKey:  key,
		model:   model,
		baseURL: baseURL,
		http:    newHTTPClient(),
		logger:  logger,
	}, nil
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("llm: openai: no messages")
	}
	for i, m := range req.Messages {
		req.Messages[i].Content = clampForTransport(c.logger, "message", m.Content)
	}
	req.System = clampForTransport(c.logger, "system", req.System)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("openai: retrying")
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
	return Response{}, fmt.Errorf("llm: openai: max retries exceeded: %w", lastErr)
}

func (c *openAIClient) doOnce(ctx context.Context, req Request) (Response, bool, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	tools := make([]openAITool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	payload := openAIPayload{
		Model:       c.model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   maxInt(req.MaxTokens, openAIMinTokens),
	}
	if len(tools) > 0 {
		payload.Tools = tools
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, false, fmt.Errorf("llm: openai: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, false, fmt.Errorf("llm: openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().
		Str("model", c.model).
		Str("url", c.baseURL).
		Int("messages", len(messages)).
		Int("tools", len(tools)).
		Int("payload_bytes", len(body)).
		Msg("openai: request")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, true, fmt.Errorf("llm: openai: http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, true, fmt.Errorf("llm: openai: read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Response{}, retryableStatus(resp.StatusCode), c.apiError(resp.StatusCode, data)
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return Response{}, false, fmt.Errorf("llm: openai: parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return Response{}, false, errors.New("llm: openai: no choices in response")
	}
	choice := apiResp.Choices[0]

	if len(choice.Message.ToolCalls) > 0 {
		return toolCallResponse(c.logger, choice.Message.ToolCalls[0]), false, nil
	}

	if choice.Message.Content == "" {
		return Response{}, false, errors.New("llm: openai: empty response content")
	}
	c.logger.Debug().
		Str("finish_reason", choice.FinishReason).
		Int("total_tokens", apiResp.Usage.TotalTokens).
		Str("preview", util.Truncate(choice.Message.Content, 200)).
		Msg("openai: success")
	return Response{Text: choice.Message.Content}, false, nil
}

// toolCallResponse re-encodes a native OpenAI tool call into the single-key
// discriminated-union action JSON the agent loop expects from every
// provider, so downstream decoding never branches on which one answered.
func toolCallResponse(logger zerolog.Logger, call openAIToolCall) Response {
	logger.Debug().
		Str("tool_name", call.Function.Name).
		Str("arguments", util.Truncate(call.Function.Arguments, 200)).
		Msg("openai: tool call")

	input := map[string]any{}
	if call.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
	}
	b, err := json.Marshal(map[string]any{"action": map[string]any{call.Function.Name: input}})
	if err != nil {
		return Response{}
	}
	return Response{Text: string(b)}
}

func (c *openAIClient) apiError(status int, data []byte) error {
	var apiResp openAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil || apiResp.Error == nil {
		return fmt.Errorf("llm: openai %d: %s", status, previewError(string(data)))
	}
	msg := apiResp.Error.Message
	if msg == "" {
		msg = previewError(string(data))
	}
	c.logger.Error().Int("status", status).Str("type", apiResp.Error.Type).Str("message", msg).Msg("openai: api error")
	return fmt.Errorf("llm: openai %d: %s (type: %s, code: %s)", status, msg, apiResp.Error.Type, apiResp.Error.Code)
}
