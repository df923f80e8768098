// Package llm is the thin boundary between the agent loop and a hosted
// chat-completions API. It normalizes Anthropic and OpenAI onto one
// request/response shape so the rest of the module never branches on
// provider.
package llm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzamas-labs/domagent/internal/util"
)

const envProvider = "LLM_PROVIDER" // "anthropic" or "openai", defaults to anthropic

// Client is a stateless chat-completions call: one system prompt, one
// conversation, an optional tool list, back comes plain text.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool mirrors Anthropic's native tool shape; NewOpenAIFromEnv's client
// reshapes it into OpenAI's function-calling envelope on the wire.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Response struct {
	Text string
}

// retry/transport knobs shared by both providers; a provider-specific
// client may still carry its own payload-shape constants.
const (
	requestTimeout = 60 * time.Second
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	maxRequestSize = 200_000 // ~200KB, guards against a runaway prompt
	errorPreviewLen = 500
)

// NewClientFromEnv builds a Client from LLM_PROVIDER, defaulting to
// Anthropic when unset.
func NewClientFromEnv() (Client, error) {
	return newClientFromEnv(zerolog.Nop())
}

// NewClientWithLogger is NewClientFromEnv plus a logger threaded into the
// resulting client for per-request tracing.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	return newClientFromEnv(logger)
}

func newClientFromEnv(logger zerolog.Logger) (Client, error) {
	switch provider := resolveProvider(); provider {
	case "openai":
		return newOpenAIFromEnv(logger)
	case "anthropic":
		return newAnthropicFromEnv(logger)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (use \"anthropic\" or \"openai\")", provider)
	}
}

func resolveProvider() string {
	p := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if p == "" {
		return "anthropic"
	}
	return p
}

// newHTTPClient is the one http.Client both providers build from.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// clampForTransport truncates any message/system text past maxRequestSize
// before it goes on the wire, logging when it had to.
func clampForTransport(logger zerolog.Logger, label string, s string) string {
	if len(s) <= maxRequestSize {
		return s
	}
	logger.Warn().Str("field", label).Int("size", len(s)).Msg("llm: request field too large, truncating")
	return s[:maxRequestSize] + "... [truncated]"
}

// backoffDelay is exponential with no jitter: attempt 1 waits
// retryBaseDelay, attempt 2 waits 2x, and so on.
func backoffDelay(attempt int) time.Duration {
	return retryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
}

// retryableStatus reports whether an HTTP status from either provider is
// worth a retry: rate limiting and server errors, nothing else.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func previewError(s string) string {
	return util.Truncate(s, errorPreviewLen)
}

func envOrFallback(primary, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(primary)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(fallback))
}
