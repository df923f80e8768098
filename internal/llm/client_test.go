package llm

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProviderDefaultsToAnthropic(t *testing.T) {
	t.Setenv(envProvider, "")
	assert.Equal(t, "anthropic", resolveProvider())
}

func TestResolveProviderLowercasesAndTrims(t *testing.T) {
	t.Setenv(envProvider, "  OpenAI  ")
	assert.Equal(t, "openai", resolveProvider())
}

func TestNewClientFromEnvRejectsUnknownProvider(t *testing.T) {
	t.Setenv(envProvider, "mistral")
	_, err := newClientFromEnv(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral")
}

func TestEnvOrFallbackPrefersPrimary(t *testing.T) {
	t.Setenv("PRIMARY_X", "from-primary")
	t.Setenv("FALLBACK_X", "from-fallback")
	assert.Equal(t, "from-primary", envOrFallback("PRIMARY_X", "FALLBACK_X"))
}

func TestEnvOrFallbackUsesFallbackWhenPrimaryUnset(t *testing.T) {
	t.Setenv("PRIMARY_Y", "")
	t.Setenv("FALLBACK_Y", "from-fallback")
	assert.Equal(t, "from-fallback", envOrFallback("PRIMARY_Y", "FALLBACK_Y"))
}

func TestNewOpenAIFromEnvUsesBareNameFallbacks(t *testing.T) {
	t.Setenv(openAIEnvAPIKey, "")
	t.Setenv(fallbackEnvAPIKey, "bare-key")
	t.Setenv(openAIEnvModel, "")
	t.Setenv(fallbackEnvModel, "bare-model")
	t.Setenv(openAIEnvBaseURL, "")
	t.Setenv(fallbackEnvBaseURL, "https://example.test/v1/chat/completions")

	client, err := newOpenAIFromEnv(zerolog.Nop())
	require.NoError(t, err)
	oc, ok := client.(*openAIClient)
	require.True(t, ok)
	assert.Equal(t, "bare-key", oc.apiKey)
	assert.Equal(t, "bare-model", oc.model)
	assert.Equal(t, "https://example.test/v1/chat/completions", oc.baseURL)
}

func TestNewOpenAIFromEnvDefaultsWhenUnset(t *testing.T) {
	t.Setenv(openAIEnvAPIKey, "k")
	t.Setenv(fallbackEnvAPIKey, "")
	t.Setenv(openAIEnvModel, "")
	t.Setenv(fallbackEnvModel, "")
	t.Setenv(openAIEnvBaseURL, "")
	t.Setenv(fallbackEnvBaseURL, "")

	client, err := newOpenAIFromEnv(zerolog.Nop())
	require.NoError(t, err)
	oc := client.(*openAIClient)
	assert.Equal(t, openAIDefaultModel, oc.model)
	assert.Equal(t, openAIDefaultURL, oc.baseURL)
}

func TestNewOpenAIFromEnvMissingKey(t *testing.T) {
	t.Setenv(openAIEnvAPIKey, "")
	t.Setenv(fallbackEnvAPIKey, "")
	_, err := newOpenAIFromEnv(zerolog.Nop())
	require.Error(t, err)
}

func TestBackoffDelayDoubles(t *testing.T) {
	assert.Equal(t, retryBaseDelay, backoffDelay(1))
	assert.Equal(t, 2*retryBaseDelay, backoffDelay(2))
	assert.Equal(t, 4*retryBaseDelay, backoffDelay(3))
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(429))
	assert.True(t, retryableStatus(500))
	assert.True(t, retryableStatus(503))
	assert.False(t, retryableStatus(400))
	assert.False(t, retryableStatus(404))
}

func TestClampForTransportTruncatesOversizedField(t *testing.T) {
	huge := make([]byte, maxRequestSize+10)
	for i := range huge {
		huge[i] = 'a'
	}
	out := clampForTransport(zerolog.Nop(), "message", string(huge))
	assert.LessOrEqual(t, len(out), maxRequestSize+len("... [truncated]"))
	assert.Contains(t, out, "[truncated]")
}

func TestClampForTransportLeavesSmallFieldAlone(t *testing.T) {
	assert.Equal(t, "hello", clampForTransport(zerolog.Nop(), "message", "hello"))
}
