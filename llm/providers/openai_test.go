package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/specpatch/llm"
)

func TestProvidersRegistered(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, llm.ListProviders())

	_, ok := llm.GetEmbeddingProvider("openai")
	assert.True(t, ok)
	_, ok = llm.GetEmbeddingProvider("anthropic")
	assert.False(t, ok, "anthropic has no embeddings API")
}

func TestOpenAIProvider_URLs(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "openai", p.Name())

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "empty uses default", want: "https://api.openai.com/v1/chat/completions"},
		{name: "OpenRouter base", baseURL: "https://openrouter.ai/api/v1", want: "https://openrouter.ai/api/v1/chat/completions"},
		{name: "trailing slash handled", baseURL: "https://api.openai.com/v1/", want: "https://api.openai.com/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}

	assert.Equal(t, "https://api.openai.com/v1/embeddings", p.BuildEmbeddingURL(""))
}

func TestOpenAIProvider_SetHeaders(t *testing.T) {
	p := &OpenAIProvider{}

	t.Run("sets authorization and OpenRouter headers", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "test-api-key")
		t.Setenv("OPENROUTER_SITE_URL", "https://specpatch.example")
		t.Setenv("OPENROUTER_SITE_NAME", "specpatch")

		req, _ := http.NewRequest(http.MethodPost, "https://openrouter.ai/api/v1/chat/completions", nil)
		p.SetHeaders(req)

		assert.Equal(t, "Bearer test-api-key", req.Header.Get("Authorization"))
		assert.Equal(t, "https://specpatch.example", req.Header.Get("HTTP-Referer"))
		assert.Equal(t, "specpatch", req.Header.Get("X-Title"))
	})

	t.Run("no headers when env vars empty", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("OPENROUTER_SITE_URL", "")
		t.Setenv("OPENROUTER_SITE_NAME", "")

		req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
		p.SetHeaders(req)

		assert.Empty(t, req.Header.Get("Authorization"))
		assert.Empty(t, req.Header.Get("HTTP-Referer"))
		assert.Empty(t, req.Header.Get("X-Title"))
	})
}
