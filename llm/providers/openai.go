package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/specpatch/llm"
)

// OpenAIProvider implements the hosted OpenAI API (or OpenRouter). It shares the
// wire format of OllamaProvider and differs in default URL and headers.
type OpenAIProvider struct {
	OllamaProvider
}

var _ llm.EmbeddingProvider = (*OpenAIProvider)(nil)

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

const defaultOpenAIURL = "https://api.openai.com/v1"

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the chat completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return openAIEndpoint(baseURL, defaultOpenAIURL, "/chat/completions")
}

// BuildEmbeddingURL constructs the embeddings endpoint.
func (o *OpenAIProvider) BuildEmbeddingURL(baseURL string) string {
	return openAIEndpoint(baseURL, defaultOpenAIURL, "/embeddings")
}

// SetHeaders adds OpenAI authentication and optional OpenRouter attribution.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
