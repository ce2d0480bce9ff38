package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Provider defines the interface for LLM provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the chat endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the provider.
	// temperature is nil to use provider default, or a pointer to explicit value.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// EmbeddingProvider is implemented by providers that expose an embeddings API.
// Providers without one are skipped when resolving an embedding request.
type EmbeddingProvider interface {
	Provider

	// BuildEmbeddingURL constructs the embeddings endpoint URL.
	BuildEmbeddingURL(baseURL string) string

	// BuildEmbeddingBody creates the JSON request body for a batch of inputs.
	BuildEmbeddingBody(model string, inputs []string) ([]byte, error)

	// ParseEmbeddingResponse returns one vector per input, in input order.
	ParseEmbeddingResponse(body []byte, model string) (*EmbedResponse, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// GetEmbeddingProvider retrieves a provider by name if it supports embeddings.
func GetEmbeddingProvider(name string) (EmbeddingProvider, bool) {
	ep, ok := GetProvider(name).(EmbeddingProvider)
	return ep, ok
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
