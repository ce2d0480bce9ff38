package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/c360studio/specpatch/llm"
)

// OllamaProvider implements the OpenAI-compatible API served by Ollama, vLLM and
// similar local runtimes, for both chat completions and embeddings.
type OllamaProvider struct{}

var _ llm.EmbeddingProvider = (*OllamaProvider)(nil)

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

const defaultOllamaURL = "http://localhost:11434/v1"

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	return openAIEndpoint(baseURL, defaultOllamaURL, "/chat/completions")
}

// BuildEmbeddingURL constructs the embeddings endpoint.
func (o *OllamaProvider) BuildEmbeddingURL(baseURL string) string {
	return openAIEndpoint(baseURL, defaultOllamaURL, "/embeddings")
}

// openAIEndpoint appends suffix to base unless it already names an endpoint.
func openAIEndpoint(baseURL, fallback, suffix string) string {
	if baseURL == "" {
		baseURL = fallback
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	for _, known := range []string{"/chat/completions", "/embeddings"} {
		if strings.HasSuffix(baseURL, known) {
			baseURL = strings.TrimSuffix(baseURL, known)
		}
	}
	return baseURL + suffix
}

// SetHeaders adds a bearer token when one is configured (OpenRouter, vLLM).
func (o *OllamaProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the OpenAI-compatible request body.
func (o *OllamaProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	apiMessages := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		apiMessages[i] = openAIMessage{Role: msg.Role, Content: msg.Content}
	}

	req := openAIRequest{
		Model:       model,
		Messages:    apiMessages,
		Temperature: temperature,
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	return json.Marshal(req)
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

// ParseResponse extracts content from an OpenAI-compatible response.
func (o *OllamaProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &llm.Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		Usage:        llm.TokenUsage(resp.Usage),
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage openAIUsage `json:"usage"`
}

// BuildEmbeddingBody creates an OpenAI-compatible embeddings request.
func (o *OllamaProvider) BuildEmbeddingBody(model string, inputs []string) ([]byte, error) {
	return json.Marshal(embeddingRequest{Model: model, Input: inputs})
}

// ParseEmbeddingResponse orders vectors by their reported index.
func (o *OllamaProvider) ParseEmbeddingResponse(body []byte, model string) (*llm.EmbedResponse, error) {
	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return &llm.EmbedResponse{
		Vectors: vectors,
		Model:   model,
		Usage:   llm.TokenUsage(resp.Usage),
	}, nil
}
