package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/llm"
	_ "github.com/c360studio/specpatch/llm/providers" // Register providers
	"github.com/c360studio/specpatch/model"
)

// fastRetry keeps tests quick while still exercising backoff.
var fastRetry = llm.RetryConfig{
	MaxAttempts:       3,
	BackoffBase:       time.Millisecond,
	BackoffMultiplier: 2,
	MaxBackoff:        5 * time.Millisecond,
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
	}
}

func singleEndpointRegistry(capVal model.Capability, url string, names ...string) *model.Registry {
	endpoints := map[string]*model.EndpointConfig{}
	for _, name := range names {
		endpoints[name] = &model.EndpointConfig{Provider: "ollama", URL: url, Model: name}
	}
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			capVal: {Preferred: names},
		},
		endpoints,
	)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (o *recordingObserver) ObserveModelCall(kind, capability, modelName string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, kind+"/"+capability+"/"+modelName)
	o.errs = append(o.errs, err)
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(chatResponse(`["security_blueprint"]`))
	}))
	defer server.Close()

	obs := &recordingObserver{}
	client := llm.NewClient(singleEndpointRegistry(model.CapabilityClassification, server.URL, "test-model"),
		llm.WithObserver(obs))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "classification",
		Messages:   []llm.Message{{Role: "user", Content: "classify"}},
	})
	require.NoError(t, err)

	assert.Equal(t, `["security_blueprint"]`, resp.Content)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, []string{"completion/classification/test-model"}, obs.calls)
	assert.Nil(t, obs.errs[0])
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(chatResponse("ok"))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(model.CapabilityFast, server.URL, "test-model"),
		llm.WithRetryConfig(fastRetry))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(model.CapabilityFast, server.URL, "a", "b"),
		llm.WithRetryConfig(fastRetry))

	_, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load(), "fatal errors neither retry nor fall back")
}

func TestClient_Complete_Fallback(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse("from fallback"))
	}))
	defer healthy.Close()

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityCompliance: {Preferred: []string{"primary"}, Fallback: []string{"secondary"}},
		},
		map[string]*model.EndpointConfig{
			"primary":   {Provider: "ollama", URL: failing.URL, Model: "primary"},
			"secondary": {Provider: "ollama", URL: healthy.URL, Model: "secondary"},
		},
	)
	client := llm.NewClient(registry, llm.WithRetryConfig(fastRetry))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "compliance",
		Messages:   []llm.Message{{Role: "user", Content: "diff"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)

	health := registry.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(model.CapabilityFast, server.URL, "test-model"),
		llm.WithRetryConfig(llm.RetryConfig{MaxAttempts: 5, BackoffBase: time.Second, BackoffMultiplier: 1, MaxBackoff: time.Second}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, llm.IsTransient(err))
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	assert.Error(t, err)

	_, err = client.Complete(context.Background(), llm.Request{Capability: "fast"})
	assert.Error(t, err)
}

func TestClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float64{float64(i), 1}}
		}
		json.NewEncoder(w).Encode(map[string]any{"model": "embed", "data": data})
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(model.CapabilityEmbedding, server.URL, "embed"))

	resp, err := client.Embed(context.Background(), llm.EmbedRequest{Inputs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1}, {1, 1}}, resp.Vectors)

	vec, err := client.EmbedOne(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, vec)

	_, err = client.Embed(context.Background(), llm.EmbedRequest{})
	assert.Error(t, err)
}

func TestClient_Embed_ProviderWithoutEmbeddings(t *testing.T) {
	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityEmbedding: {Preferred: []string{"claude"}},
		},
		map[string]*model.EndpointConfig{
			"claude": {Provider: "anthropic", Model: "claude-haiku"},
		},
	)
	client := llm.NewClient(registry)

	_, err := client.Embed(context.Background(), llm.EmbedRequest{Inputs: []string{"x"}})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}
