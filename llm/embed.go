package llm

import (
	"context"
	"fmt"

	"github.com/c360studio/specpatch/model"
)

// EmbedRequest asks for one vector per input text.
type EmbedRequest struct {
	// Capability defaults to "embedding".
	Capability string

	Inputs []string
}

// EmbedResponse carries vectors in input order.
type EmbedResponse struct {
	Vectors [][]float64
	Model   string
	Usage   TokenUsage
}

// Embed computes embeddings, with the same retry, fallback and circuit-breaker
// behaviour as Complete. Endpoints whose provider has no embeddings API are
// treated as misconfigured.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("at least one input is required")
	}

	capVal := model.CapabilityEmbedding
	if req.Capability != "" {
		if parsed := model.ParseCapability(req.Capability); parsed != "" {
			capVal = parsed
		}
	}

	return runChain(ctx, c, "embedding", capVal, func(ctx context.Context, ep *model.EndpointConfig) (*EmbedResponse, error) {
		provider, ok := GetEmbeddingProvider(ep.Provider)
		if !ok {
			return nil, NewFatalError(fmt.Errorf("provider %s does not support embeddings", ep.Provider))
		}
		body, err := provider.BuildEmbeddingBody(ep.Model, req.Inputs)
		if err != nil {
			return nil, NewFatalError(fmt.Errorf("build embedding body: %w", err))
		}
		respBody, err := c.post(ctx, provider, provider.BuildEmbeddingURL(ep.URL), body)
		if err != nil {
			return nil, err
		}
		resp, err := provider.ParseEmbeddingResponse(respBody, ep.Model)
		if err != nil {
			return nil, NewTransientError(err)
		}
		if len(resp.Vectors) != len(req.Inputs) {
			return nil, NewTransientError(fmt.Errorf("embedding count mismatch: got %d, want %d",
				len(resp.Vectors), len(req.Inputs)))
		}
		return resp, nil
	})
}

// EmbedOne is a convenience wrapper for a single input.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.Embed(ctx, EmbedRequest{Inputs: []string{text}})
	if err != nil {
		return nil, err
	}
	return resp.Vectors[0], nil
}
