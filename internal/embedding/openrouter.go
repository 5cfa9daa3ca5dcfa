package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kittclouds/memtiers/internal/apperr"
)

const openRouterEmbeddingsURL = "https://openrouter.ai/api/v1/embeddings"

// OpenRouter is an Embedding Generator backed by an OpenRouter-compatible
// /embeddings endpoint, rewritten from the teacher's syscall/js fetch
// call (pkg/batch/service.go's callOpenRouter) for net/http, which is the
// only meaningful transport outside a browser.
type OpenRouter struct {
	apiKey string
	model  string
	dim    int
	client *http.Client
}

// NewOpenRouter builds an OpenRouter embedding client.
func NewOpenRouter(apiKey, model string, dim int) *OpenRouter {
	return &OpenRouter{
		apiKey: apiKey,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenRouter) Dim() int { return o.dim }

type openRouterEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openRouterEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenRouter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if o.apiKey == "" {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: OpenRouter API key not configured")
	}

	body, err := json.Marshal(openRouterEmbeddingRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshaling OpenRouter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterEmbeddingsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: building OpenRouter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "embedding: OpenRouter request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: reading OpenRouter response: %w", err)
	}

	var parsed openRouterEmbeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("embedding: parsing OpenRouter response: %w", err)
	}
	if parsed.Error != nil {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: OpenRouter error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: OpenRouter returned status %d", resp.StatusCode)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
