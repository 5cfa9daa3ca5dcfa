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

const googleEmbeddingURLFormat = "https://generativelanguage.googleapis.com/v1beta/models/%s:batchEmbedContents?key=%s"

// Google is an Embedding Generator backed by the Gemini embedding API,
// the second provider the teacher's pkg/batch dual-provider pattern
// names (Google GenAI), here rewritten for net/http.
type Google struct {
	apiKey string
	model  string
	dim    int
	client *http.Client
}

// NewGoogle builds a Google Gemini embedding client.
func NewGoogle(apiKey, model string, dim int) *Google {
	return &Google{
		apiKey: apiKey,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *Google) Dim() int { return g.dim }

type googleEmbedRequest struct {
	Requests []googleEmbedContentRequest `json:"requests"`
}

type googleEmbedContentRequest struct {
	Model   string            `json:"model"`
	Content googleEmbedContent `json:"content"`
}

type googleEmbedContent struct {
	Parts []googleEmbedPart `json:"parts"`
}

type googleEmbedPart struct {
	Text string `json:"text"`
}

type googleEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Google) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g.apiKey == "" {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: Google API key not configured")
	}

	reqs := make([]googleEmbedContentRequest, len(texts))
	modelPath := "models/" + g.model
	for i, t := range texts {
		reqs[i] = googleEmbedContentRequest{
			Model:   modelPath,
			Content: googleEmbedContent{Parts: []googleEmbedPart{{Text: t}}},
		}
	}

	body, err := json.Marshal(googleEmbedRequest{Requests: reqs})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshaling Google request: %w", err)
	}

	url := fmt.Sprintf(googleEmbeddingURLFormat, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: building Google request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "embedding: Google request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: reading Google response: %w", err)
	}

	var parsed googleEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("embedding: parsing Google response: %w", err)
	}
	if parsed.Error != nil {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: Google error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: Google returned status %d", resp.StatusCode)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, apperr.New(apperr.KindStoreUnavailable, "embedding: Google returned %d embeddings for %d texts", len(parsed.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range parsed.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
