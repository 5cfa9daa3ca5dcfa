package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kittclouds/memtiers/internal/apperr"
)

const openRouterChatURL = "https://openrouter.ai/api/v1/chat/completions"

const systemPrompt = `You distill one agent interaction into at most one abstracted, reusable lesson.
Respond with a JSON object: {"lesson": string, "confidence": number} when a lesson is warranted,
or {} when nothing generalizable occurred. The lesson must describe a general principle, never
restate the specific situation, and must never include file paths or raw conversation excerpts.`

// OpenRouter is an Optional LLM Extractor backed by an
// OpenRouter-compatible chat completions endpoint, adapted from the
// teacher's syscall/js memory.OpenRouterClient (pkg/memory/openrouter.go)
// for net/http, using the same response_format/json_object + low
// temperature request shape.
type OpenRouter struct {
	apiKey string
	model  string
	client *http.Client
}

// NewOpenRouter builds an OpenRouter episode extractor.
func NewOpenRouter(apiKey, model string) *OpenRouter {
	return &OpenRouter{apiKey: apiKey, model: model, client: &http.Client{Timeout: 30 * time.Second}}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type extractionPayload struct {
	Lesson     string  `json:"lesson"`
	Confidence float64 `json:"confidence"`
}

func (c *OpenRouter) Extract(ctx context.Context, situation, action, outcome string) (*Episode, bool, error) {
	if c.apiKey == "" {
		return nil, false, apperr.New(apperr.KindStoreUnavailable, "extractor: OpenRouter API key not configured")
	}

	userPrompt := fmt.Sprintf("Situation: %s\nAction: %s\nOutcome: %s", situation, action, outcome)
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0.3,
		MaxTokens:      512,
		Stream:         false,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("extractor: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterChatURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("extractor: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStoreUnavailable, err, "extractor: OpenRouter request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("extractor: reading response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("extractor: parsing response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, apperr.New(apperr.KindStoreUnavailable, "extractor: OpenRouter error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, apperr.New(apperr.KindStoreUnavailable, "extractor: empty response from OpenRouter")
	}

	content := stripCodeFence(parsed.Choices[0].Message.Content)
	var payload extractionPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, false, fmt.Errorf("extractor: parsing extraction payload: %w", err)
	}
	if payload.Lesson == "" {
		return nil, false, nil
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		payload.Confidence = 0.5
	}
	return &Episode{Lesson: payload.Lesson, Confidence: payload.Confidence}, true, nil
}

// stripCodeFence removes a wrapping ```json ... ``` or ``` ... ``` block,
// which some models emit despite response_format:json_object.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
