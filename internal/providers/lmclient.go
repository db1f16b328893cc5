// Package providers is a minimal LM client adapter used only by C10's
// classifier/dispatcher to get a direct answer or a background-task
// decision out of a small model. Full multi-provider client support
// (streaming, tool calls, fallback chains across providers) is explicitly
// out of scope; this is a single synchronous completion call over the
// Anthropic Messages API shape.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

const defaultBaseURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient implements dispatcher.LMClient against the Anthropic
// Messages API, following venice.go's Complete(ctx, systemPrompt, content)
// shape but without streaming, since the classifier only needs the final
// text.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewAnthropicClient returns a client that authenticates with apiKey and
// requests completions from model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type messageReq struct {
	Model     string      `json:"model"`
	System    string      `json:"system,omitempty"`
	MaxTokens int         `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends systemPrompt and userContent as a single-turn request and
// returns the model's text reply along with the token usage the API
// reports for the call, so callers can price and charge it.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userContent string) (string, models.TokenUsage, error) {
	body, err := json.Marshal(messageReq{
		Model:     c.model,
		System:    systemPrompt,
		MaxTokens: 1024,
		Messages:  []apiMessage{{Role: "user", Content: userContent}},
	})
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("read completion response: %w", err)
	}

	var parsed messageResp
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", models.TokenUsage{}, fmt.Errorf("completion provider error: %s", parsed.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return "", models.TokenUsage{}, fmt.Errorf("completion request returned status %d", resp.StatusCode)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	usage := models.TokenUsage{
		InputTokens:       parsed.Usage.InputTokens,
		OutputTokens:      parsed.Usage.OutputTokens,
		CacheCreateTokens: parsed.Usage.CacheCreationInputTokens,
		CacheReadTokens:   parsed.Usage.CacheReadInputTokens,
	}
	return text, usage, nil
}
