// SPDX-License-Identifier: Apache-2.0

// Package vision judges images against textual claims through an
// OpenAI-compatible chat completions endpoint.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/metrics"
	"github.com/pinmatch/pinmatch/internal/scoring"
)

const systemPrompt = "You are an image reviewer. Given an image and a claim about it, " +
	"reply with a JSON object {\"confidence\": <number between 0 and 1>, " +
	"\"label\": <one or two words naming the main subject>}. " +
	"Confidence is how strongly the image supports the claim."

const maxResponseTokens = 120

// gpt-4o-mini list prices per token.
const (
	promptTokenPriceUSD     = 0.15 / 1_000_000
	completionTokenPriceUSD = 0.60 / 1_000_000
)

type Client struct {
	endpoint   string
	model      string
	apiKey     string
	logger     *slog.Logger
	httpClient *http.Client
}

var _ scoring.Evaluator = (*Client)(nil)

func NewClient(cfg config.VisionConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
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
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type judgment struct {
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
}

// Evaluate asks the model how strongly the image at mediaURL supports the
// claim. The returned confidence is validated to [0,1]; anything else from
// the model is treated as a failed evaluation.
func (c *Client) Evaluate(ctx context.Context, mediaURL, claim string) (float64, string, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("vision client misconfigured")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: fmt.Sprintf("Claim: the image %s.", claim)},
				{Type: "image_url", ImageURL: &imageRef{URL: mediaURL}},
			}},
		},
		MaxTokens:      maxResponseTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("marshal vision payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("vision error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("decode vision response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("vision response has no choices")
	}

	var j judgment
	content := trimCodeFences(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &j); err != nil {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("parse vision judgment: %w", err)
	}
	if j.Confidence < 0 || j.Confidence > 1 {
		metrics.IncVisionRequest("error")
		return 0, "", fmt.Errorf("vision confidence %f out of range", j.Confidence)
	}

	cost := float64(parsed.Usage.PromptTokens)*promptTokenPriceUSD +
		float64(parsed.Usage.CompletionTokens)*completionTokenPriceUSD
	metrics.AddVisionCostUSD(cost)
	metrics.IncVisionRequest("ok")

	c.logger.Debug("vision evaluation",
		"claim", claim,
		"confidence", j.Confidence,
		"label", j.Label,
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"cost_usd", cost,
	)
	return j.Confidence, j.Label, nil
}

func trimCodeFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
