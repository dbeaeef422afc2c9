// SPDX-License-Identifier: Apache-2.0

package vision

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pinmatch/pinmatch/internal/config"
)

func TestNewClient(t *testing.T) {
	logger := discardLogger()
	cfg := config.VisionConfig{
		Endpoint:       "https://api.openai.com/v1/chat/completions",
		Model:          "gpt-4o-mini",
		APIKey:         "test-key",
		TimeoutSeconds: 30,
	}

	client := NewClient(cfg, logger)
	if client == nil {
		t.Fatal("expected client instance")
	}
	if client.endpoint != cfg.Endpoint {
		t.Fatal("expected endpoint to be preserved")
	}
	if client.model != cfg.Model {
		t.Fatal("expected model to be preserved")
	}
	if client.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
	if client.httpClient.Timeout != cfg.Timeout() {
		t.Fatalf("expected http timeout %s got %s", cfg.Timeout(), client.httpClient.Timeout)
	}
}

func TestEvaluateParsesJudgment(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		writeChatResponse(w, `{"confidence":0.9,"label":"kitchen"}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	confidence, label, err := client.Evaluate(context.Background(), "https://example.com/media/1.jpg", "depicts kitchen")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if confidence != 0.9 {
		t.Fatalf("expected confidence 0.9 got %f", confidence)
	}
	if label != "kitchen" {
		t.Fatalf("expected label kitchen got %q", label)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if !strings.Contains(gotBody, "https://example.com/media/1.jpg") {
		t.Fatal("expected request body to carry the image url")
	}
	if !strings.Contains(gotBody, "depicts kitchen") {
		t.Fatal("expected request body to carry the claim")
	}
	if !strings.Contains(gotBody, "gpt-4o-mini") {
		t.Fatal("expected request body to carry the model")
	}
}

func TestEvaluateTrimsCodeFences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(w, "```json\n{\"confidence\":0.4,\"label\":\"sofa\"}\n```")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	confidence, label, err := client.Evaluate(context.Background(), "https://example.com/media/2.jpg", "depicts sofa")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if confidence != 0.4 || label != "sofa" {
		t.Fatalf("expected fenced judgment to parse, got %f %q", confidence, label)
	}
}

func TestEvaluateRejectsOutOfRangeConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(w, `{"confidence":1.7,"label":"kitchen"}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, _, err := client.Evaluate(context.Background(), "https://example.com/media/3.jpg", "depicts kitchen"); err == nil {
		t.Fatal("expected out-of-range confidence to fail")
	}
}

func TestEvaluateRejectsMalformedJudgment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatResponse(w, "the image probably shows a kitchen")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, _, err := client.Evaluate(context.Background(), "https://example.com/media/4.jpg", "depicts kitchen"); err == nil {
		t.Fatal("expected non-JSON judgment to fail")
	}
}

func TestEvaluateRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"choices": []any{}}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, _, err := client.Evaluate(context.Background(), "https://example.com/media/5.jpg", "depicts kitchen"); err == nil {
		t.Fatal("expected empty choices to fail")
	}
}

func TestEvaluateSurfacesErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, _, err := client.Evaluate(context.Background(), "https://example.com/media/6.jpg", "depicts kitchen")
	if err == nil {
		t.Fatal("expected error status to fail")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestEvaluateRequiresConfiguration(t *testing.T) {
	client := NewClient(config.VisionConfig{TimeoutSeconds: 5}, discardLogger())
	if _, _, err := client.Evaluate(context.Background(), "https://example.com/media/7.jpg", "depicts kitchen"); err == nil {
		t.Fatal("expected misconfigured client to fail")
	}
}

func newTestClient(endpoint string) *Client {
	return NewClient(config.VisionConfig{
		Endpoint:       endpoint,
		Model:          "gpt-4o-mini",
		APIKey:         "test-key",
		TimeoutSeconds: 5,
	}, discardLogger())
}

func writeChatResponse(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     250,
			"completion_tokens": 20,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
