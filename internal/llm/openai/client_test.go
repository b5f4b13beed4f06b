package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OnyxLab-Core/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateTextSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "```mermaid\nflowchart TD\nA-->B\n```",
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	text, err := client.GenerateText(context.Background(), llm.Prompt{System: "architect", Task: "监控 ETH 价格"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "flowchart TD") {
		t.Fatalf("unexpected response: %q", text)
	}

	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model != defaultModelName {
		t.Fatalf("model field missing in request: %q", captured.Body.Model)
	}
	if len(captured.Body.Messages) != 2 || captured.Body.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages: %+v", captured.Body.Messages)
	}
	if !strings.Contains(captured.Body.Messages[1].Content, "监控 ETH 价格") {
		t.Fatalf("task missing from user message: %q", captured.Body.Messages[1].Content)
	}
}

func TestGenerateTextHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.GenerateText(context.Background(), llm.Prompt{Task: "test"}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}

func TestGenerateTextEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.GenerateText(context.Background(), llm.Prompt{Task: "test"}); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}

func TestGenerateTextReportsProviderErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.GenerateText(context.Background(), llm.Prompt{Task: "test"})
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "Rate limit reached") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenerateTextTruncatedOutput(t *testing.T) {
	var body chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"flowchart TD\nA-->"},"finish_reason":"length"}]}`))
	}))
	defer srv.Close()

	temperature := 0.0
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Temperature: &temperature, MaxTokens: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.GenerateText(context.Background(), llm.Prompt{Task: "test"}); !errors.Is(err, errTruncated) {
		t.Fatalf("expected truncation error, got %v", err)
	}
	if body.Temperature != 0 || body.MaxTokens != 512 {
		t.Fatalf("unexpected request: %+v", body)
	}
}
