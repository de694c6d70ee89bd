package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("expected invalid input when api key is missing, got %v", err)
	}
}

func TestGenerateSuccess(t *testing.T) {
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
				{"message": map[string]any{"content": "  the forecast is sunny  "}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		AgentID:  "agent-1",
		Prompt:   "weather in Oslo?",
		Tools:    []llm.ToolCard{{Name: "weather", Description: "forecasts", Cost: "0.01"}},
		Messages: []llm.Message{{From: "agent-2", Body: "use the weather tool"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "the forecast is sunny" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model != defaultModelName || len(captured.Body.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", captured.Body)
	}
	system := captured.Body.Messages[0].Content
	for _, want := range []string{"agent-1", "weather (0.01 USDC per call)", "[agent-2] use the weather tool"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}
	if captured.Body.Messages[1].Content != "weather in Oslo?" {
		t.Fatalf("unexpected user prompt %q", captured.Body.Messages[1].Content)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Generate(context.Background(), llm.Request{Prompt: "test"})
	if !xerrors.HasCode(err, xerrors.CodeNetwork) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable network error, got %v", err)
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	client, err := NewClient(Config{APIKey: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "  "}); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
