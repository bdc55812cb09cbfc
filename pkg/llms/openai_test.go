package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/doclens/doclens/pkg/config"
)

func testConfig(host string) config.LLMConfig {
	return config.LLMConfig{
		Type:       "openai",
		Host:       host,
		APIKey:     "test-key",
		Model:      "gpt-4o-mini",
		Timeout:    5,
		MaxRetries: 1,
		RetryDelay: 1,
	}
}

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello there"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	completion, err := provider.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	if completion.Text != "hello there" {
		t.Errorf("unexpected text %q", completion.Text)
	}
	if completion.TotalTokens != 13 {
		t.Errorf("unexpected token count %d", completion.TotalTokens)
	}
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key", "type": "auth_error", "code": "401"}}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = provider.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestCompleteImageMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		parts, ok := req.Messages[0].Content.([]any)
		if !ok || len(parts) != 2 {
			t.Errorf("expected two content parts for image message, got %v", req.Messages[0].Content)
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "a chart"}, "finish_reason": "stop"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	completion, err := provider.Complete(context.Background(), Request{
		Messages: []Message{{
			Role:     RoleUser,
			Content:  "what is in this image?",
			ImageURL: "data:image/png;base64,iVBORw0KGgo=",
		}},
	})
	if err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if completion.Text != "a chart" {
		t.Errorf("unexpected text %q", completion.Text)
	}
}

func TestStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	ch, err := provider.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamComplete() failed: %v", err)
	}

	var text string
	var done bool
	var tokens int
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "done":
			done = true
			tokens = chunk.Tokens
		case "error":
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	if text != "hello" {
		t.Errorf("unexpected streamed text %q", text)
	}
	if !done {
		t.Error("expected done chunk")
	}
	if tokens != 5 {
		t.Errorf("expected 5 tokens, got %d", tokens)
	}
}

func TestStreamCompleteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "bad request"}}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	ch, err := provider.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamComplete() setup failed: %v", err)
	}

	var gotError bool
	for chunk := range ch {
		if chunk.Type == "error" {
			gotError = true
		}
	}
	if !gotError {
		t.Error("expected error chunk for failed request")
	}
}

func TestNewProviderRegistry(t *testing.T) {
	if _, err := NewProvider(config.LLMConfig{Type: "openai", Model: "gpt-4o-mini"}); err != nil {
		t.Errorf("openai provider should construct: %v", err)
	}
	if _, err := NewProvider(config.LLMConfig{Type: "unknown", Model: "x"}); err == nil {
		t.Error("expected error for unknown provider type")
	}
}
