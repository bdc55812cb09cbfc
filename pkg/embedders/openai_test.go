package embedders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/doclens/doclens/pkg/config"
)

func testConfig(host string) config.EmbedderConfig {
	return config.EmbedderConfig{
		Host:       host,
		APIKey:     "test-key",
		Model:      "text-embedding-3-small",
		Dimension:  3,
		Timeout:    5,
		MaxRetries: 2,
		RetryDelay: 1,
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "text-embedding-3-small" || len(req.Input) != 1 {
			t.Errorf("unexpected request %+v", req)
		}

		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	vec, err := embedder.Embed(context.Background(), "termination clause")
	if err != nil {
		t.Fatalf("Embed() failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected embedding %v", vec)
	}
	if embedder.Dimension() != 3 {
		t.Errorf("unexpected dimension %d", embedder.Dimension())
	}
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The retried request must replay the body.
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("attempt %d: failed to decode request: %v", calls.Load()+1, err)
		}

		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.5}, "index": 0},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	vec, err := embedder.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Embed() failed: %v", err)
	}
	if len(vec) != 1 || vec[0] != 0.5 {
		t.Errorf("unexpected embedding %v", vec)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestEmbedAPIError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key", "type": "auth_error"}}`)
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := embedder.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for 401 response")
	}
	if calls.Load() != 1 {
		t.Errorf("auth failures must not be retried, got %d attempts", calls.Load())
	}
}

func TestEmbedEmptyData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": []}`)
	}))
	defer server.Close()

	embedder, err := NewOpenAIEmbedder(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := embedder.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for empty embedding data")
	}
}

func TestNewOpenAIEmbedderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder(config.EmbedderConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
