package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pavelanni/bloomgen/internal/model"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:    srv.URL + "/v1",
		APIKey:     "test",
		Model:      "test-model",
		EmbedModel: "test-embed",
	})
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func TestComplete(t *testing.T) {
	var gotModel string
	var gotMessages int
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model    string           `json:"model"`
			Messages []map[string]any `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		gotMessages = len(req.Messages)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"question":"Define a heap."}`))
	})

	got, err := c.Complete(context.Background(), "write a question", time.Second)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"question":"Define a heap."}` {
		t.Errorf("Complete() = %q", got)
	}
	if gotModel != "test-model" {
		t.Errorf("model = %q, want test-model", gotModel)
	}
	if gotMessages != 2 {
		t.Errorf("messages = %d, want 2 (system + user)", gotMessages)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "x", "choices": []any{}})
	})

	_, err := c.Complete(context.Background(), "p", time.Second)
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if model.IsKind(err, model.KindGenerationTimeout) {
		t.Error("empty choices should not be a timeout")
	}
}

func TestCompleteTimeout(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := c.Complete(context.Background(), "p", 50*time.Millisecond)
	if !model.IsKind(err, model.KindGenerationTimeout) {
		t.Fatalf("Complete() error = %v, want generation_timeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout should wrap context.DeadlineExceeded, got %v", err)
	}
}

func TestCompleteRateLimitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{}`))
	}))
	t.Cleanup(srv.Close)
	c := New(Options{
		BaseURL:           srv.URL + "/v1",
		APIKey:            "test",
		Model:             "test-model",
		RequestsPerSecond: 0.1,
		Burst:             1,
	})

	if _, err := c.Complete(context.Background(), "p", time.Second); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	start := time.Now()
	_, err := c.Complete(context.Background(), "p", time.Second)
	if !model.IsKind(err, model.KindGenerationTimeout) {
		t.Fatalf("expected generation_timeout, got %v (kind %q)", err, model.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("limiter should fail fast, took %s", elapsed)
	}
}

func TestEmbed(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		// Out-of-order indices must be placed by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test-embed",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			},
		})
	})

	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("Embed() = %v", vecs)
	}
	if c.ModelName() != "test-embed" {
		t.Errorf("ModelName() = %q", c.ModelName())
	}
}

func TestPing(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestEmbedModelDefaultsToChatModel(t *testing.T) {
	c := New(Options{Model: "llama3.2"})
	if c.ModelName() != "llama3.2" {
		t.Errorf("ModelName() = %q, want llama3.2", c.ModelName())
	}
	if c.ChatModel() != "llama3.2" {
		t.Errorf("ChatModel() = %q, want llama3.2", c.ChatModel())
	}
}
