package assist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDisabled(t *testing.T) {
	c := New(Config{})
	if _, err := c.Complete(context.Background(), "q", "text"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("  what is next? ", "Roadmap\nShip v2", 0)
	if !strings.Contains(p, "Roadmap\nShip v2") || !strings.HasSuffix(p, "Question: what is next?") {
		t.Errorf("prompt = %q", p)
	}

	if p := BuildPrompt("q", "", 0); !strings.Contains(p, "(empty board)") {
		t.Errorf("empty board prompt = %q", p)
	}

	p = BuildPrompt("q", "ééééé", 2)
	if !strings.Contains(p, "éé\n[truncated]") || strings.Contains(p, "ééé") {
		t.Errorf("truncated prompt = %q", p)
	}
}

func TestChatClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "no key", http.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Model != "m1" {
			http.Error(w, "bad request shape", http.StatusBadRequest)
			return
		}
		if !strings.Contains(req.Messages[1].Content, "Ship v2") {
			http.Error(w, "board text missing", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": " Ship v2. "}}},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Model: "m1", APIKey: "sk-test"})
	got, err := c.Complete(context.Background(), "what ships?", "Ship v2")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Ship v2." {
		t.Errorf("answer = %q", got)
	}

	bad := New(Config{Endpoint: srv.URL, Model: "m1"})
	if _, err := bad.Complete(context.Background(), "q", "x"); err == nil {
		t.Error("expected error without api key")
	}
}
