package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/cascade-engine/internal/domain"
)

func TestHTTPRuntime_RunTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/turn" {
			t.Errorf("path = %q, want /v1/turn", r.URL.Path)
		}
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Session != "cascade-L1" {
			t.Errorf("session = %q, want cascade-L1", req.Session)
		}
		if req.Input != "new delta" {
			t.Errorf("input = %q, want %q", req.Input, "new delta")
		}
		if req.MaxToolIterations != 3 {
			t.Errorf("max_tool_iterations = %d, want 3", req.MaxToolIterations)
		}
		json.NewEncoder(w).Encode(turnResponse{Output: "observed the delta", Tokens: 42})
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(srv.URL, 3, nil)
	got, err := rt.RunTurn(context.Background(), "cascade-L1", "new delta")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got.Output != "observed the delta" {
		t.Errorf("Output = %q", got.Output)
	}
	if got.Tokens != 42 {
		t.Errorf("Tokens = %d, want 42", got.Tokens)
	}
}

func TestHTTPRuntime_RunTurn_EstimatesMissingTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(turnResponse{Output: "12345678"})
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(srv.URL, 3, nil)
	got, err := rt.RunTurn(context.Background(), "s", "x")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got.Tokens != 2 {
		t.Errorf("Tokens = %d, want 2 (8 chars / 4)", got.Tokens)
	}
}

func TestHTTPRuntime_RunTurn_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(srv.URL, 3, nil)
	_, err := rt.RunTurn(context.Background(), "s", "x")
	if err == nil {
		t.Fatal("RunTurn succeeded against a 503, want error")
	}
	var se *domain.StackError
	if !errors.As(err, &se) || se.Code != domain.ErrAgentUnavailable.Code {
		t.Errorf("error = %v, want code %d", err, domain.ErrAgentUnavailable.Code)
	}
}

func TestHTTPRuntime_RunTurn_Unreachable(t *testing.T) {
	rt := NewHTTPRuntime("http://127.0.0.1:1", 3, nil)
	if _, err := rt.RunTurn(context.Background(), "s", "x"); err == nil {
		t.Fatal("RunTurn succeeded against a closed port, want error")
	}
}

func TestHTTPRuntime_Reseed(t *testing.T) {
	var got reseedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/reseed" {
			t.Errorf("path = %q, want /v1/reseed", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(srv.URL, 3, nil)
	if err := rt.Reseed(context.Background(), "cascade-L0", "ego summary"); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	if got.Session != "cascade-L0" || got.Seed != "ego summary" {
		t.Errorf("reseed request = %+v", got)
	}
}

func TestCompletionClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "claude-sonnet-4-5" {
			t.Errorf("model = %q", req.Model)
		}
		if req.MaxTokens != 4000 {
			t.Errorf("max_tokens = %d, want 4000", req.MaxTokens)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"a distilled summary"}]}`))
	}))
	defer srv.Close()

	c := NewCompletionClient(srv.URL, "test-key", nil)
	got, err := c.Complete(context.Background(), CompletionRequest{
		Model:     "claude-sonnet-4-5",
		Prompt:    "describe the layer below",
		MaxTokens: 4000,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "a distilled summary" {
		t.Errorf("Complete = %q", got)
	}
}

func TestCompletionClient_JoinsTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"part one"},{"type":"tool_use"},{"type":"text","text":"part two"}]}`))
	}))
	defer srv.Close()

	c := NewCompletionClient(srv.URL, "k", nil)
	got, err := c.Complete(context.Background(), CompletionRequest{Model: "m", Prompt: "p", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "part one\npart two" {
		t.Errorf("Complete = %q", got)
	}
}

func TestCompletionClient_EmptyResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	c := NewCompletionClient(srv.URL, "k", nil)
	_, err := c.Complete(context.Background(), CompletionRequest{Model: "m", Prompt: "p", MaxTokens: 100})
	var se *domain.StackError
	if !errors.As(err, &se) || se.Code != domain.ErrDistillFailed.Code {
		t.Errorf("error = %v, want code %d", err, domain.ErrDistillFailed.Code)
	}
}

func TestCompletionClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCompletionClient(srv.URL, "k", nil)
	_, err := c.Complete(context.Background(), CompletionRequest{Model: "m", Prompt: "p", MaxTokens: 100})
	var se *domain.StackError
	if !errors.As(err, &se) || se.Code != domain.ErrDistillFailed.Code {
		t.Errorf("error = %v, want code %d", err, domain.ErrDistillFailed.Code)
	}
}
