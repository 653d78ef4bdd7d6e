package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"codecrew/internal/types"
)

func testConfig(url string) Config {
	return Config{
		Provider:         ProviderOpenRouter,
		APIKey:           "test-key",
		BaseURL:          url,
		Model:            "test/model",
		Timeout:          5 * time.Second,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		RateLimitDelay:   0,
	}
}

func chatOK(text string, in, out int) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": text}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": in, "completion_tokens": out},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestOpenRouterComplete(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(chatOK("hello from model", 120, 40)))
	}))
	defer srv.Close()

	c := NewOpenRouterClient(testConfig(srv.URL))
	comp, err := c.Complete(context.Background(), types.CompletionRequest{
		Role:        types.RoleBackendDev,
		ModelID:     "override/model",
		Messages:    []types.Message{{Role: types.MessageSystem, Content: "sys"}, {Role: types.MessageUser, Content: "do it"}},
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Text != "hello from model" {
		t.Errorf("text = %q", comp.Text)
	}
	if comp.Tokens.In != 120 || comp.Tokens.Out != 40 {
		t.Errorf("tokens = %+v", comp.Tokens)
	}
	if comp.FinishReason != types.FinishStop {
		t.Errorf("finish = %s", comp.FinishReason)
	}
	if gotReq.Model != "override/model" {
		t.Errorf("model = %q, want request override", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestOpenRouterRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatOK("ok after backoff", 10, 5)))
	}))
	defer srv.Close()

	c := NewOpenRouterClient(testConfig(srv.URL))
	comp, err := c.Complete(context.Background(), types.CompletionRequest{
		Messages: []types.Message{{Role: types.MessageUser, Content: "x"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Text != "ok after backoff" {
		t.Errorf("text = %q", comp.Text)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestOpenRouterExhaustsRetriesAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenRouterClient(testConfig(srv.URL))
	_, err := c.Complete(context.Background(), types.CompletionRequest{
		Messages: []types.Message{{Role: types.MessageUser, Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if types.KindOf(err) != types.KindTransient {
		t.Errorf("kind = %s, want transient", types.KindOf(err))
	}
	if !types.Retryable(err) {
		t.Error("exhausted 5xx should still classify retryable")
	}
}

func TestOpenRouterAuthFailureIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenRouterClient(testConfig(srv.URL))
	_, err := c.Complete(context.Background(), types.CompletionRequest{
		Messages: []types.Message{{Role: types.MessageUser, Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if types.KindOf(err) != types.KindConfiguration {
		t.Errorf("kind = %s, want configuration", types.KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("401 retried %d times, want no retries", calls.Load())
	}
}

func TestOpenRouterMissingKey(t *testing.T) {
	c := NewOpenRouterClient(Config{})
	_, err := c.Complete(context.Background(), types.CompletionRequest{})
	if types.KindOf(err) != types.KindConfiguration {
		t.Errorf("kind = %s, want configuration", types.KindOf(err))
	}
}

func TestOpenRouterResponseSchemaForwarded(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(chatOK(`{"ok":true}`, 1, 1)))
	}))
	defer srv.Close()

	c := NewOpenRouterClient(testConfig(srv.URL))
	_, err := c.Complete(context.Background(), types.CompletionRequest{
		Messages:       []types.Message{{Role: types.MessageUser, Content: "x"}},
		ResponseSchema: `{"name":"reply","schema":{"type":"object"}}`,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_schema" {
		t.Errorf("response_format = %+v", gotReq.ResponseFormat)
	}
}

func TestOpenRouterCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(chatOK("late", 1, 1)))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c := NewOpenRouterClient(testConfig(srv.URL))
	_, err := c.Complete(ctx, types.CompletionRequest{
		Messages: []types.Message{{Role: types.MessageUser, Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if k := types.KindOf(err); k != types.KindTransient && k != types.KindCancelled {
		t.Errorf("kind = %s", k)
	}
}

func TestScriptedClient(t *testing.T) {
	c := (&ScriptedClient{}).Queue("first").QueueError(errors.New("boom")).Queue("second")
	ctx := context.Background()

	comp, err := c.Complete(ctx, types.CompletionRequest{Role: types.RoleQAEngineer})
	if err != nil || comp.Text != "first" {
		t.Fatalf("first call: %v %+v", err, comp)
	}
	if _, err := c.Complete(ctx, types.CompletionRequest{}); err == nil {
		t.Fatal("second call should fail")
	}
	comp, err = c.Complete(ctx, types.CompletionRequest{})
	if err != nil || comp.Text != "second" {
		t.Fatalf("third call: %v %+v", err, comp)
	}
	if _, err := c.Complete(ctx, types.CompletionRequest{}); err == nil {
		t.Fatal("exhausted client should fail")
	}
	if c.CallCount() != 4 {
		t.Errorf("calls = %d", c.CallCount())
	}
	if c.Calls()[0].Role != types.RoleQAEngineer {
		t.Errorf("recorded role = %s", c.Calls()[0].Role)
	}
}

func TestNewClientFactory(t *testing.T) {
	if _, err := NewClient(Config{Provider: ProviderOpenRouter}); err == nil {
		t.Error("openrouter without key should error")
	}
	if _, err := NewClient(Config{Provider: "nope"}); err == nil {
		t.Error("unknown provider should error")
	}
	c, err := NewClient(Config{Provider: ProviderScripted})
	if err != nil {
		t.Fatalf("scripted: %v", err)
	}
	if _, ok := c.(*ScriptedClient); !ok {
		t.Errorf("factory returned %T", c)
	}
}
