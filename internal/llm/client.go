// Package llm holds the concrete chat clients behind types.LLMClient.
// OpenRouter is the default transport; the genai client talks to Gemini
// directly. Both classify failures so the flow can route retries.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"codecrew/internal/types"
)

// Provider selects the backing API.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderGenAI      Provider = "genai"
	ProviderScripted   Provider = "scripted"
)

// Config holds client construction settings.
type Config struct {
	Provider Provider      `json:"provider" yaml:"provider"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	BaseURL  string        `json:"base_url" yaml:"base_url"`
	Model    string        `json:"model" yaml:"model"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`

	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoffBase time.Duration `json:"retry_backoff_base" yaml:"retry_backoff_base"`
	RateLimitDelay   time.Duration `json:"rate_limit_delay" yaml:"rate_limit_delay"`

	SiteURL  string `json:"site_url" yaml:"site_url"`
	SiteName string `json:"site_name" yaml:"site_name"`
}

// DefaultConfig returns OpenRouter defaults. Large-context models need
// the extended timeout.
func DefaultConfig(apiKey string) Config {
	return Config{
		Provider:         ProviderOpenRouter,
		APIKey:           apiKey,
		BaseURL:          "https://openrouter.ai/api/v1",
		Model:            "anthropic/claude-3.5-sonnet",
		Timeout:          10 * time.Minute,
		MaxRetries:       3,
		RetryBackoffBase: time.Second,
		RateLimitDelay:   100 * time.Millisecond,
		SiteName:         "codecrew",
	}
}

// NewClient builds a client for the configured provider.
func NewClient(cfg Config) (types.LLMClient, error) {
	switch cfg.Provider {
	case ProviderOpenRouter, "":
		if cfg.APIKey == "" {
			return nil, types.NewError(types.KindConfiguration, "llm.NewClient", "openrouter api key not configured")
		}
		return NewOpenRouterClient(cfg), nil
	case ProviderGenAI:
		if cfg.APIKey == "" {
			return nil, types.NewError(types.KindConfiguration, "llm.NewClient", "genai api key not configured")
		}
		return NewGenAIClient(cfg)
	case ProviderScripted:
		return &ScriptedClient{}, nil
	default:
		return nil, types.NewError(types.KindConfiguration, "llm.NewClient",
			fmt.Sprintf("unknown llm provider: %s", cfg.Provider))
	}
}

// backoff returns the sleep before retry attempt i (1-based).
func backoff(base time.Duration, i int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	return base * time.Duration(1<<uint(i-1))
}

// sleepCtx sleeps unless the context is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ScriptedClient returns canned completions in order. Tests script a
// crew run by queueing one reply per expected call; an optional Handler
// overrides the queue entirely.
type ScriptedClient struct {
	mu      sync.Mutex
	queue   []*types.Completion
	errs    []error
	calls   []types.CompletionRequest
	Handler func(req types.CompletionRequest) (*types.Completion, error)
}

// Queue appends a canned text completion.
func (c *ScriptedClient) Queue(text string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, &types.Completion{
		Text:         text,
		FinishReason: types.FinishStop,
		Tokens:       types.TokenCounts{In: len(text) / 4, Out: len(text) / 4},
	})
	c.errs = append(c.errs, nil)
	return c
}

// QueueError appends a canned failure.
func (c *ScriptedClient) QueueError(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, nil)
	c.errs = append(c.errs, err)
	return c
}

// Complete pops the next scripted reply.
func (c *ScriptedClient) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindCancelled, "llm.scripted", "context done", err)
	}
	c.mu.Lock()
	c.calls = append(c.calls, req)
	if h := c.Handler; h != nil {
		c.mu.Unlock()
		return h(req)
	}
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, types.NewError(types.KindInvariant, "llm.scripted", "scripted client exhausted")
	}
	comp, err := c.queue[0], c.errs[0]
	c.queue, c.errs = c.queue[1:], c.errs[1:]
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// Calls returns every request seen so far.
func (c *ScriptedClient) Calls() []types.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.CompletionRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of requests seen so far.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// renderMessages flattens chat turns to a (system, user) pair for
// providers without native multi-turn support.
func renderMessages(msgs []types.Message) (system, user string) {
	var sys, usr []string
	for _, m := range msgs {
		switch m.Role {
		case types.MessageSystem:
			sys = append(sys, m.Content)
		default:
			usr = append(usr, m.Content)
		}
	}
	return strings.Join(sys, "\n\n"), strings.Join(usr, "\n\n")
}
