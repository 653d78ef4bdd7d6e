package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// OpenRouterClient implements types.LLMClient against the OpenRouter
// chat completions API. One API surfaces every model tier the role
// tables name.
type OpenRouterClient struct {
	cfg        Config
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenRouterClient creates a client; zero config fields fall back to
// DefaultConfig values.
func NewOpenRouterClient(cfg Config) *OpenRouterClient {
	def := DefaultConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = def.RetryBackoffBase
	}
	if cfg.SiteName == "" {
		cfg.SiteName = def.SiteName
	}
	return &OpenRouterClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete sends one chat completion request. 429 and 5xx responses
// retry with exponential backoff; 4xx responses fail permanently.
func (c *OpenRouterClient) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	const op = "llm.openrouter"
	if c.cfg.APIKey == "" {
		return nil, types.NewError(types.KindConfiguration, op, "API key not configured")
	}
	// Auto-apply timeout if context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	model := req.ModelID
	if model == "" {
		model = c.cfg.Model
	}
	body := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == types.MessageTool {
			role = string(types.MessageUser)
		}
		body.Messages = append(body.Messages, chatMessage{Role: role, Content: m.Content})
	}
	if req.ResponseSchema != "" {
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: json.RawMessage(req.ResponseSchema),
		}
	}

	// Rate limiting between calls.
	if c.cfg.RateLimitDelay > 0 {
		c.mu.Lock()
		elapsed := time.Since(c.lastRequest)
		if elapsed < c.cfg.RateLimitDelay {
			time.Sleep(c.cfg.RateLimitDelay - elapsed)
		}
		c.lastRequest = time.Now()
		c.mu.Unlock()
	}

	start := time.Now()
	logging.LLMDebug("[OpenRouter] Complete: model=%s role=%s messages=%d", model, req.Role, len(req.Messages))

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, backoff(c.cfg.RetryBackoffBase, i)); err != nil {
				return nil, types.WrapError(types.KindCancelled, op, "cancelled during backoff", err)
			}
		}

		comp, retryable, err := c.doRequest(ctx, model, body)
		if err == nil {
			logging.LLM("[OpenRouter] Complete: model=%s in=%d out=%d elapsed=%v",
				model, comp.Tokens.In, comp.Tokens.Out, time.Since(start))
			logging.AuditWithRole("", string(req.Role)).LLMCall(model, time.Since(start), comp.Tokens.In, comp.Tokens.Out, nil)
			return comp, nil
		}
		lastErr = err
		if !retryable {
			logging.Get(logging.CategoryLLM).Error("[OpenRouter] Complete failed permanently: %v", err)
			logging.AuditWithRole("", string(req.Role)).LLMCall(model, time.Since(start), 0, 0, err)
			return nil, err
		}
		logging.LLMDebug("[OpenRouter] attempt %d/%d failed: %v", i+1, c.cfg.MaxRetries+1, err)
	}

	logging.Get(logging.CategoryLLM).Error("[OpenRouter] max retries exceeded after %v: %v", time.Since(start), lastErr)
	logging.AuditWithRole("", string(req.Role)).LLMCall(model, time.Since(start), 0, 0, lastErr)
	return nil, types.WrapError(types.KindTransient, op, "max retries exceeded", lastErr)
}

// doRequest performs one HTTP attempt. The bool reports whether the
// failure is worth retrying.
func (c *OpenRouterClient) doRequest(ctx context.Context, model string, body chatRequest) (*types.Completion, bool, error) {
	const op = "llm.openrouter"
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, false, types.WrapError(types.KindInvariant, op, "failed to marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, false, types.WrapError(types.KindConfiguration, op, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	httpReq.Header.Set("X-Title", c.cfg.SiteName)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, types.WrapError(types.KindOf(ctx.Err()), op, "request aborted", ctx.Err())
		}
		return nil, true, types.WrapError(types.KindTransient, op, "request failed", err)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	resp.Body.Close()
	if err != nil {
		return nil, true, types.WrapError(types.KindTransient, op, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, types.NewError(types.KindTransient, op, "rate limit exceeded (429)")
	case resp.StatusCode >= 500:
		return nil, true, types.NewError(types.KindTransient, op,
			fmt.Sprintf("server error %d: %s", resp.StatusCode, truncate(string(respBody), 300)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, types.NewError(types.KindConfiguration, op,
			fmt.Sprintf("auth rejected (%d): %s", resp.StatusCode, truncate(string(respBody), 300)))
	case resp.StatusCode != http.StatusOK:
		return nil, false, types.NewError(types.KindInvariant, op,
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), 300)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, true, types.WrapError(types.KindTransient, op, "failed to parse response", err)
	}
	if parsed.Error != nil {
		return nil, false, types.NewError(types.KindInvariant, op, "API error: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, true, types.NewError(types.KindTransient, op, "no completion returned")
	}

	choice := parsed.Choices[0]
	comp := &types.Completion{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: mapFinishReason(choice.FinishReason),
		Tokens: types.TokenCounts{
			In:  parsed.Usage.PromptTokens,
			Out: parsed.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, types.ToolCall{
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return comp, false, nil
}

func mapFinishReason(s string) types.FinishReason {
	switch s {
	case "stop", "end_turn", "":
		return types.FinishStop
	case "length", "max_tokens":
		return types.FinishLength
	case "tool_calls", "tool_use":
		return types.FinishTool
	default:
		return types.FinishError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
