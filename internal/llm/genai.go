package llm

import (
	"context"
	"strings"
	"time"

	"google.golang.org/genai"

	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// GenAIClient implements types.LLMClient against Gemini via the genai
// SDK. Used when a run pins role models to Gemini directly instead of
// routing through OpenRouter.
type GenAIClient struct {
	client *genai.Client
	cfg    Config
}

// NewGenAIClient creates a Gemini-backed client.
func NewGenAIClient(cfg Config) (*GenAIClient, error) {
	const op = "llm.genai"
	if cfg.APIKey == "" {
		return nil, types.NewError(types.KindConfiguration, op, "API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, types.WrapError(types.KindConfiguration, op, "failed to create genai client", err)
	}
	return &GenAIClient{client: client, cfg: cfg}, nil
}

// Complete sends one generation request. SDK transport errors retry
// with the same backoff schedule as the HTTP client.
func (c *GenAIClient) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	const op = "llm.genai"
	model := req.ModelID
	if model == "" {
		model = c.cfg.Model
	}

	system, user := renderMessages(req.Messages)
	temp := float32(req.Temperature)
	genCfg := &genai.GenerateContentConfig{
		Temperature:   &temp,
		StopSequences: req.Stop,
	}
	if req.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.ResponseSchema != "" {
		genCfg.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	start := time.Now()
	logging.LLMDebug("[GenAI] Complete: model=%s role=%s", model, req.Role)

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, backoff(c.cfg.RetryBackoffBase, i)); err != nil {
				return nil, types.WrapError(types.KindCancelled, op, "cancelled during backoff", err)
			}
		}
		result, err := c.client.Models.GenerateContent(ctx, model, contents, genCfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.WrapError(types.KindOf(ctx.Err()), op, "request aborted", ctx.Err())
			}
			lastErr = types.WrapError(types.KindTransient, op, "generate failed", err)
			logging.LLMDebug("[GenAI] attempt %d/%d failed: %v", i+1, c.cfg.MaxRetries+1, err)
			continue
		}

		text := strings.TrimSpace(result.Text())
		comp := &types.Completion{Text: text, FinishReason: types.FinishStop}
		if len(result.Candidates) > 0 {
			switch result.Candidates[0].FinishReason {
			case genai.FinishReasonMaxTokens:
				comp.FinishReason = types.FinishLength
			case genai.FinishReasonStop, genai.FinishReasonUnspecified:
				comp.FinishReason = types.FinishStop
			default:
				comp.FinishReason = types.FinishError
			}
		}
		if result.UsageMetadata != nil {
			comp.Tokens = types.TokenCounts{
				In:  int(result.UsageMetadata.PromptTokenCount),
				Out: int(result.UsageMetadata.CandidatesTokenCount),
			}
		}
		logging.LLM("[GenAI] Complete: model=%s in=%d out=%d elapsed=%v",
			model, comp.Tokens.In, comp.Tokens.Out, time.Since(start))
		logging.AuditWithRole("", string(req.Role)).LLMCall(model, time.Since(start), comp.Tokens.In, comp.Tokens.Out, nil)
		return comp, nil
	}

	logging.AuditWithRole("", string(req.Role)).LLMCall(model, time.Since(start), 0, 0, lastErr)
	return nil, types.WrapError(types.KindTransient, op, "max retries exceeded", lastErr)
}

// Close satisfies the client lifecycle. The genai SDK manages its own
// HTTP transport and exposes nothing to release.
func (c *GenAIClient) Close() error { return nil }
