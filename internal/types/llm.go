package types

import (
	"context"
	"encoding/json"
)

// LLM contract types. The concrete client lives in internal/llm; workers
// and crews depend only on this interface.

// MessageRole is the speaker of a chat message.
type MessageRole string

const (
	MessageSystem    MessageRole = "system"
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageTool      MessageRole = "tool"
)

// Message is one chat turn.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// FinishReason is why the model stopped emitting.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishTool   FinishReason = "tool"
	FinishError  FinishReason = "error"
)

// TokenCounts is the usage reported for one completion.
type TokenCounts struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// CompletionRequest is one chat/completion call.
type CompletionRequest struct {
	Role            Role      `json:"role"`
	Messages        []Message `json:"messages"`
	ModelID         string    `json:"model_id"`
	Temperature     float64   `json:"temperature"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	ResponseSchema  string    `json:"response_schema,omitempty"` // JSON schema hint
	Stop            []string  `json:"stop,omitempty"`
}

// ToolCall is one tool invocation requested by the model. Args is the
// raw JSON argument object; the worker decodes it per tool.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Completion is the model's answer. ToolCalls is populated when
// FinishReason is FinishTool.
type Completion struct {
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
	Tokens       TokenCounts  `json:"tokens"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
}

// LLMClient is the chat/completion capability. Errors carry the taxonomy
// of this package so callers can distinguish transient from permanent
// failures.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}
