// Package worker turns one task description into one LLM invocation:
// it assembles the prompt from task context, dependency outputs, memory
// recalls, and guardrail feedback, calls the model, and coerces the
// output into the declared shape.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codecrew/internal/guardrails"
	"codecrew/internal/logging"
	"codecrew/internal/state"
	"codecrew/internal/types"
)

// recallK is how many memory hits feed one prompt.
const recallK = 5

// maxToolRounds caps tool round-trips within one invocation. A model
// stuck re-reading the same files must not burn the whole task timeout.
const maxToolRounds = 8

// MetricsRecorder receives per-invocation accounting. The relational
// store satisfies this; tests pass nil.
type MetricsRecorder interface {
	RecordInvocation(role, modelID string, tokensIn, tokensOut int, failed bool) error
}

// Invocation is one unit of work handed to a worker.
type Invocation struct {
	TaskID         string
	Description    string
	ExpectedOutput string
	// Context carries upstream task outputs, in dependency order.
	Context []string
	// Feedback carries guardrail diagnostics from a failed prior
	// attempt of the same task.
	Feedback []string
	// Scope is the memory partition for recalls and remembers.
	Scope          string
	Snapshot       *state.Snapshot
	ResponseSchema string
	MaxTokens      int
}

// Result is the outcome of one invocation.
type Result struct {
	TaskID  string
	Role    types.Role
	ModelID string
	Output  string
	Tokens  types.TokenCounts
}

// Worker binds a role template to a model, a tool set, and memory.
type Worker struct {
	tmpl    Template
	client  types.LLMClient
	modelID string
	tools   types.ToolSet
	memory  types.Memory
	metrics MetricsRecorder
}

// New creates a worker for a role. A nil memory disables recall and a
// nil metrics recorder disables accounting.
func New(role types.Role, client types.LLMClient, modelID string, tools types.ToolSet, memory types.Memory, metrics MetricsRecorder) (*Worker, error) {
	tmpl, err := TemplateFor(role)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, types.NewError(types.KindConfiguration, "worker.New", "llm client required")
	}
	if memory == nil {
		memory = disabledMemory{}
	}
	return &Worker{tmpl: tmpl, client: client, modelID: modelID, tools: tools, memory: memory, metrics: metrics}, nil
}

// Role returns the worker's role.
func (w *Worker) Role() types.Role { return w.tmpl.Role }

// Tools returns the worker's capability set.
func (w *Worker) Tools() types.ToolSet { return w.tools }

// Invoke runs one task. Transport retries live in the client; Invoke
// loops only to serve tool calls, appending each result as a tool turn
// until the model finishes with text.
func (w *Worker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	logging.Worker("Invoking %s for task %s", w.tmpl.Role, inv.TaskID)

	messages := []types.Message{
		{Role: types.MessageSystem, Content: w.tmpl.systemPrompt()},
		{Role: types.MessageUser, Content: w.assembleUserPrompt(ctx, inv)},
	}
	roundBudget := guardrails.IterationLimit()

	var comp *types.Completion
	var tokens types.TokenCounts
	for round := 1; ; round++ {
		var err error
		comp, err = w.client.Complete(ctx, types.CompletionRequest{
			Role:            w.tmpl.Role,
			Messages:        messages,
			ModelID:         w.modelID,
			Temperature:     w.tmpl.Temperature,
			MaxOutputTokens: inv.MaxTokens,
			ResponseSchema:  inv.ResponseSchema,
		})
		if err != nil {
			w.record(tokens.In, tokens.Out, true)
			logging.Get(logging.CategoryWorker).Error("Task %s: %s failed: %v", inv.TaskID, w.tmpl.Role, err)
			return nil, err
		}
		tokens.In += comp.Tokens.In
		tokens.Out += comp.Tokens.Out

		if comp.FinishReason == types.FinishLength {
			w.record(tokens.In, tokens.Out, true)
			return nil, types.NewError(types.KindShape, "worker.Invoke",
				fmt.Sprintf("task %s: output truncated at token limit", inv.TaskID))
		}
		if comp.FinishReason != types.FinishTool {
			break
		}
		if len(comp.ToolCalls) == 0 {
			w.record(tokens.In, tokens.Out, true)
			return nil, types.NewError(types.KindShape, "worker.Invoke",
				fmt.Sprintf("task %s: tool finish without tool calls", inv.TaskID))
		}
		if v := roundBudget.Check(guardrails.Input{
			TaskID: inv.TaskID, Role: string(w.tmpl.Role),
			Iteration: round, MaxIterations: maxToolRounds,
		}); !v.OK() {
			w.record(tokens.In, tokens.Out, true)
			return nil, types.NewError(types.KindBudgetExhausted, "worker.Invoke",
				fmt.Sprintf("task %s: %s", inv.TaskID, v.Message))
		}
		messages = append(messages, types.Message{Role: types.MessageAssistant, Content: comp.Text})
		for _, call := range comp.ToolCalls {
			logging.WorkerDebug("Task %s: round %d tool %s", inv.TaskID, round, call.Name)
			messages = append(messages, types.Message{
				Role:    types.MessageTool,
				Content: fmt.Sprintf("[%s] %s", call.Name, w.dispatchTool(ctx, call)),
			})
		}
	}
	w.record(tokens.In, tokens.Out, false)

	output := comp.Text
	if inv.Scope != "" {
		if err := w.memory.Remember(ctx, inv.Scope,
			fmt.Sprintf("[%s] %s", w.tmpl.Role, summarize(output)), map[string]any{
				"task_id": inv.TaskID, "role": string(w.tmpl.Role),
			}); err != nil {
			logging.Get(logging.CategoryWorker).Warn("Task %s: remember failed: %v", inv.TaskID, err)
		}
	}

	logging.WorkerDebug("Task %s: %s completed in %v (out=%d tokens)",
		inv.TaskID, w.tmpl.Role, time.Since(start), tokens.Out)
	return &Result{
		TaskID:  inv.TaskID,
		Role:    w.tmpl.Role,
		ModelID: w.modelID,
		Output:  output,
		Tokens:  tokens,
	}, nil
}

// dispatchTool serves one requested tool call from the worker's
// capability set. Failures go back to the model as text, never as
// invocation errors: the model gets a chance to correct course.
func (w *Worker) dispatchTool(ctx context.Context, call types.ToolCall) string {
	switch call.Name {
	case "read_file":
		if w.tools.Files == nil {
			return "error: file access not granted"
		}
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: bad arguments: " + err.Error()
		}
		data, err := w.tools.Files.Read(ctx, args.Path)
		if err != nil {
			return "error: " + err.Error()
		}
		return string(data)
	case "write_file":
		if w.tools.Files == nil {
			return "error: file access not granted"
		}
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: bad arguments: " + err.Error()
		}
		if err := w.tools.Files.Write(ctx, args.Path, []byte(args.Content)); err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)
	case "list_files":
		if w.tools.Files == nil {
			return "error: file access not granted"
		}
		var args struct {
			Dir string `json:"dir"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: bad arguments: " + err.Error()
		}
		entries, err := w.tools.Files.List(ctx, args.Dir)
		if err != nil {
			return "error: " + err.Error()
		}
		return strings.Join(entries, "\n")
	case "run_code":
		if w.tools.Sandbox == nil {
			return "error: sandbox not granted"
		}
		var args struct {
			Language string `json:"language"`
			Source   string `json:"source"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error: bad arguments: " + err.Error()
		}
		res, err := w.tools.Sandbox.Execute(ctx, types.ExecRequest{
			Language: args.Language,
			Source:   args.Source,
		})
		if err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("exit=%d\nstdout:\n%s\nstderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)
	default:
		return "error: unknown tool " + call.Name
	}
}

func (w *Worker) record(in, out int, failed bool) {
	if w.metrics == nil {
		return
	}
	if err := w.metrics.RecordInvocation(string(w.tmpl.Role), w.modelID, in, out, failed); err != nil {
		logging.Get(logging.CategoryWorker).Warn("Metrics record failed: %v", err)
	}
}

// assembleUserPrompt builds the user message: task, expected output,
// project context, dependency outputs, memory recalls, and prior-attempt
// feedback, in that order.
func (w *Worker) assembleUserPrompt(ctx context.Context, inv Invocation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n%s\n", inv.Description)
	if inv.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\n## Expected output\n%s\n", inv.ExpectedOutput)
	}
	if inv.Snapshot != nil {
		fmt.Fprintf(&b, "\n## Project\n%s\n", inv.Snapshot.Description)
		if inv.Snapshot.Requirements != nil {
			if data, err := json.Marshal(inv.Snapshot.Requirements); err == nil {
				fmt.Fprintf(&b, "\n## Requirements\n%s\n", data)
			}
		}
		if inv.Snapshot.Architecture != nil {
			if data, err := json.Marshal(inv.Snapshot.Architecture); err == nil {
				fmt.Fprintf(&b, "\n## Architecture\n%s\n", data)
			}
		}
	}
	for i, c := range inv.Context {
		fmt.Fprintf(&b, "\n## Upstream output %d\n%s\n", i+1, c)
	}
	if inv.Scope != "" {
		hits, err := w.memory.Recall(ctx, inv.Scope, inv.Description, recallK)
		if err != nil {
			logging.Get(logging.CategoryWorker).Warn("Recall failed, continuing without memory: %v", err)
		}
		if len(hits) > 0 {
			b.WriteString("\n## Relevant notes\n")
			for _, h := range hits {
				fmt.Fprintf(&b, "- %s\n", h.Content)
			}
		}
	}
	if len(inv.Feedback) > 0 {
		b.WriteString("\n## Problems with your previous attempt\nFix every item below and produce the full corrected artifact.\n")
		for _, f := range inv.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// summarize truncates output for a memory note.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 400 {
		return s
	}
	return s[:400] + "..."
}

// DecodeOutput coerces raw model output into v, unwrapping code fences
// first. Failures are shape errors carrying the parse diagnostic so the
// retry prompt can include it.
func DecodeOutput(raw string, v any) error {
	cleaned := guardrails.ExtractJSON(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return types.WrapError(types.KindShape, "worker.DecodeOutput",
			fmt.Sprintf("output does not parse as %T", v), err)
	}
	return nil
}

// disabledMemory mirrors memory.Disabled without importing it, keeping
// this package free of the sqlite dependency.
type disabledMemory struct{}

func (disabledMemory) Remember(context.Context, string, string, map[string]any) error { return nil }
func (disabledMemory) Recall(context.Context, string, string, int) ([]types.MemoryHit, error) {
	return nil, nil
}
