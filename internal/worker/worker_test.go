package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"codecrew/internal/llm"
	"codecrew/internal/state"
	"codecrew/internal/types"
)

type recordedMetrics struct {
	invocations int
	failures    int
}

func (m *recordedMetrics) RecordInvocation(role, modelID string, in, out int, failed bool) error {
	m.invocations++
	if failed {
		m.failures++
	}
	return nil
}

func TestTemplateForKnownRoles(t *testing.T) {
	for _, role := range []types.Role{
		types.RoleRequirementsAnalyst, types.RoleArchitect, types.RoleBackendDev,
		types.RoleFrontendDev, types.RoleDevopsEngineer, types.RoleQAEngineer,
		types.RoleCodeReviewer, types.RoleCoordinator,
	} {
		tmpl, err := TemplateFor(role)
		if err != nil {
			t.Errorf("TemplateFor(%s): %v", role, err)
			continue
		}
		if tmpl.Goal == "" || tmpl.Persona == "" {
			t.Errorf("TemplateFor(%s): incomplete template", role)
		}
	}
	if _, err := TemplateFor("barista"); err == nil {
		t.Error("unknown role should error")
	}
}

func TestInvokeAssemblesPrompt(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Queue("the artifact")
	metrics := &recordedMetrics{}

	w, err := New(types.RoleBackendDev, client, "model-x", types.ToolSet{}, nil, metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := &state.Snapshot{
		Description: "a todo list API",
		Requirements: &state.Requirements{
			ProjectName: "todo",
			UserStories: []state.UserStory{{Role: "user", Action: "add items", Benefit: "track work"}},
		},
	}
	res, err := w.Invoke(context.Background(), Invocation{
		TaskID:         "write_backend",
		Description:    "Implement the items endpoint",
		ExpectedOutput: "JSON array of code files",
		Context:        []string{"architecture says: single FastAPI service"},
		Feedback:       []string{"previous attempt used eval()"},
		Snapshot:       snap,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "the artifact" || res.Role != types.RoleBackendDev || res.ModelID != "model-x" {
		t.Errorf("result = %+v", res)
	}

	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0]
	if req.Messages[0].Role != types.MessageSystem ||
		!strings.Contains(req.Messages[0].Content, "Backend Developer") {
		t.Errorf("system message = %q", req.Messages[0].Content)
	}
	user := req.Messages[1].Content
	for _, want := range []string{
		"Implement the items endpoint",
		"JSON array of code files",
		"a todo list API",
		"single FastAPI service",
		"previous attempt used eval()",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
	if metrics.invocations != 1 || metrics.failures != 0 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestInvokeRecordsFailure(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.QueueError(types.NewError(types.KindTransient, "llm", "down"))
	metrics := &recordedMetrics{}

	w, err := New(types.RoleQAEngineer, client, "m", types.ToolSet{}, nil, metrics)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Invoke(context.Background(), Invocation{TaskID: "t", Description: "d"})
	if err == nil {
		t.Fatal("expected error")
	}
	if metrics.failures != 1 {
		t.Errorf("failures = %d", metrics.failures)
	}
}

func TestInvokeTruncatedOutputIsShapeError(t *testing.T) {
	client := &llm.ScriptedClient{Handler: func(req types.CompletionRequest) (*types.Completion, error) {
		return &types.Completion{Text: "partial", FinishReason: types.FinishLength}, nil
	}}
	w, err := New(types.RoleArchitect, client, "m", types.ToolSet{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Invoke(context.Background(), Invocation{TaskID: "t", Description: "d"})
	if types.KindOf(err) != types.KindShape {
		t.Errorf("kind = %s, want shape", types.KindOf(err))
	}
}

type fakeFiles struct {
	files map[string]string
}

func (f *fakeFiles) Read(_ context.Context, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, types.WrapError(types.KindInvariant, "files.Read", path, types.ErrNotFound)
	}
	return []byte(content), nil
}

func (f *fakeFiles) Write(_ context.Context, path string, data []byte) error {
	f.files[path] = string(data)
	return nil
}

func (f *fakeFiles) List(_ context.Context, dir string) ([]string, error) {
	var names []string
	for name := range f.files {
		names = append(names, name)
	}
	return names, nil
}

func TestInvokeServesToolCalls(t *testing.T) {
	files := &fakeFiles{files: map[string]string{"api/models.py": "class Item: pass"}}
	client := &llm.ScriptedClient{Handler: func(req types.CompletionRequest) (*types.Completion, error) {
		switch len(req.Messages) {
		case 2:
			return &types.Completion{
				FinishReason: types.FinishTool,
				Tokens:       types.TokenCounts{In: 10, Out: 5},
				ToolCalls: []types.ToolCall{
					{Name: "read_file", Args: json.RawMessage(`{"path":"api/models.py"}`)},
					{Name: "write_file", Args: json.RawMessage(`{"path":"api/routes.py","content":"router = APIRouter()"}`)},
				},
			}, nil
		default:
			return &types.Completion{
				Text: "endpoints implemented", FinishReason: types.FinishStop,
				Tokens: types.TokenCounts{In: 20, Out: 8},
			}, nil
		}
	}}
	w, err := New(types.RoleBackendDev, client, "m", types.ToolSet{Files: files}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := w.Invoke(context.Background(), Invocation{TaskID: "impl", Description: "implement routes"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "endpoints implemented" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Tokens.In != 30 || res.Tokens.Out != 13 {
		t.Errorf("tokens = %+v, want rounds accumulated", res.Tokens)
	}
	if files.files["api/routes.py"] != "router = APIRouter()" {
		t.Errorf("write_file not applied: %v", files.files)
	}
	if client.CallCount() != 2 {
		t.Fatalf("calls = %d", client.CallCount())
	}
	// The second round carries the tool results as tool turns.
	second := client.Calls()[1].Messages
	var sawRead, sawWrite bool
	for _, m := range second {
		if m.Role != types.MessageTool {
			continue
		}
		if strings.Contains(m.Content, "class Item: pass") {
			sawRead = true
		}
		if strings.Contains(m.Content, "api/routes.py") {
			sawWrite = true
		}
	}
	if !sawRead || !sawWrite {
		t.Errorf("tool turns missing results: %+v", second)
	}
}

func TestInvokeToolResultCarriesError(t *testing.T) {
	client := &llm.ScriptedClient{Handler: func(req types.CompletionRequest) (*types.Completion, error) {
		if len(req.Messages) == 2 {
			return &types.Completion{
				FinishReason: types.FinishTool,
				ToolCalls:    []types.ToolCall{{Name: "read_file", Args: json.RawMessage(`{"path":"missing.py"}`)}},
			}, nil
		}
		return &types.Completion{Text: "recovered", FinishReason: types.FinishStop}, nil
	}}
	w, err := New(types.RoleBackendDev, client, "m",
		types.ToolSet{Files: &fakeFiles{files: map[string]string{}}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := w.Invoke(context.Background(), Invocation{TaskID: "t", Description: "d"})
	if err != nil {
		t.Fatalf("tool failure must not abort the invocation: %v", err)
	}
	if res.Output != "recovered" {
		t.Errorf("output = %q", res.Output)
	}
	toolTurn := client.Calls()[1].Messages[3]
	if toolTurn.Role != types.MessageTool || !strings.Contains(toolTurn.Content, "error:") {
		t.Errorf("tool turn = %+v", toolTurn)
	}
}

func TestInvokeToolLoopCapped(t *testing.T) {
	client := &llm.ScriptedClient{Handler: func(req types.CompletionRequest) (*types.Completion, error) {
		return &types.Completion{
			FinishReason: types.FinishTool,
			ToolCalls:    []types.ToolCall{{Name: "list_files", Args: json.RawMessage(`{"dir":"."}`)}},
		}, nil
	}}
	w, err := New(types.RoleBackendDev, client, "m",
		types.ToolSet{Files: &fakeFiles{files: map[string]string{}}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Invoke(context.Background(), Invocation{TaskID: "t", Description: "d"})
	if types.KindOf(err) != types.KindBudgetExhausted {
		t.Errorf("kind = %s, want budget_exhausted", types.KindOf(err))
	}
	if client.CallCount() != maxToolRounds {
		t.Errorf("calls = %d, want %d", client.CallCount(), maxToolRounds)
	}
}

func TestInvokeToolFinishWithoutCallsIsShapeError(t *testing.T) {
	client := &llm.ScriptedClient{Handler: func(req types.CompletionRequest) (*types.Completion, error) {
		return &types.Completion{FinishReason: types.FinishTool}, nil
	}}
	w, err := New(types.RoleBackendDev, client, "m", types.ToolSet{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Invoke(context.Background(), Invocation{TaskID: "t", Description: "d"})
	if types.KindOf(err) != types.KindShape {
		t.Errorf("kind = %s, want shape", types.KindOf(err))
	}
}

type scopedMemory struct {
	remembered []string
	recalls    []string
}

func (m *scopedMemory) Remember(_ context.Context, scope, content string, _ map[string]any) error {
	m.remembered = append(m.remembered, scope+": "+content)
	return nil
}

func (m *scopedMemory) Recall(_ context.Context, scope, query string, k int) ([]types.MemoryHit, error) {
	m.recalls = append(m.recalls, scope)
	return []types.MemoryHit{{Content: "items endpoint returns JSON", Score: 0.9}}, nil
}

func TestInvokeUsesMemoryScope(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Queue("done")
	mem := &scopedMemory{}

	w, err := New(types.RoleBackendDev, client, "m", types.ToolSet{}, mem, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Invoke(context.Background(), Invocation{
		TaskID: "t", Description: "extend the items endpoint", Scope: "development",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(mem.recalls) != 1 || mem.recalls[0] != "development" {
		t.Errorf("recalls = %v", mem.recalls)
	}
	if len(mem.remembered) != 1 || !strings.HasPrefix(mem.remembered[0], "development:") {
		t.Errorf("remembered = %v", mem.remembered)
	}
	user := client.Calls()[0].Messages[1].Content
	if !strings.Contains(user, "items endpoint returns JSON") {
		t.Error("recall hits should feed the prompt")
	}
}

func TestDecodeOutput(t *testing.T) {
	var req state.Requirements
	raw := "```json\n{\"project_name\":\"todo\",\"description\":\"a list\"}\n```"
	if err := DecodeOutput(raw, &req); err != nil {
		t.Fatalf("DecodeOutput: %v", err)
	}
	if req.ProjectName != "todo" {
		t.Errorf("parsed = %+v", req)
	}

	err := DecodeOutput("not json at all", &req)
	if types.KindOf(err) != types.KindShape {
		t.Errorf("kind = %s, want shape", types.KindOf(err))
	}
}
