package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codecrew/internal/types"
)

func newTestWorkspace(t *testing.T) *WorkspaceStore {
	t.Helper()
	s, err := NewWorkspaceStore([]string{t.TempDir()}, 0)
	if err != nil {
		t.Fatalf("NewWorkspaceStore: %v", err)
	}
	return s
}

func TestWorkspaceReadWrite(t *testing.T) {
	s := newTestWorkspace(t)
	ctx := context.Background()

	if err := s.Write(ctx, "src/app.py", []byte("print('hi')\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := s.Read(ctx, "src/app.py")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "print('hi')\n" {
		t.Errorf("content = %q", data)
	}
}

func TestWorkspaceRejectsTraversal(t *testing.T) {
	s := newTestWorkspace(t)
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "/etc/passwd", "", "a/../../b"} {
		if err := s.Write(ctx, path, []byte("x")); err == nil {
			t.Errorf("Write(%q) should be denied", path)
		}
		if _, err := s.Read(ctx, path); err == nil {
			t.Errorf("Read(%q) should be denied", path)
		}
	}
}

func TestWorkspaceNotFound(t *testing.T) {
	s := newTestWorkspace(t)
	_, err := s.Read(context.Background(), "missing.py")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWorkspaceSizeCap(t *testing.T) {
	root := t.TempDir()
	s, err := NewWorkspaceStore([]string{root}, 16)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Write(context.Background(), "big.txt", []byte(strings.Repeat("x", 64)))
	if !errors.Is(err, types.ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}

	if err := os.WriteFile(filepath.Join(root, "big2.txt"), []byte(strings.Repeat("y", 64)), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = s.Read(context.Background(), "big2.txt")
	if !errors.Is(err, types.ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestWorkspaceList(t *testing.T) {
	s := newTestWorkspace(t)
	ctx := context.Background()
	for _, p := range []string{"b.py", "a/one.py", "a/two.py"} {
		if err := s.Write(ctx, p, []byte("pass")); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List(ctx, ".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a/one.py", "a/two.py", "b.py"}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSandboxGoExecution(t *testing.T) {
	s := NewSandbox()
	res, err := s.Execute(context.Background(), types.ExecRequest{
		Language: "go",
		Source: `package main

import "fmt"

func main() {
	fmt.Println("sum:", 2+3)
}
`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Stdout, "sum: 5") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit = %d", res.ExitCode)
	}
}

func TestSandboxGoImportAllowlist(t *testing.T) {
	s := NewSandbox()
	_, err := s.Execute(context.Background(), types.ExecRequest{
		Language: "go",
		Source: `package main

import "os/exec"

func main() { exec.Command("ls").Run() }
`,
	})
	if err == nil {
		t.Fatal("blocked import should error")
	}
	if types.KindOf(err) != types.KindGuardrailHard {
		t.Errorf("kind = %s, want guardrail_hard", types.KindOf(err))
	}
}

func TestSandboxGoTimeout(t *testing.T) {
	s := NewSandbox()
	res, err := s.Execute(context.Background(), types.ExecRequest{
		Language: "go",
		Timeout:  100 * time.Millisecond,
		Source: `package main

func main() {
	for {
	}
}
`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timeout")
	}
}

func TestSandboxUnsupportedLanguage(t *testing.T) {
	s := NewSandbox()
	_, err := s.Execute(context.Background(), types.ExecRequest{Language: "brainfuck", Source: "+"})
	if types.KindOf(err) != types.KindConfiguration {
		t.Errorf("kind = %s, want configuration", types.KindOf(err))
	}
}

func TestValidateGoImports(t *testing.T) {
	src := `package main

import (
	"fmt"
	"strings"
)
`
	if err := validateGoImports(src, []string{"fmt", "strings"}); err != nil {
		t.Errorf("allowed imports rejected: %v", err)
	}
	if err := validateGoImports(src, []string{"fmt"}); err == nil {
		t.Error("disallowed import accepted")
	}
}

func TestParsePytestOutput(t *testing.T) {
	output := `============================= test session starts ==============================
tests/test_app.py::test_health PASSED
tests/test_app.py::test_create_item FAILED
tests/test_app.py::test_delete_item SKIPPED
E   AssertionError: expected 201, got 500
=========================== short test summary info ============================
FAILED tests/test_app.py::test_create_item
========================= 1 failed, 1 passed, 1 skipped in 0.42s =========================
`
	run := ParsePytestOutput(output)
	if run.Passed != 1 || run.Failed != 1 || run.Skipped != 1 || run.Total != 3 {
		t.Errorf("counts = %d/%d/%d/%d", run.Total, run.Passed, run.Failed, run.Skipped)
	}
	if run.AllPassed() {
		t.Error("AllPassed should be false")
	}
	failing := run.FailingCases()
	if len(failing) != 1 || failing[0].Name != "tests/test_app.py::test_create_item" {
		t.Errorf("failing = %+v", failing)
	}
	if len(run.Bugs) != 1 {
		t.Errorf("bugs = %+v", run.Bugs)
	}
}

func TestParsePytestOutputAllGreen(t *testing.T) {
	output := `tests/test_app.py::test_health PASSED
tests/test_app.py::test_items PASSED
========================= 2 passed in 0.10s =========================
`
	run := ParsePytestOutput(output)
	if !run.AllPassed() {
		t.Errorf("AllPassed = false for %+v", run)
	}
	if run.Total != 2 || len(run.Bugs) != 0 {
		t.Errorf("run = %+v", run)
	}
}

func TestParsePytestOutputDeterministic(t *testing.T) {
	output := `tests/test_a.py::test_one FAILED
========================= 1 failed in 0.01s =========================
`
	a := ParsePytestOutput(output)
	b := ParsePytestOutput(output)
	if a.Total != b.Total || a.Failed != b.Failed || len(a.Cases) != len(b.Cases) {
		t.Error("parse is not deterministic")
	}
}

// fakeGit records commands and plays scripted replies.
type fakeGit struct {
	commands [][]string
	replies  map[string]string
}

func (f *fakeGit) run(ctx context.Context, args ...string) (string, error) {
	f.commands = append(f.commands, args)
	if out, ok := f.replies[args[0]]; ok {
		return out, nil
	}
	return "", nil
}

func TestGitVcsRefusesProtectedBranch(t *testing.T) {
	fake := &fakeGit{replies: map[string]string{"rev-parse": "main\n"}}
	g := NewGitVcs(t.TempDir())
	g.run = fake.run

	err := g.Commit(context.Background(), "add files")
	if types.KindOf(err) != types.KindGuardrailHard {
		t.Errorf("kind = %s, want guardrail_hard", types.KindOf(err))
	}
	if err := g.Branch(context.Background(), "master"); err == nil {
		t.Error("protected branch creation should be refused")
	}
}

func TestGitVcsCommitOnWorkBranch(t *testing.T) {
	fake := &fakeGit{replies: map[string]string{"rev-parse": "work\n"}}
	g := NewGitVcs(t.TempDir())
	g.run = fake.run

	if err := g.Commit(context.Background(), "add generated app"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	last := fake.commands[len(fake.commands)-1]
	found := false
	for i, a := range last {
		if a == "-m" && i+1 < len(last) && last[i+1] == "add generated app" {
			found = true
		}
	}
	if !found {
		t.Errorf("commit command = %v", last)
	}
}
