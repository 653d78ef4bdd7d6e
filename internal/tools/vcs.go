package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// protectedBranches are never committed to directly by a run.
var protectedBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"release": true,
}

// GitVcs implements types.Vcs by shelling out to git in the workspace.
// The run field exists so tests can observe commands without a git
// binary.
type GitVcs struct {
	dir string
	run func(ctx context.Context, args ...string) (string, error)
}

// NewGitVcs creates a git wrapper rooted at dir.
func NewGitVcs(dir string) *GitVcs {
	g := &GitVcs{dir: dir}
	g.run = g.exec
	return g
}

func (g *GitVcs) exec(ctx context.Context, args ...string) (string, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	logging.Audit().ToolCompleted("vcs", "git "+args[0], time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return "", types.WrapError(types.KindOf(ctx.Err()), "tools.git", "git "+args[0], ctx.Err())
		}
		return "", types.WrapError(types.KindTransient, "tools.git",
			fmt.Sprintf("git %s: %s", args[0], strings.TrimSpace(out.String())), err)
	}
	return out.String(), nil
}

// Init creates the repository with a default working branch.
func (g *GitVcs) Init(ctx context.Context) error {
	if _, err := g.run(ctx, "init", "--initial-branch=work"); err != nil {
		return err
	}
	logging.Tools("Initialized git repository at %s", g.dir)
	return nil
}

// Add stages paths.
func (g *GitVcs) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	_, err := g.run(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// Commit records staged changes. Commits on protected branches are
// refused.
func (g *GitVcs) Commit(ctx context.Context, message string) error {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil && protectedBranches[strings.TrimSpace(branch)] {
		return types.NewError(types.KindGuardrailHard, "tools.git",
			fmt.Sprintf("refusing commit to protected branch %q", strings.TrimSpace(branch)))
	}
	if strings.TrimSpace(message) == "" {
		message = "update workspace"
	}
	_, err = g.run(ctx, "-c", "user.name=codecrew", "-c", "user.email=codecrew@localhost",
		"commit", "-m", message)
	return err
}

// Branch creates and switches to a branch.
func (g *GitVcs) Branch(ctx context.Context, name string) error {
	if protectedBranches[name] {
		return types.NewError(types.KindGuardrailHard, "tools.git",
			fmt.Sprintf("refusing to create protected branch %q", name))
	}
	_, err := g.run(ctx, "checkout", "-b", name)
	return err
}

// Status returns porcelain status output.
func (g *GitVcs) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain")
}

// Diff returns the working tree diff.
func (g *GitVcs) Diff(ctx context.Context) (string, error) {
	return g.run(ctx, "diff", "HEAD")
}
