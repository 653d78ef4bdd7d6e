// Package types provides shared type definitions used across codecrew
// packages. This package exists to break import cycles between worker,
// crew, flow, and tools. Types here are foundational data structures and
// capability interfaces with no complex dependencies.
package types

import (
	"context"
	"time"

	"codecrew/internal/state"
)

// Role identifies a worker role. Roles are plain strings so a deployment
// can add roles without touching this package; the well-known ones are
// listed below.
type Role string

const (
	RoleRequirementsAnalyst Role = "requirements_analyst"
	RoleArchitect           Role = "software_architect"
	RoleBackendDev          Role = "backend_developer"
	RoleFrontendDev         Role = "frontend_developer"
	RoleDevopsEngineer      Role = "devops_engineer"
	RoleQAEngineer          Role = "qa_engineer"
	RoleCodeReviewer        Role = "code_reviewer"
	RoleCoordinator         Role = "project_coordinator"
)

// ExecResult is the outcome of running code in a sandbox.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// ExecRequest describes one sandboxed execution.
type ExecRequest struct {
	Language        string        `json:"language"`
	Source          string        `json:"source"`
	Timeout         time.Duration `json:"timeout"`
	ImportAllowlist []string      `json:"import_allowlist,omitempty"`
}

// FileStore is the capability for workspace file access. Implementations
// validate every path against the declared workspace roots and reject
// traversal.
type FileStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, dir string) ([]string, error)
}

// Sandbox executes untrusted generated code with no network access and
// resource caps.
type Sandbox interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// TestRunner executes a generated test suite and parses the results.
type TestRunner interface {
	Run(ctx context.Context, testsPath, sourcePath string) (*state.TestRun, error)
}

// Vcs is the version-control capability. Implementations refuse commits
// to protected branch names.
type Vcs interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	Branch(ctx context.Context, name string) error
	Status(ctx context.Context) (string, error)
	Diff(ctx context.Context) (string, error)
}

// Embedder turns text into a vector. Errors are treated as
// memory-disabled for that call, never as run failures.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// MemoryHit is one associative recall result.
type MemoryHit struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Memory is the associative store capability handed to workers. Scope
// paths partition entries; recall only sees writes in the same scope.
type Memory interface {
	Remember(ctx context.Context, scope, content string, metadata map[string]any) error
	Recall(ctx context.Context, scope, query string, k int) ([]MemoryHit, error)
}

// ToolSet bundles the capabilities a worker may receive. Any field may be
// nil; workers treat a nil capability as not granted.
type ToolSet struct {
	Files   FileStore
	Sandbox Sandbox
	Tests   TestRunner
	Vcs     Vcs
}
