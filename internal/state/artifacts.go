package state

import (
	"fmt"
	"path"
	"strings"
)

// Build artifacts produced by the development, testing, and deployment
// phases.

// FileKind classifies a generated file.
type FileKind string

const (
	FileSource FileKind = "source"
	FileTest   FileKind = "test"
	FileConfig FileKind = "config"
	FileDoc    FileKind = "doc"
)

// CodeFile is one generated file. Path is always relative to the run's
// workspace root.
type CodeFile struct {
	Path     string   `json:"path"`
	Content  string   `json:"content"`
	Language string   `json:"language"`
	Kind     FileKind `json:"kind"`
	Deps     []string `json:"deps,omitempty"`
	Role     string   `json:"role,omitempty"` // worker role that produced it
}

// ValidateRelPath rejects paths that could escape the workspace: absolute
// paths, traversal segments, and anything that cleans to a parent.
func ValidateRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	if strings.Contains(p, "\x00") {
		return fmt.Errorf("path contains NUL byte")
	}
	// Windows drive letters in generated output show up occasionally.
	if len(p) >= 2 && p[1] == ':' {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes workspace: %s", p)
	}
	return nil
}

// TestCaseResult is the outcome of one test case.
type TestCaseResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// FileCoverage is per-file line coverage as a fraction in [0,1].
type FileCoverage struct {
	Path     string  `json:"path"`
	Coverage float64 `json:"coverage"`
}

// BugReport describes one defect found during testing or review.
type BugReport struct {
	ID           string `json:"id"`
	Severity     string `json:"severity"` // "critical", "major", "minor"
	Path         string `json:"path,omitempty"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// TestRun is the parsed result of executing the generated test suite.
type TestRun struct {
	Total     int              `json:"total"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Coverage  float64          `json:"coverage"` // overall, [0,1]
	PerFile   []FileCoverage   `json:"per_file,omitempty"`
	Cases     []TestCaseResult `json:"cases,omitempty"`
	Bugs      []BugReport      `json:"bugs,omitempty"`
	RawOutput string           `json:"raw_output,omitempty"`
	Duration  int64            `json:"duration_ms,omitempty"`
}

// AllPassed reports whether every executed test case passed.
func (t *TestRun) AllPassed() bool {
	return t != nil && t.Failed == 0 && t.Total > 0
}

// FailingCases returns the failing test cases for feedback routing.
func (t *TestRun) FailingCases() []TestCaseResult {
	if t == nil {
		return nil
	}
	var out []TestCaseResult
	for _, c := range t.Cases {
		if !c.Passed && !c.Skipped {
			out = append(out, c)
		}
	}
	return out
}

// DeploymentBundle is the final deployment phase output.
type DeploymentBundle struct {
	Infrastructure string            `json:"infrastructure"` // infra design text
	Artifacts      []CodeFile        `json:"artifacts,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
}
