package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// DefaultExecTimeout bounds one sandboxed run.
const DefaultExecTimeout = 30 * time.Second

// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
const DefaultMaxOutputBytes = 1024 * 1024

// defaultGoImports is the stdlib allowlist for interpreted Go. No
// filesystem, exec, network, or unsafe access.
var defaultGoImports = []string{
	"bytes", "encoding/base64", "encoding/json", "errors", "fmt",
	"math", "path", "path/filepath", "regexp", "sort", "strconv",
	"strings", "time", "unicode",
}

// limitedWriter caps bytes written, discarding the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.max {
		lw.truncated = true
		return len(p), nil
	}
	remaining := lw.max - lw.written
	if int64(len(p)) > remaining {
		lw.truncated = true
		n, err := lw.w.Write(p[:remaining])
		lw.written += int64(n)
		return len(p), err
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return n, err
}

// InterpreterSandbox implements types.Sandbox. Go runs inside a yaegi
// interpreter restricted to an import allowlist; Python runs as a
// subprocess with its environment scrubbed. Neither path gets network
// credentials or proxy settings.
type InterpreterSandbox struct {
	timeout        time.Duration
	maxOutputBytes int64
	pythonBinary   string
}

// NewSandbox creates a sandbox with default limits.
func NewSandbox() *InterpreterSandbox {
	return &InterpreterSandbox{
		timeout:        DefaultExecTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
		pythonBinary:   "python3",
	}
}

var importRe = regexp.MustCompile(`(?m)^\s*import\s+(?:\w+\s+)?"([^"]+)"|^\s*"([^"]+)"`)

// validateGoImports rejects source importing outside the allowlist.
func validateGoImports(source string, allowlist []string) error {
	allowed := map[string]bool{}
	for _, p := range allowlist {
		allowed[p] = true
	}
	for _, m := range importRe.FindAllStringSubmatch(source, -1) {
		pkg := m[1]
		if pkg == "" {
			pkg = m[2]
		}
		if pkg != "" && !allowed[pkg] {
			return types.NewError(types.KindGuardrailHard, "sandbox.validate",
				fmt.Sprintf("import %q not in allowlist", pkg))
		}
	}
	return nil
}

// Execute runs source in the sandbox for its language. A timeout kills
// the run and reports TimedOut rather than failing the call.
func (s *InterpreterSandbox) Execute(ctx context.Context, req types.ExecRequest) (*types.ExecResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Audit().ToolInvoked("sandbox", "execute", map[string]any{
		"language": req.Language, "source_bytes": len(req.Source),
	})
	start := time.Now()

	var result *types.ExecResult
	var err error
	switch strings.ToLower(req.Language) {
	case "go", "golang":
		result, err = s.executeGo(execCtx, req)
	case "python", "python3", "":
		result, err = s.executePython(execCtx, req)
	default:
		err = types.NewError(types.KindConfiguration, "sandbox.Execute",
			fmt.Sprintf("unsupported language: %s", req.Language))
	}
	logging.Audit().ToolCompleted("sandbox", "execute", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	logging.Tools("Sandbox %s run: exit=%d timed_out=%v elapsed=%v",
		req.Language, result.ExitCode, result.TimedOut, result.Duration)
	return result, nil
}

// executeGo interprets Go source with yaegi. Interpreting avoids the
// compile step entirely: no toolchain downloads, no dependency
// resolution, no binaries on disk.
func (s *InterpreterSandbox) executeGo(ctx context.Context, req types.ExecRequest) (*types.ExecResult, error) {
	allowlist := req.ImportAllowlist
	if len(allowlist) == 0 {
		allowlist = defaultGoImports
	}
	if err := validateGoImports(req.Source, allowlist); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{
		Stdout: &limitedWriter{w: &stdout, max: s.maxOutputBytes},
		Stderr: &limitedWriter{w: &stderr, max: s.maxOutputBytes},
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, types.WrapError(types.KindInvariant, "sandbox.go", "failed to load stdlib symbols", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := i.EvalWithContext(ctx, req.Source)
		done <- err
	}()

	select {
	case err := <-done:
		result := &types.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			result.ExitCode = 1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
		return result, nil
	case <-ctx.Done():
		// The interpreter goroutine unwinds on its own once the eval
		// context fires.
		return &types.ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			TimedOut: ctx.Err() == context.DeadlineExceeded,
		}, nil
	}
}

// executePython runs source as a python3 subprocess with a scrubbed
// environment.
func (s *InterpreterSandbox) executePython(ctx context.Context, req types.ExecRequest) (*types.ExecResult, error) {
	cmd := exec.CommandContext(ctx, s.pythonBinary, "-I", "-c", req.Source)
	cmd.Env = []string{"PATH=/usr/bin:/bin", "PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"}

	var stdout, stderr bytes.Buffer
	outLimited := &limitedWriter{w: &stdout, max: s.maxOutputBytes}
	errLimited := &limitedWriter{w: &stderr, max: s.maxOutputBytes}
	cmd.Stdout = outLimited
	cmd.Stderr = errLimited

	err := cmd.Run()
	result := &types.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}
		if ctx.Err() == context.Canceled {
			return nil, types.WrapError(types.KindCancelled, "sandbox.python", "cancelled", ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, types.WrapError(types.KindTransient, "sandbox.python", "failed to start interpreter", err)
	}
	return result, nil
}
