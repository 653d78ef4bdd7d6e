package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codecrew/internal/logging"
	"codecrew/internal/state"
	"codecrew/internal/types"
)

// DefaultTestTimeout bounds one suite run.
const DefaultTestTimeout = 5 * time.Minute

// PytestRunner implements types.TestRunner by invoking pytest against
// the generated workspace and parsing its terminal output plus the
// coverage JSON report. Given identical raw output the parse is
// deterministic.
type PytestRunner struct {
	workspace    string
	pythonBinary string
	timeout      time.Duration
	withCoverage bool
}

// NewPytestRunner creates a runner rooted at workspace.
func NewPytestRunner(workspace string) *PytestRunner {
	return &PytestRunner{
		workspace:    workspace,
		pythonBinary: "python3",
		timeout:      DefaultTestTimeout,
		withCoverage: true,
	}
}

// Run executes the suite at testsPath against sourcePath and parses the
// result. A failing suite is a successful Run; only infrastructure
// failures return an error.
func (r *PytestRunner) Run(ctx context.Context, testsPath, sourcePath string) (*state.TestRun, error) {
	const op = "tools.PytestRunner"
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	covFile := filepath.Join(r.workspace, ".coverage.json")
	args := []string{"-m", "pytest", testsPath, "-v", "--tb=short"}
	if r.withCoverage {
		args = append(args, "--cov="+sourcePath, "--cov-report=json:"+covFile)
	}

	logging.Audit().ToolInvoked("tests", "pytest", map[string]any{"tests": testsPath, "source": sourcePath})
	start := time.Now()

	cmd := exec.CommandContext(execCtx, r.pythonBinary, args...)
	cmd.Dir = r.workspace
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	logging.Audit().ToolCompleted("tests", "pytest", elapsed, nil)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.KindTransient, op,
				fmt.Sprintf("test run timed out after %s", r.timeout))
		}
		if ctx.Err() == context.Canceled {
			return nil, types.WrapError(types.KindCancelled, op, "cancelled", ctx.Err())
		}
		// Non-zero exit just means failing tests; anything else (no
		// interpreter, pytest missing) has an empty parse below.
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, types.WrapError(types.KindTransient, op, "failed to start pytest", err)
		}
	}

	run := ParsePytestOutput(string(out))
	run.Duration = elapsed.Milliseconds()
	if r.withCoverage {
		if cov, perFile, ok := readCoverageReport(covFile); ok {
			run.Coverage = cov
			run.PerFile = perFile
		}
		os.Remove(covFile)
	}
	logging.Tools("Test run: total=%d passed=%d failed=%d coverage=%.2f",
		run.Total, run.Passed, run.Failed, run.Coverage)
	return run, nil
}

var (
	summaryRe = regexp.MustCompile(`(\d+) (passed|failed|skipped|error|errors)`)
	verdictRe = regexp.MustCompile(`(?m)^(PASSED|FAILED|SKIPPED|ERROR)\s+(\S+?)(?:\s|$)`)
	// -v format: path::test_name VERDICT
	verboseRe = regexp.MustCompile(`(?m)^(\S+::\S+)\s+(PASSED|FAILED|SKIPPED|ERROR)\b`)
)

// ParsePytestOutput turns raw pytest terminal output into a TestRun.
func ParsePytestOutput(output string) *state.TestRun {
	run := &state.TestRun{RawOutput: output}

	for _, m := range summaryRe.FindAllStringSubmatch(output, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "passed":
			run.Passed = n
		case "failed":
			run.Failed = n
		case "skipped":
			run.Skipped = n
		case "error", "errors":
			run.Failed += n
		}
	}
	run.Total = run.Passed + run.Failed + run.Skipped

	seen := map[string]bool{}
	record := func(name, verdict string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		tc := state.TestCaseResult{Name: name}
		switch verdict {
		case "PASSED":
			tc.Passed = true
		case "SKIPPED":
			tc.Skipped = true
		case "FAILED", "ERROR":
			tc.Message = failureMessageFor(output, name)
		}
		run.Cases = append(run.Cases, tc)
	}
	for _, m := range verboseRe.FindAllStringSubmatch(output, -1) {
		record(m[1], m[2])
	}
	for _, m := range verdictRe.FindAllStringSubmatch(output, -1) {
		record(m[2], m[1])
	}

	for _, tc := range run.Cases {
		if !tc.Passed && !tc.Skipped {
			run.Bugs = append(run.Bugs, state.BugReport{
				ID:          tc.Name,
				Severity:    "major",
				Description: tc.Message,
			})
		}
	}
	return run
}

// failureMessageFor finds a short diagnostic for a failed test.
func failureMessageFor(output, name string) string {
	short := name
	if i := strings.LastIndex(short, "::"); i >= 0 {
		short = short[i+2:]
	}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, short) &&
			(strings.Contains(trimmed, "AssertionError") || strings.Contains(trimmed, "Error:")) {
			return trimmed
		}
	}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "E ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "E "))
		}
	}
	return "test failed"
}

// coverageReport is the subset of coverage.py's JSON report we read.
type coverageReport struct {
	Totals struct {
		PercentCovered float64 `json:"percent_covered"`
	} `json:"totals"`
	Files map[string]struct {
		Summary struct {
			PercentCovered float64 `json:"percent_covered"`
		} `json:"summary"`
	} `json:"files"`
}

func readCoverageReport(path string) (float64, []state.FileCoverage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, false
	}
	var rep coverageReport
	if err := json.Unmarshal(data, &rep); err != nil {
		logging.Get(logging.CategoryTools).Warn("Unparseable coverage report: %v", err)
		return 0, nil, false
	}
	var perFile []state.FileCoverage
	for f, v := range rep.Files {
		perFile = append(perFile, state.FileCoverage{
			Path:     filepath.ToSlash(f),
			Coverage: v.Summary.PercentCovered / 100,
		})
	}
	return rep.Totals.PercentCovered / 100, perFile, true
}
