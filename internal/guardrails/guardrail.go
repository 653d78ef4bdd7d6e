// Package guardrails validates worker task outputs before they are
// committed to project state. Guardrails are pure: they inspect an output
// plus a read-only state snapshot and return a verdict. Composition into
// per-task chains and the retry decision live here; invoking the worker
// again is the crew's job.
package guardrails

import (
	"codecrew/internal/state"
)

// Status is the outcome of one guardrail check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Severity grades a verdict. Whether a failure may be retried is the
// verdict's RetryAllowed, not its severity: a critical code-safety hit
// retries (the worker can regenerate without the pattern), a critical
// injection hit does not (resubmitting hostile input cannot help).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the result of a guardrail check.
type Verdict struct {
	Guard        string         `json:"guard"`
	Status       Status         `json:"status"`
	Severity     Severity       `json:"severity"`
	Category     string         `json:"category"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	RetryAllowed bool           `json:"retry_allowed"`
}

// OK reports whether the output is allowed through (pass or warn).
func (v Verdict) OK() bool {
	return v.Status != StatusFail
}

// Blocking reports whether the verdict must fail the task with no retry.
func (v Verdict) Blocking() bool {
	return v.Status == StatusFail && !v.RetryAllowed
}

// Input is what a guardrail sees: the raw output, the task context, and a
// read-only snapshot of project state.
type Input struct {
	TaskID        string
	Role          string
	Output        string
	Snapshot      *state.Snapshot
	Iteration     int
	MaxIterations int
}

// CheckFunc is a pure validation function.
type CheckFunc func(Input) Verdict

// Guardrail pairs a name with its check.
type Guardrail struct {
	Name  string
	Check CheckFunc
}

func pass(guard, category, msg string) Verdict {
	return Verdict{
		Guard: guard, Status: StatusPass, Severity: SeverityInfo,
		Category: category, Message: msg, RetryAllowed: true,
	}
}

func warn(guard, category, msg string, details map[string]any) Verdict {
	return Verdict{
		Guard: guard, Status: StatusWarn, Severity: SeverityWarning,
		Category: category, Message: msg, Details: details, RetryAllowed: true,
	}
}

func fail(guard, category, msg string, sev Severity, retry bool, details map[string]any) Verdict {
	return Verdict{
		Guard: guard, Status: StatusFail, Severity: sev,
		Category: category, Message: msg, Details: details, RetryAllowed: retry,
	}
}

// ChainResult is the outcome of running a guardrail chain over one task
// attempt.
type ChainResult struct {
	Verdicts []Verdict // every verdict produced, in order
	Warnings []Verdict // accumulated warns
	Failed   *Verdict  // first failing verdict, nil if none
}

// OK reports whether the attempt may be committed.
func (r ChainResult) OK() bool {
	return r.Failed == nil
}

// Retryable reports whether the failing verdict permits another attempt.
func (r ChainResult) Retryable() bool {
	if r.Failed == nil {
		return false
	}
	return !r.Failed.Blocking()
}

// Chain is an ordered list of guardrails run per task attempt.
type Chain struct {
	Guards []Guardrail
}

// NewChain builds a chain in declared order.
func NewChain(guards ...Guardrail) Chain {
	return Chain{Guards: guards}
}

// Run evaluates the chain: pass/warn continue with warnings accumulating;
// the first fail short-circuits the rest.
func (c Chain) Run(in Input) ChainResult {
	var res ChainResult
	for _, g := range c.Guards {
		v := g.Check(in)
		if v.Guard == "" {
			v.Guard = g.Name
		}
		res.Verdicts = append(res.Verdicts, v)
		switch v.Status {
		case StatusWarn:
			res.Warnings = append(res.Warnings, v)
		case StatusFail:
			failed := v
			res.Failed = &failed
			return res
		}
	}
	return res
}
