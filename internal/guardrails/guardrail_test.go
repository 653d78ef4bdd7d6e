package guardrails

import (
	"testing"
)

func staticGuard(name string, v Verdict) Guardrail {
	return Guardrail{Name: name, Check: func(Input) Verdict { return v }}
}

func TestChainAccumulatesWarnings(t *testing.T) {
	chain := NewChain(
		staticGuard("a", Verdict{Status: StatusPass, RetryAllowed: true}),
		staticGuard("b", Verdict{Status: StatusWarn, Severity: SeverityWarning, RetryAllowed: true}),
		staticGuard("c", Verdict{Status: StatusPass, RetryAllowed: true}),
	)
	res := chain.Run(Input{})
	if !res.OK() {
		t.Fatal("chain with no failures should be OK")
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Guard != "b" {
		t.Errorf("warnings = %+v, want single warning from b", res.Warnings)
	}
	if len(res.Verdicts) != 3 {
		t.Errorf("verdicts = %d, want 3", len(res.Verdicts))
	}
}

func TestChainShortCircuitsOnFail(t *testing.T) {
	called := false
	chain := NewChain(
		staticGuard("first", Verdict{Status: StatusFail, Severity: SeverityWarning, RetryAllowed: true}),
		Guardrail{Name: "second", Check: func(Input) Verdict {
			called = true
			return Verdict{Status: StatusPass}
		}},
	)
	res := chain.Run(Input{})
	if res.OK() {
		t.Fatal("chain should fail")
	}
	if called {
		t.Error("guards after a failure must not run")
	}
	if !res.Retryable() {
		t.Error("soft failure should be retryable")
	}
	if res.Failed.Guard != "first" {
		t.Errorf("failed guard = %s", res.Failed.Guard)
	}
}

func TestChainCriticalWithRetryAllowedIsRetryable(t *testing.T) {
	chain := NewChain(
		staticGuard("sec", Verdict{Status: StatusFail, Severity: SeverityCritical, RetryAllowed: true}),
	)
	res := chain.Run(Input{})
	if !res.Retryable() {
		t.Error("retry_allowed governs the retry decision, not severity")
	}
}

func TestChainRetryForbidden(t *testing.T) {
	chain := NewChain(
		staticGuard("inj", Verdict{Status: StatusFail, Severity: SeverityWarning, RetryAllowed: false}),
	)
	res := chain.Run(Input{})
	if res.Retryable() {
		t.Error("retry_allowed=false must not be retryable")
	}
}

func TestVerdictBlocking(t *testing.T) {
	cases := []struct {
		v    Verdict
		want bool
	}{
		{Verdict{Status: StatusPass, RetryAllowed: true}, false},
		{Verdict{Status: StatusFail, Severity: SeverityWarning, RetryAllowed: true}, false},
		{Verdict{Status: StatusFail, Severity: SeverityCritical, RetryAllowed: true}, false},
		{Verdict{Status: StatusFail, Severity: SeverityWarning, RetryAllowed: false}, true},
	}
	for i, tc := range cases {
		if got := tc.v.Blocking(); got != tc.want {
			t.Errorf("case %d: Blocking = %v, want %v", i, got, tc.want)
		}
	}
}
