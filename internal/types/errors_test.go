package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiedError(t *testing.T) {
	err := NewError(KindShape, "task:write_backend", "output is not valid JSON")
	if got := KindOf(err); got != KindShape {
		t.Errorf("KindOf = %s, want %s", got, KindShape)
	}
	// Classification survives wrapping.
	wrapped := fmt.Errorf("crew failed: %w", err)
	if got := KindOf(wrapped); got != KindShape {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindShape)
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(Canceled) = %s, want %s", got, KindCancelled)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTransient {
		t.Errorf("KindOf(DeadlineExceeded) = %s, want %s", got, KindTransient)
	}
}

func TestKindOfUnclassifiedDefaultsToTransient(t *testing.T) {
	if got := KindOf(errors.New("connection reset")); got != KindTransient {
		t.Errorf("KindOf = %s, want %s", got, KindTransient)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		kind        ErrKind
		retryable   bool
		recoverable bool
		fatal       bool
	}{
		{KindConfiguration, false, false, true},
		{KindTransient, true, false, false},
		{KindShape, false, true, false},
		{KindGuardrailSoft, false, true, false},
		{KindGuardrailHard, false, false, true},
		{KindBudgetExhausted, false, false, false},
		{KindInvariant, false, false, true},
		{KindCancelled, false, false, true},
	}
	for _, tc := range cases {
		err := NewError(tc.kind, "op", "")
		if got := Retryable(err); got != tc.retryable {
			t.Errorf("%s: Retryable = %v, want %v", tc.kind, got, tc.retryable)
		}
		if got := Recoverable(err); got != tc.recoverable {
			t.Errorf("%s: Recoverable = %v, want %v", tc.kind, got, tc.recoverable)
		}
		if got := Fatal(err); got != tc.fatal {
			t.Errorf("%s: Fatal = %v, want %v", tc.kind, got, tc.fatal)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := WrapError(KindTransient, "llm.complete", "request failed", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
	msg := err.Error()
	if msg == "" || msg == cause.Error() {
		t.Errorf("Error() = %q, want classified message", msg)
	}
}
