package atperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSingletonAnnotations(t *testing.T) {
	cases := []struct {
		err       *Error
		retryable bool
		fatal     bool
	}{
		{ErrParse, false, true},
		{ErrChecksum, false, true},
		{ErrSeqRetry, true, false},
		{ErrWindow, true, false},
		{ErrPreempt, true, false},
		{ErrBusy, true, false},
		{ErrIdle, false, true},
		{ErrCircuit, true, false},
		{ErrReplay, false, false},
	}
	for _, tc := range cases {
		if tc.err.Retryable != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.err.Code, tc.err.Retryable, tc.retryable)
		}
		if tc.err.Fatal != tc.fatal {
			t.Errorf("%s: fatal = %v, want %v", tc.err.Code, tc.err.Fatal, tc.fatal)
		}
	}
}

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, CodeAdapter, "upstream call failed")

	if !errors.Is(err, ErrAdapter) {
		t.Error("wrapped error should match ErrAdapter via errors.Is")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
	if !err.Retryable {
		t.Error("EADAPTER should stay retryable after wrapping")
	}
}

func TestFromErrorClassifiesUntyped(t *testing.T) {
	err := FromError(fmt.Errorf("boom"))
	if err.Code != CodeInternal {
		t.Errorf("expected EINTERNAL, got %s", err.Code)
	}

	typed := ErrBusy.WithRetryAfter(50 * time.Millisecond)
	got := FromError(fmt.Errorf("admission: %w", typed))
	if got.Code != CodeBusy {
		t.Errorf("expected EBUSY through wrapping, got %s", got.Code)
	}
	if got.RetryAfter != 50*time.Millisecond {
		t.Errorf("retry_after lost: %v", got.RetryAfter)
	}
}

func TestWithCorrelationIDDoesNotMutateSingleton(t *testing.T) {
	err := ErrWindow.WithCorrelationID("req-1")
	if err.CorrelationID != "req-1" {
		t.Errorf("got %q", err.CorrelationID)
	}
	if ErrWindow.CorrelationID != "" {
		t.Error("singleton mutated")
	}
}

func TestByCodeUnknown(t *testing.T) {
	if ByCode("ENOPE") != ErrInternal {
		t.Error("unknown code should map to EINTERNAL")
	}
}
