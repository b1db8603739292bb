package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfExtractsWrappedKind(t *testing.T) {
	base := New(KindTransient, "connection reset")
	wrapped := fmt.Errorf("executor: %w", base)
	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("expected transient through wrapping, got %s", got)
	}
}

func TestKindOfUnclassifiedIsFatal(t *testing.T) {
	if got := KindOf(errors.New("something else")); got != KindFatal {
		t.Fatalf("unclassified errors must be fatal, got %s", got)
	}
}

func TestRetryableOnlyForTransient(t *testing.T) {
	if !Retryable(New(KindTransient, "429")) {
		t.Fatalf("transient must be retryable")
	}
	for _, k := range []Kind{KindValidation, KindAuth, KindPrecondition, KindNotFound, KindFatal} {
		if Retryable(New(k, "x")) {
			t.Fatalf("%s must not be retryable", k)
		}
	}
}

func TestWithDetailsCarriesFieldErrors(t *testing.T) {
	err := New(KindValidation, "invalid submission").WithDetails([]Detail{{Field: "prompt", Message: "too long"}})
	var e *Error
	if !errors.As(error(err), &e) {
		t.Fatalf("errors.As should find *Error")
	}
	if len(e.Details) != 1 || e.Details[0].Field != "prompt" {
		t.Fatalf("details lost: %+v", e.Details)
	}
}
