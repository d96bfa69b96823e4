package tool

import (
	"errors"
	"testing"
)

func TestError_ErrorIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	e := &Error{Kind: ErrorTimeout, Message: "fetch failed", Cause: cause}

	want := "timeout: fetch failed: dial tcp: timeout"
	if got := e.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to unwrap to the cause")
	}
}

func TestError_ErrorOmitsCauseWhenAbsent(t *testing.T) {
	e := &Error{Kind: ErrorInvalidArguments, Message: "missing field"}
	if got, want := e.Error(), "invalid_arguments: missing field"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestError_IsFatalOnlyForFatalKind(t *testing.T) {
	if (&Error{Kind: ErrorFatal}).IsFatal() != true {
		t.Fatal("expected ErrorFatal to be fatal")
	}
	for _, k := range []ErrorKind{ErrorInvalidArguments, ErrorTimeout, ErrorExecution} {
		if (&Error{Kind: k}).IsFatal() {
			t.Fatalf("expected %v to not be fatal", k)
		}
	}
}
