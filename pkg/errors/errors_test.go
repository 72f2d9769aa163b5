package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := New(CodeProbeFailure, "probe exhausted retries", cause)
	msg := err.Error()
	if !strings.Contains(msg, "PROBE_FAILURE") {
		t.Fatalf("missing code in message: %s", msg)
	}
	if !strings.Contains(msg, "connection refused") {
		t.Fatalf("missing cause in message: %s", msg)
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected Unwrap to reach cause")
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeCommandFailure, "docker build failed", nil).
		WithContext("service", "skills-green").
		WithRecoverable(true)
	if err.Context["service"] != "skills-green" {
		t.Fatalf("context not set: %v", err.Context)
	}
	if !err.Recoverable {
		t.Fatal("expected recoverable")
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeUnauthorized:   401,
		CodeInvalidInput:   400,
		CodeUpdateConflict: 409,
		CodeNotFound:       404,
		CodeTimeout:        408,
		CodeInternal:       500,
		CodeStoreError:     500,
	}
	for code, want := range cases {
		if got := New(code, "x", nil).StatusCode; got != want {
			t.Fatalf("code %s: got %d, want %d", code, got, want)
		}
	}
}

func TestAsCustosError(t *testing.T) {
	plain := stderrors.New("boom")
	wrapped := AsCustosError(plain)
	if wrapped.Code != CodeInternal {
		t.Fatalf("expected internal wrap, got %s", wrapped.Code)
	}
	typed := New(CodeStoreError, "save failed", nil)
	if AsCustosError(typed) != typed {
		t.Fatal("expected identity for typed errors")
	}
	if AsCustosError(nil) != nil {
		t.Fatal("expected nil for nil")
	}
}
