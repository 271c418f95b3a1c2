package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHealError_ErrorFormat(t *testing.T) {
	e := New(ErrBackpressure, "intake queue full")
	if got, want := e.Error(), "[EINT-001] intake queue full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestHealError_ErrorFormatWithCause(t *testing.T) {
	cause := stderrors.New("disk io")
	e := Wrap(ErrStorage, "saving escalation", cause)
	if got, want := e.Error(), "[ESTO-001] saving escalation: disk io"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestHealError_Unwrap(t *testing.T) {
	cause := stderrors.New("root")
	e := Wrap(ErrExecutor, "spawn failed", cause)
	if !stderrors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestIs_FindsCodeInChain(t *testing.T) {
	inner := New(ErrCommandRefused, "policy rejected rm")
	outer := fmt.Errorf("phase 1: %w", inner)
	if !Is(outer, ErrCommandRefused) {
		t.Error("Is should find the code through fmt.Errorf wrapping")
	}
	if Is(outer, ErrCommandTimeout) {
		t.Error("Is should not match a different code")
	}
}

func TestIs_NestedHealErrors(t *testing.T) {
	inner := New(ErrDBConnection, "sqlite locked")
	outer := Wrap(ErrEscalation, "enqueue failed", inner)
	if !Is(outer, ErrDBConnection) {
		t.Error("Is should walk nested HealErrors")
	}
}

func TestGetCode(t *testing.T) {
	e := New(ErrInvalidToken, "bad bearer token")
	if got := GetCode(fmt.Errorf("auth: %w", e)); got != ErrInvalidToken {
		t.Errorf("GetCode = %q, want %q", got, ErrInvalidToken)
	}
	if got := GetCode(stderrors.New("plain")); got != "" {
		t.Errorf("GetCode on plain error = %q, want empty", got)
	}
}

func TestWithDetails(t *testing.T) {
	e := New(ErrCommandFailed, "restart failed").
		WithDetails("exit_status", 1).
		WithDetails("strategy", "restart-unit")
	if e.Details["exit_status"] != 1 {
		t.Error("details should retain exit_status")
	}
	if e.Details["strategy"] != "restart-unit" {
		t.Error("details should retain strategy")
	}
}

func TestToHTTPStatus_KnownCodes(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrNotFound:     http.StatusNotFound,
		ErrBackpressure: http.StatusTooManyRequests,
		ErrAuth:         http.StatusUnauthorized,
		ErrDuplicate:    http.StatusConflict,
	}
	for code, want := range cases {
		if got := ToHTTPStatus(code); got != want {
			t.Errorf("ToHTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestToHTTPStatus_PrefixFallback(t *testing.T) {
	if got := ToHTTPStatus(ErrorCode("EAUTH-099")); got != http.StatusUnauthorized {
		t.Errorf("unknown EAUTH code should fall back to 401, got %d", got)
	}
	if got := ToHTTPStatus(ErrorCode("EZZZ-001")); got != http.StatusInternalServerError {
		t.Errorf("unknown category should fall back to 500, got %d", got)
	}
}
