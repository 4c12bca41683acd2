package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	if got := CodeOf(ErrRateLimited); got != "RATE_LIMITED" {
		t.Fatalf("CodeOf(ErrRateLimited) = %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "INTERNAL" {
		t.Fatalf("CodeOf(plain error) = %q, want INTERNAL", got)
	}
	if got := CodeOf(nil); got != "INTERNAL" {
		t.Fatalf("CodeOf(nil) = %q, want INTERNAL", got)
	}
}

func TestWrapErrKeepsCode(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrPersistFailed.WrapErr(cause)

	if !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("wrapped error should match ErrPersistFailed")
	}
	if got := CodeOf(err); got != ErrPersistFailed.Code {
		t.Fatalf("CodeOf = %q, want %q", got, ErrPersistFailed.Code)
	}
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	before := ErrNotInRoom.Error()
	detailed := ErrNotInRoom.WithDetail("room=general")
	if ErrNotInRoom.Error() != before {
		t.Fatalf("sentinel mutated by WithDetail")
	}
	if detailed == ErrNotInRoom {
		t.Fatalf("WithDetail must return a copy")
	}
	if !errors.Is(detailed, ErrNotInRoom) {
		t.Fatalf("detailed error should still match its sentinel by code")
	}
}

func TestWrappedThroughFmt(t *testing.T) {
	err := fmt.Errorf("handler: %w", ErrBadFrame)
	if CodeOf(err) != "BAD_FRAME" {
		t.Fatalf("CodeOf through fmt wrap = %q", CodeOf(err))
	}
}
