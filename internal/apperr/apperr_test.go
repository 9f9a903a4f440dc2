package apperr

import (
	"errors"
	"strings"
	"testing"
)

func TestKindsMatchWithErrorsIs(t *testing.T) {
	err := InvalidState("request %s is %s", "r1", "assigned")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected ErrNotFound match")
	}
	if err.Error() != "invalid state: request r1 is assigned" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestInternalHidesCause(t *testing.T) {
	raw := errors.New("pq: connection reset by peer")
	err := Internal(raw, "load request")
	if !errors.Is(err, ErrInternal) || !errors.Is(err, raw) {
		t.Fatalf("expected internal error wrapping cause, got %v", err)
	}
	if strings.Contains(err.Error(), "pq:") {
		t.Fatalf("raw store error leaked: %q", err.Error())
	}
}

func TestInternalKeepsKnownKinds(t *testing.T) {
	orig := Conflict("row changed")
	if got := Internal(orig, "transition"); got != orig {
		t.Fatalf("expected known error passed through, got %v", got)
	}
	if Internal(nil, "noop") != nil {
		t.Fatalf("expected nil for nil cause")
	}
}

func TestKindName(t *testing.T) {
	cases := map[string]error{
		"ok":            nil,
		"not_found":     NotFound("x"),
		"not_eligible":  NotEligible("x"),
		"invalid_state": InvalidState("x"),
		"conflict":      Conflict("x"),
		"internal":      errors.New("boom"),
	}
	for want, err := range cases {
		if got := KindName(err); got != want {
			t.Errorf("KindName(%v) = %q, want %q", err, got, want)
		}
	}
}
