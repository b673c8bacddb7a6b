package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAlreadyTakenIsInvalidTransition(t *testing.T) {
	err := New(KindAlreadyTaken, "ride %s taken", "r1")
	if !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("expected AlreadyTaken match")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AlreadyTaken should also match InvalidTransition")
	}
	if errors.Is(ErrInvalidTransition, ErrAlreadyTaken) {
		t.Fatalf("InvalidTransition must not match AlreadyTaken")
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("handler: %w", Forbidden("not yours"))
	if got := KindOf(err); got != KindForbidden {
		t.Fatalf("expected forbidden, got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("expected timeout, got %s", got)
	}
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("expected internal, got %s", got)
	}
}

func TestFromStoreAndPublic(t *testing.T) {
	err := FromStore(fmt.Errorf("query: %w", context.DeadlineExceeded))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if Public(err) != ErrTimeout.Msg {
		t.Fatalf("unexpected public message %q", Public(err))
	}
	internal := FromStore(errors.New("connection refused on 10.0.0.3"))
	if Public(internal) != ErrInternal.Msg {
		t.Fatalf("internal detail leaked: %q", Public(internal))
	}
	if Public(NotFound("ride not found")) != "ride not found" {
		t.Fatalf("expected domain message")
	}
}
