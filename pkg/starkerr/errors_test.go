package starkerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(Internal, "x", nil) != nil {
		t.Fatal("expected nil wrap of nil error")
	}
}

func TestCategoryOfUnwraps(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(LimitExceeded, "over cap", base)
	outer := fmt.Errorf("outer: %w", wrapped)

	if got := CategoryOf(outer); got != LimitExceeded {
		t.Fatalf("expected %s, got %s", LimitExceeded, got)
	}
	if !Is(outer, LimitExceeded) {
		t.Fatal("expected Is to match through wrapping")
	}
	if !errors.Is(outer, base) {
		t.Fatal("expected errors.Is to reach the base error")
	}
}

func TestCategoryOfDefaultsToInternal(t *testing.T) {
	if got := CategoryOf(errors.New("plain")); got != Internal {
		t.Fatalf("expected Internal, got %s", got)
	}
}
