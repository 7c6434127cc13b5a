package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauseSet(t *testing.T) {
	if err := Guard(nil, "market"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	set := NewPauseSet()
	if err := Guard(set, "market"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	set.Set(" Market ", true)
	if err := Guard(set, "market"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(set, ""); err != nil {
		t.Fatalf("empty module must not be guarded: %v", err)
	}
	set.Set("market", false)
	if set.IsPaused("market") {
		t.Fatalf("expected module to be unpaused")
	}
}
