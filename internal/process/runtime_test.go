package process

import (
	"errors"
	"testing"
)

func TestRuntimes(t *testing.T) {
	requireUnix(t)
	r := Runtimes{"sh": "sh"}
	if err := r.Validate("sh"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := r.Validate("3.9"); !errors.Is(err, ErrUnknownRuntime) {
		t.Fatalf("expected unknown default runtime, got %v", err)
	}
	if err := (Runtimes{"x": "definitely-not-an-interpreter-xyz"}).Validate(""); err == nil {
		t.Fatal("expected lookup failure")
	}
	if err := (Runtimes{}).Validate(""); err == nil {
		t.Fatal("expected error for empty map")
	}
	if _, err := r.Executable("2.7"); !errors.Is(err, ErrUnknownRuntime) {
		t.Fatalf("expected ErrUnknownRuntime, got %v", err)
	}
}
