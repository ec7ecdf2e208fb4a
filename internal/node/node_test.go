package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	n1, err := New(dir, "auto")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n1.ID().IsZero() {
		t.Fatal("expected non-zero node ID")
	}

	// Second open of the same dir must return the same identity.
	n2, err := New(dir, "auto")
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	if n1.ID() != n2.ID() {
		t.Errorf("node ID not stable across opens: %s vs %s", n1.ID(), n2.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, nodeIDFile))
	if err != nil {
		t.Fatalf("read id file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != string(n1.ID()) {
		t.Errorf("persisted id = %q, want %q", got, n1.ID())
	}
}

func TestNew_Override(t *testing.T) {
	override := MustNewID()
	n, err := New(t.TempDir(), override)
	if err != nil {
		t.Fatalf("New with override: %v", err)
	}
	if string(n.ID()) != override {
		t.Errorf("ID = %s, want %s", n.ID(), override)
	}
}

func TestNew_InvalidOverride(t *testing.T) {
	if _, err := New(t.TempDir(), "not-a-ulid"); err == nil {
		t.Fatal("expected error for invalid override")
	}
}

func TestNewID_MonotonicWithinProcess(t *testing.T) {
	prev := MustNewID()
	for i := 0; i < 100; i++ {
		next := MustNewID()
		if next <= prev {
			t.Fatalf("IDs not monotone: %s then %s", prev, next)
		}
		prev = next
	}
}
