package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "a", "b.txt")
	outside := filepath.Join(filepath.Dir(root), "outside.txt")

	if !IsPathWithin(child, root) {
		t.Fatalf("expected %s to be within %s", child, root)
	}
	if IsPathWithin(outside, root) {
		t.Fatalf("did not expect %s to be within %s", outside, root)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/db.hsdb"); got != filepath.Join(home, "db.hsdb") {
		t.Fatalf("unexpected expansion: %s", got)
	}
	if got := ExpandHome("/abs/db.hsdb"); got != "/abs/db.hsdb" {
		t.Fatalf("absolute path changed: %s", got)
	}
}

func TestDefaultDatabasePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	want := filepath.Join(home, ".config", "hashsentry", "signatures.hsdb")
	if got := DefaultDatabasePath(); got != want {
		t.Fatalf("unexpected default path: %s", got)
	}
}
