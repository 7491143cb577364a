package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func collect(t *testing.T, w *Walker, root string) ([]string, []error) {
	t.Helper()
	var files []string
	var errs []error
	for entry, err := range w.Files(context.Background(), root) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, entry.Path)
	}
	return files, errs
}

func TestWalkerYieldsRegularFilesDepthFirst(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "2"), "")
	writeFile(t, filepath.Join(root, "a", "1"), "")
	writeFile(t, filepath.Join(root, "top"), "")

	files, errs := collect(t, NewWalker(true), root)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []string{
		filepath.Join(root, "top"),
		filepath.Join(root, "a", "1"),
		filepath.Join(root, "b", "2"),
	}
	if !slices.Equal(files, want) {
		t.Fatalf("unexpected order: %v", files)
	}
}

func TestWalkerSymlinkCycleTerminates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dir", "file"), "x")
	if err := os.Symlink(root, filepath.Join(root, "dir", "loop")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	files, errs := collect(t, NewWalker(true), root)
	if len(errs) != 0 {
		t.Fatalf("cycle must not be an error: %v", errs)
	}
	if len(files) != 1 {
		t.Fatalf("expected the file once, got %v", files)
	}
}

func TestWalkerFollowsFileSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "outside")
	writeFile(t, target, "x")
	if err := os.Symlink(target, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	files, _ := collect(t, NewWalker(true), root)
	if len(files) != 1 {
		t.Fatalf("expected followed link, got %v", files)
	}
	files, _ = collect(t, NewWalker(false), root)
	if len(files) != 0 {
		t.Fatalf("expected link to be skipped, got %v", files)
	}
}

func TestWalkerDanglingSymlinkIsPathError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real"), "x")
	if err := os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "dangling")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	files, errs := collect(t, NewWalker(true), root)
	if len(files) != 1 {
		t.Fatalf("expected sibling to be walked, got %v", files)
	}
	var pathErr *PathError
	if len(errs) != 1 || !errors.As(errs[0], &pathErr) || !errors.Is(errs[0], os.ErrNotExist) {
		t.Fatalf("expected PathError, got %v", errs)
	}
}

func TestWalkerStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "1"), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range NewWalker(true).Files(ctx, root) {
		t.Fatal("canceled walk must not yield")
	}
}

func TestWalkerSingleFileRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "only")
	writeFile(t, path, "x")
	files, errs := collect(t, NewWalker(true), path)
	if len(errs) != 0 || len(files) != 1 || files[0] != path {
		t.Fatalf("unexpected walk: %v %v", files, errs)
	}
}
