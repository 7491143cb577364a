package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"hashsentry/logger"
)

// ErrCycle marks a directory that was not entered because it is already on
// the path from the root.
var ErrCycle = errors.New("directory cycle")

// PathError reports an entry the walker could not enumerate or stat.
type PathError struct {
	Path string
	Op   string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Entry is a regular file produced by the walker.
type Entry struct {
	Path string
	Info fs.FileInfo
}

// Walker enumerates regular files under a root depth-first.
type Walker struct {
	FollowSymlinks bool
}

// NewWalker returns a walker.
func NewWalker(followSymlinks bool) *Walker {
	return &Walker{FollowSymlinks: followSymlinks}
}

type ancestry struct {
	id     string
	parent *ancestry
}

func (a *ancestry) contains(id string) bool {
	for ; a != nil; a = a.parent {
		if a.id == id {
			return true
		}
	}
	return false
}

type dirFrame struct {
	path    string
	parents *ancestry
}

// Files lazily yields the regular files under root. Unreadable entries are
// yielded as *PathError and enumeration continues. The context is checked
// before each directory is opened; once it is done the sequence ends.
func (w *Walker) Files(ctx context.Context, root string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		info, err := os.Stat(root)
		if err != nil {
			yield(Entry{}, &PathError{Path: root, Op: "stat", Err: err})
			return
		}
		if info.Mode().IsRegular() {
			yield(Entry{Path: root, Info: info}, nil)
			return
		}
		if !info.IsDir() {
			return
		}

		stack := []dirFrame{{path: root}}
		for len(stack) > 0 {
			if ctx.Err() != nil {
				return
			}
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			id, err := dirIdentity(current.path)
			if err != nil {
				if !yield(Entry{}, &PathError{Path: current.path, Op: "stat", Err: err}) {
					return
				}
				continue
			}
			if current.parents.contains(id) {
				logger.Warnf("Skipping %v", &PathError{Path: current.path, Op: "enter", Err: ErrCycle})
				continue
			}
			chain := &ancestry{id: id, parent: current.parents}

			// os.ReadDir returns what it managed to read alongside the error.
			entries, err := os.ReadDir(current.path)
			if err != nil {
				if !yield(Entry{}, &PathError{Path: current.path, Op: "readdir", Err: err}) {
					return
				}
			}

			var subdirs []string
			for _, child := range entries {
				path := filepath.Join(current.path, child.Name())
				isDir, entry, err := w.classify(path, child)
				switch {
				case err != nil:
					if !yield(Entry{}, err) {
						return
					}
				case isDir:
					subdirs = append(subdirs, path)
				case entry.Info != nil:
					if !yield(entry, nil) {
						return
					}
				}
			}
			// Reverse push so subdirectories pop in name order.
			for _, dir := range slices.Backward(subdirs) {
				stack = append(stack, dirFrame{path: dir, parents: chain})
			}
		}
	}
}

// classify resolves a directory entry into a subdirectory, a regular file or
// nothing (devices, sockets, FIFOs and unfollowed links).
func (w *Walker) classify(path string, d fs.DirEntry) (bool, Entry, error) {
	typ := d.Type()
	if typ&fs.ModeSymlink != 0 {
		if !w.FollowSymlinks {
			return false, Entry{}, nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return false, Entry{}, &PathError{Path: path, Op: "stat", Err: err}
		}
		if info.IsDir() {
			return true, Entry{}, nil
		}
		if info.Mode().IsRegular() {
			return false, Entry{Path: path, Info: info}, nil
		}
		return false, Entry{}, nil
	}
	if d.IsDir() {
		return true, Entry{}, nil
	}
	if !typ.IsRegular() {
		return false, Entry{}, nil
	}
	info, err := d.Info()
	if err != nil {
		return false, Entry{}, &PathError{Path: path, Op: "lstat", Err: err}
	}
	return false, Entry{Path: path, Info: info}, nil
}
