// Package signatures holds the known-bad hash database: its on-disk formats,
// the immutable lookup index built from it, and the store that swaps indexes
// atomically.
package signatures

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"hashsentry/hasher"
)

var (
	// ErrNotLoaded is returned when a store has no active database.
	ErrNotLoaded = errors.New("signature database not loaded")
	// ErrStaleVersion is returned when installing a database older than the active one.
	ErrStaleVersion = errors.New("signature database is older than the active version")
)

// Entry is a single known-bad digest with an optional threat label.
type Entry struct {
	Hash  []byte
	Label string
}

// HexHash returns the entry digest as lowercase hex.
func (e Entry) HexHash() string {
	return hex.EncodeToString(e.Hash)
}

// Database is the full, serializable signature set.
type Database struct {
	Version   uint64
	Created   time.Time
	Source    string
	Algorithm hasher.Algorithm
	Entries   []Entry
}

// Sort orders entries by digest so serialized output is deterministic.
func (db *Database) Sort() {
	sort.Slice(db.Entries, func(i, j int) bool {
		return bytes.Compare(db.Entries[i].Hash, db.Entries[j].Hash) < 0
	})
}

// LoadError reports a missing, unreadable or corrupt signature database.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load signatures: %v", e.Err)
	}
	return fmt.Sprintf("load signatures %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadErrorf(format string, args ...interface{}) error {
	return &LoadError{Err: fmt.Errorf(format, args...)}
}

// withPath attaches path to a LoadError produced by a reader that did not know it.
func withPath(err error, path string) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		if loadErr.Path == "" {
			return &LoadError{Path: path, Err: loadErr.Err}
		}
		return err
	}
	return &LoadError{Path: path, Err: err}
}

// ParseHex decodes a hex digest, tolerating surrounding space and upper case.
func ParseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(strings.TrimSpace(s)))
}
