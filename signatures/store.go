package signatures

import (
	"fmt"
	"sync"
	"sync/atomic"

	"hashsentry/logger"
)

// Store owns the active Snapshot. Readers take the current snapshot and keep
// using it; installs replace the pointer wholesale and never mutate a snapshot
// that is already published.
type Store struct {
	active atomic.Pointer[Snapshot]
	// installMu orders version checks against swaps.
	installMu sync.Mutex
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Open loads the database at path into a new store.
func Open(path string) (*Store, error) {
	s := NewStore()
	if err := s.Load(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the database file at path and installs it. On error the
// previously active snapshot stays in place.
func (s *Store) Load(path string) error {
	db, err := ReadFile(path)
	if err != nil {
		return err
	}
	snap, err := NewSnapshot(db)
	if err != nil {
		return withPath(err, path)
	}
	if err := s.Install(snap); err != nil {
		return err
	}
	logger.Infof("Loaded %s from %s", snap, path)
	return nil
}

// Replace indexes db and installs it.
func (s *Store) Replace(db *Database) error {
	snap, err := NewSnapshot(db)
	if err != nil {
		return err
	}
	return s.Install(snap)
}

// Install publishes snap as the active snapshot. A snapshot older than the
// active one is rejected with ErrStaleVersion; an equal version is a no-op.
func (s *Store) Install(snap *Snapshot) error {
	_, err := s.Commit(snap, nil)
	return err
}

// Commit runs persist and then publishes snap, both under the install lock,
// so the file on disk and the active snapshot move together. The version
// check happens first: a stale snapshot fails with ErrStaleVersion and an
// equal one returns false, and persist is not called in either case. When
// persist fails nothing is published.
func (s *Store) Commit(snap *Snapshot, persist func() error) (bool, error) {
	if snap == nil {
		return false, &LoadError{Err: ErrNotLoaded}
	}
	s.installMu.Lock()
	defer s.installMu.Unlock()

	if current := s.active.Load(); current != nil {
		switch {
		case snap.Version() < current.Version():
			return false, fmt.Errorf("%w: have v%d, got v%d", ErrStaleVersion, current.Version(), snap.Version())
		case snap.Version() == current.Version():
			logger.Debugf("Signature database v%d already active", current.Version())
			return false, nil
		}
	}
	if persist != nil {
		if err := persist(); err != nil {
			return false, err
		}
	}
	s.active.Store(snap)
	return true, nil
}

// Snapshot returns the active snapshot, or a *LoadError when nothing is loaded.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := s.active.Load()
	if snap == nil {
		return nil, &LoadError{Err: ErrNotLoaded}
	}
	return snap, nil
}

// Loaded reports whether a snapshot is active.
func (s *Store) Loaded() bool {
	return s.active.Load() != nil
}

// Version returns the active version, or 0 when nothing is loaded.
func (s *Store) Version() uint64 {
	if snap := s.active.Load(); snap != nil {
		return snap.Version()
	}
	return 0
}

// Contains checks digest against the active snapshot.
func (s *Store) Contains(digest []byte) bool {
	return s.active.Load().Contains(digest)
}

// Lookup checks digest against the active snapshot and returns its label.
func (s *Store) Lookup(digest []byte) (string, bool) {
	return s.active.Load().Lookup(digest)
}
