package signatures

import (
	"fmt"
	"slices"
	"time"

	"hashsentry/hasher"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
)

// Snapshot is an immutable lookup index over one Database. Lookups first
// consult an xor filter keyed by xxhash of the digest; only filter hits touch
// the label map.
type Snapshot struct {
	version   uint64
	created   time.Time
	source    string
	algorithm hasher.Algorithm
	filter    *xorfilter.Xor8
	labels    map[string]string
}

// NewSnapshot validates db and builds its index. db is not retained.
func NewSnapshot(db *Database) (*Snapshot, error) {
	if db == nil {
		return nil, &LoadError{Err: ErrNotLoaded}
	}
	size := db.Algorithm.Size()
	if size == 0 {
		return nil, loadErrorf("unsupported hash algorithm %q", string(db.Algorithm))
	}

	labels := make(map[string]string, len(db.Entries))
	keys := make([]uint64, 0, len(db.Entries))
	for i, entry := range db.Entries {
		if len(entry.Hash) != size {
			return nil, loadErrorf("entry %d: %s digest must be %d bytes, got %d", i, db.Algorithm, size, len(entry.Hash))
		}
		key := string(entry.Hash)
		if _, dup := labels[key]; dup {
			return nil, loadErrorf("entry %d: duplicate hash %s", i, entry.HexHash())
		}
		labels[key] = entry.Label
		keys = append(keys, xxhash.Sum64(entry.Hash))
	}

	snap := &Snapshot{
		version:   db.Version,
		created:   db.Created,
		source:    db.Source,
		algorithm: db.Algorithm,
		labels:    labels,
	}
	if len(keys) > 0 {
		// Distinct digests can share an xxhash value; the filter needs unique keys.
		slices.Sort(keys)
		keys = slices.Compact(keys)
		filter, err := xorfilter.Populate(keys)
		if err != nil {
			return nil, loadErrorf("build index: %v", err)
		}
		snap.filter = filter
	}
	return snap, nil
}

// Contains reports whether digest is a known-bad hash.
func (s *Snapshot) Contains(digest []byte) bool {
	_, ok := s.Lookup(digest)
	return ok
}

// Lookup returns the label for digest and whether it is present. Present
// entries without a label return "".
func (s *Snapshot) Lookup(digest []byte) (string, bool) {
	if s == nil || s.filter == nil {
		return "", false
	}
	if !s.filter.Contains(xxhash.Sum64(digest)) {
		return "", false
	}
	label, ok := s.labels[string(digest)]
	return label, ok
}

// ContainsHex is Contains for a hex-encoded digest. Malformed hex is absent.
func (s *Snapshot) ContainsHex(digest string) bool {
	raw, err := ParseHex(digest)
	if err != nil {
		return false
	}
	return s.Contains(raw)
}

// LookupHex is Lookup for a hex-encoded digest.
func (s *Snapshot) LookupHex(digest string) (string, bool) {
	raw, err := ParseHex(digest)
	if err != nil {
		return "", false
	}
	return s.Lookup(raw)
}

func (s *Snapshot) Len() int                    { return len(s.labels) }
func (s *Snapshot) Version() uint64             { return s.version }
func (s *Snapshot) Created() time.Time          { return s.created }
func (s *Snapshot) Source() string              { return s.source }
func (s *Snapshot) Algorithm() hasher.Algorithm { return s.algorithm }

// Database materializes the snapshot back into a sorted Database.
func (s *Snapshot) Database() *Database {
	db := &Database{
		Version:   s.version,
		Created:   s.created,
		Source:    s.source,
		Algorithm: s.algorithm,
		Entries:   make([]Entry, 0, len(s.labels)),
	}
	for key, label := range s.labels {
		db.Entries = append(db.Entries, Entry{Hash: []byte(key), Label: label})
	}
	db.Sort()
	return db
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("signatures v%d (%s, %d entries, source %q)", s.version, s.algorithm, len(s.labels), s.source)
}
