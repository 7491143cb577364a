package signatures

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"hashsentry/hasher"
)

const benchmarkEntries = 200_000

func benchmarkDigest(i int, salt byte) []byte {
	var seed [9]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(i))
	seed[8] = salt
	sum := sha256.Sum256(seed[:])
	return sum[:]
}

func benchmarkSnapshot(b *testing.B) *Snapshot {
	b.Helper()
	db := &Database{Version: 1, Algorithm: hasher.SHA256, Entries: make([]Entry, benchmarkEntries)}
	for i := range db.Entries {
		db.Entries[i] = Entry{Hash: benchmarkDigest(i, 0), Label: "Bench"}
	}
	snap, err := NewSnapshot(db)
	if err != nil {
		b.Fatalf("snapshot: %v", err)
	}
	return snap
}

func benchmarkMisses() [][]byte {
	misses := make([][]byte, 4096)
	for i := range misses {
		misses[i] = benchmarkDigest(i, 1)
	}
	return misses
}

// Clean files are the common case, so most lookups miss.
func BenchmarkSnapshotLookupMiss(b *testing.B) {
	snap := benchmarkSnapshot(b)
	misses := benchmarkMisses()

	b.ReportAllocs()
	i := 0
	for b.Loop() {
		if _, ok := snap.Lookup(misses[i%len(misses)]); ok {
			b.Fatal("unexpected hit")
		}
		i++
	}
}

func BenchmarkMapLookupMiss(b *testing.B) {
	snap := benchmarkSnapshot(b)
	misses := benchmarkMisses()

	b.ReportAllocs()
	i := 0
	for b.Loop() {
		if _, ok := snap.labels[string(misses[i%len(misses)])]; ok {
			b.Fatal("unexpected hit")
		}
		i++
	}
}

func BenchmarkSnapshotLookupHit(b *testing.B) {
	snap := benchmarkSnapshot(b)
	hits := make([][]byte, 4096)
	for i := range hits {
		hits[i] = benchmarkDigest(i, 0)
	}

	b.ReportAllocs()
	i := 0
	for b.Loop() {
		if _, ok := snap.Lookup(hits[i%len(hits)]); !ok {
			b.Fatal("expected hit")
		}
		i++
	}
}
