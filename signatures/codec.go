package signatures

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"hashsentry/hasher"

	"github.com/cespare/xxhash/v2"
)

// Native file layout:
//
//	"HSDB" formatVersion
//	uvarint version | varint created (unix seconds, 0 = unset)
//	string algorithm | string source | uvarint count
//	count x (bytes hash | string label)
//	uint64 big-endian xxhash64 of everything above
//
// Strings and byte fields are uvarint length prefixed.
const (
	magic         = "HSDB"
	formatVersion = 1

	maxMetaLen  = 4096
	maxHashLen  = 128
	maxLabelLen = 4096
	maxPrealloc = 1 << 16
)

// Encode writes db in the native format.
func Encode(w io.Writer, db *Database) error {
	digest := xxhash.New()
	bw := bufio.NewWriterSize(io.MultiWriter(w, digest), 256*1024)
	var scratch [binary.MaxVarintLen64]byte

	putUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		_, _ = bw.Write(scratch[:n])
	}
	putBytes := func(b []byte) {
		putUvarint(uint64(len(b)))
		_, _ = bw.Write(b)
	}

	_, _ = bw.WriteString(magic)
	_ = bw.WriteByte(formatVersion)
	putUvarint(db.Version)
	var created int64
	if !db.Created.IsZero() {
		created = db.Created.Unix()
	}
	n := binary.PutVarint(scratch[:], created)
	_, _ = bw.Write(scratch[:n])
	putBytes([]byte(db.Algorithm))
	putBytes([]byte(db.Source))
	putUvarint(uint64(len(db.Entries)))
	for _, entry := range db.Entries {
		putBytes(entry.Hash)
		putBytes([]byte(entry.Label))
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], digest.Sum64())
	_, err := w.Write(trailer[:])
	return err
}

// hashingReader feeds every consumed byte into the running checksum.
type hashingReader struct {
	r      *bufio.Reader
	digest *xxhash.Digest
}

func (h *hashingReader) ReadByte() (byte, error) {
	b, err := h.r.ReadByte()
	if err == nil {
		_, _ = h.digest.Write([]byte{b})
	}
	return b, err
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	_, _ = h.digest.Write(p[:n])
	return n, err
}

func (h *hashingReader) readField(limit uint64, what string) ([]byte, error) {
	size, err := binary.ReadUvarint(h)
	if err != nil {
		return nil, fmt.Errorf("read %s length: %w", what, unexpected(err))
	}
	if size > limit {
		return nil, fmt.Errorf("%s length %d exceeds limit %d", what, size, limit)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(h, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", what, unexpected(err))
	}
	return buf, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Decode reads a native-format database. Any structural problem, checksum
// mismatch or trailing data is reported as a *LoadError.
func Decode(r io.Reader) (*Database, error) {
	db, err := decode(r)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	return db, nil
}

func decode(r io.Reader) (*Database, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	hr := &hashingReader{r: br, digest: xxhash.New()}

	header := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(hr, header); err != nil {
		return nil, fmt.Errorf("read header: %w", unexpected(err))
	}
	if !bytes.Equal(header[:len(magic)], []byte(magic)) {
		return nil, errors.New("not a signature database (bad magic)")
	}
	if header[len(magic)] != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", header[len(magic)])
	}

	version, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", unexpected(err))
	}
	created, err := binary.ReadVarint(hr)
	if err != nil {
		return nil, fmt.Errorf("read created: %w", unexpected(err))
	}
	algo, err := hr.readField(maxMetaLen, "algorithm")
	if err != nil {
		return nil, err
	}
	source, err := hr.readField(maxMetaLen, "source")
	if err != nil {
		return nil, err
	}
	count, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, fmt.Errorf("read entry count: %w", unexpected(err))
	}

	db := &Database{
		Version:   version,
		Source:    string(source),
		Algorithm: hasher.Algorithm(algo),
		Entries:   make([]Entry, 0, min(count, maxPrealloc)),
	}
	if created != 0 {
		db.Created = time.Unix(created, 0).UTC()
	}
	for i := uint64(0); i < count; i++ {
		hash, err := hr.readField(maxHashLen, "hash")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		label, err := hr.readField(maxLabelLen, "label")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		db.Entries = append(db.Entries, Entry{Hash: hash, Label: string(label)})
	}

	want := hr.digest.Sum64()
	var trailer [8]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, fmt.Errorf("read checksum: %w", unexpected(err))
	}
	if got := binary.BigEndian.Uint64(trailer[:]); got != want {
		return nil, fmt.Errorf("checksum mismatch: stored %016x, computed %016x", got, want)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, errors.New("trailing data after checksum")
	}
	return db, nil
}

// ReadFile decodes the native database at path.
func ReadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()
	db, err := Decode(f)
	if err != nil {
		return nil, withPath(err, path)
	}
	return db, nil
}

// WriteFile encodes db to a temporary file next to path, syncs it and renames
// it over path, so readers only ever see a complete file.
func WriteFile(path string, db *Database) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := Encode(tmp, db); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	return nil
}
