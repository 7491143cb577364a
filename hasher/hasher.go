package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

const (
	DefaultBufferSize = 64 * 1024
	MinBufferSize     = 4 * 1024
	MaxBufferSize     = 8 * 1024 * 1024
)

var (
	// ErrTruncated means fewer bytes were read than the file reported at open.
	ErrTruncated = errors.New("file truncated during read")
	// ErrModified means the file grew or changed while it was being read.
	ErrModified = errors.New("file modified during read")
)

// Algorithm names a digest algorithm.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm normalizes name and rejects unsupported algorithms.
func ParseAlgorithm(name string) (Algorithm, error) {
	algo := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	switch algo {
	case MD5, SHA1, SHA256, SHA512, BLAKE3:
		return algo, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %q", name)
	}
}

// Size returns the digest length in bytes, or 0 for unknown algorithms.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	case BLAKE3:
		return 32
	default:
		return 0
	}
}

// New returns a fresh streaming accumulator for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", string(a))
	}
}

func (a Algorithm) String() string {
	return string(a)
}

// ReadError reports a file that could not be hashed completely.
type ReadError struct {
	Path string
	Op   string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Hasher computes file digests through a pool of fixed-size read buffers.
// It is safe for concurrent use.
type Hasher struct {
	bufferSize int
	pool       sync.Pool
	// afterChunk runs after each buffer is hashed; tests use it to change the
	// file mid-read.
	afterChunk func(path string, total int64)
}

// New returns a Hasher whose read buffers are bufferSize bytes, clamped to
// [MinBufferSize, MaxBufferSize]. Zero selects DefaultBufferSize.
func New(bufferSize int) *Hasher {
	switch {
	case bufferSize <= 0:
		bufferSize = DefaultBufferSize
	case bufferSize < MinBufferSize:
		bufferSize = MinBufferSize
	case bufferSize > MaxBufferSize:
		bufferSize = MaxBufferSize
	}
	h := &Hasher{bufferSize: bufferSize}
	h.pool.New = func() interface{} {
		buf := make([]byte, h.bufferSize)
		return &buf
	}
	return h
}

// BufferSize returns the size of each pooled read buffer.
func (h *Hasher) BufferSize() int {
	return h.bufferSize
}

// Digest streams the file at path through algo and returns the raw digest.
// Regular files must yield exactly the number of bytes reported when they were
// opened and must be unchanged afterwards; otherwise a *ReadError is returned.
func (h *Hasher) Digest(path string, algo Algorithm) ([]byte, error) {
	acc, err := algo.New()
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Path: path, Op: "open", Err: err}
	}
	defer file.Close()

	before, err := file.Stat()
	if err != nil {
		return nil, &ReadError{Path: path, Op: "stat", Err: err}
	}

	bufPtr := h.pool.Get().(*[]byte)
	defer h.pool.Put(bufPtr)
	buffer := *bufPtr

	var total int64
	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			// hash.Hash.Write never returns an error.
			_, _ = acc.Write(buffer[:n])
			total += int64(n)
			if h.afterChunk != nil {
				h.afterChunk(path, total)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, &ReadError{Path: path, Op: "read", Err: readErr}
		}
	}

	if before.Mode().IsRegular() {
		switch {
		case total < before.Size():
			return nil, &ReadError{Path: path, Op: "read", Err: fmt.Errorf("%w: read %d of %d bytes", ErrTruncated, total, before.Size())}
		case total > before.Size():
			return nil, &ReadError{Path: path, Op: "read", Err: fmt.Errorf("%w: read %d bytes, expected %d", ErrModified, total, before.Size())}
		}
		after, err := file.Stat()
		if err != nil {
			return nil, &ReadError{Path: path, Op: "stat", Err: err}
		}
		if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
			return nil, &ReadError{Path: path, Op: "read", Err: ErrModified}
		}
	}

	return acc.Sum(nil), nil
}

// DigestHex is Digest encoded as canonical lowercase hex.
func (h *Hasher) DigestHex(path string, algo Algorithm) (string, error) {
	sum, err := h.Digest(path, algo)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}
