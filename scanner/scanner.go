// Package scanner walks a directory tree, hashes every regular file and
// matches the digests against a signature snapshot in the background.
package scanner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"hashsentry/hasher"
	"hashsentry/logger"
	"hashsentry/signatures"
	"hashsentry/utils"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrRootNotFound is returned by Start when the scan root does not exist.
	ErrRootNotFound = errors.New("scan root not found")
	// ErrScanRunning is returned when a result is requested before the scan ends.
	ErrScanRunning = errors.New("scan still running")
	// ErrCanceled is the outcome of a scan stopped by its caller.
	ErrCanceled = errors.New("scan canceled")
)

const DefaultProgressInterval = 250 * time.Millisecond

// Digester computes file digests.
type Digester interface {
	Digest(path string, algo hasher.Algorithm) ([]byte, error)
}

// SnapshotSource provides the signature snapshot a scan binds at start.
type SnapshotSource interface {
	Snapshot() (*signatures.Snapshot, error)
}

// Options tunes the scan pipeline.
type Options struct {
	Concurrency      int
	MaxIOPerSecond   int
	FollowSymlinks   bool
	Filter           *utils.PathFilter
	MaxFileSize      int64
	ProgressInterval time.Duration
}

// Orchestrator starts scans.
type Orchestrator struct {
	store    SnapshotSource
	digester Digester
	opts     Options
}

// New returns an orchestrator. Non-positive concurrency uses one worker per
// CPU; a zero progress interval uses DefaultProgressInterval.
func New(store SnapshotSource, digester Digester, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Orchestrator{store: store, digester: digester, opts: opts}
}

// Start validates root, binds the current signature snapshot and launches
// the scan. A missing root or an unloaded database fail here, before any
// walking, and no handle is created.
func (o *Orchestrator) Start(ctx context.Context, root string) (*Handle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &PathError{Path: root, Op: "abs", Err: err}
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, abs)
		}
		return nil, &PathError{Path: abs, Op: "stat", Err: err}
	}
	snap, err := o.store.Snapshot()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	h := newHandle(uuid.NewString(), abs, snap, cancel)
	logger.WithFields(map[string]interface{}{
		"scan_id":  h.id,
		"root":     abs,
		"database": snap.Version(),
	}).Info("Scan started")
	go o.run(scanCtx, h)
	return h, nil
}

func (o *Orchestrator) run(ctx context.Context, h *Handle) {
	defer h.cancel()
	h.setState(StateWalking)

	stopReporter := make(chan struct{})
	var reporterWG sync.WaitGroup
	reporterWG.Add(1)
	go func() {
		defer reporterWG.Done()
		ticker := time.NewTicker(o.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopReporter:
				return
			case <-ticker.C:
				h.publish()
			}
		}
	}()

	var ioLimiter *rate.Limiter
	if o.opts.MaxIOPerSecond > 0 {
		ioLimiter = rate.NewLimiter(rate.Limit(o.opts.MaxIOPerSecond), o.opts.MaxIOPerSecond)
	}

	filesChan := make(chan Entry, o.opts.Concurrency)
	walker := NewWalker(o.opts.FollowSymlinks)

	go func() {
		defer close(filesChan)
		for entry, err := range walker.Files(ctx, h.root) {
			if err != nil {
				h.addError(pathErrorRecord(err))
				logger.Debugf("Failed to access: %v", err)
				continue
			}
			if o.opts.Filter.Excluded(entry.Path) {
				continue
			}
			if o.opts.MaxFileSize > 0 && entry.Info.Size() > o.opts.MaxFileSize {
				continue
			}
			if ioLimiter != nil {
				if err := ioLimiter.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case filesChan <- entry:
			}
		}
		if ctx.Err() == nil {
			h.state.CompareAndSwap(int32(StateWalking), int32(StateHashing))
		}
	}()

	var wg sync.WaitGroup
	for range o.opts.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range filesChan {
				if ctx.Err() != nil {
					// Drain without starting new work.
					continue
				}
				o.processFile(h, entry)
			}
		}()
	}
	wg.Wait()

	aborted := ctx.Err() != nil
	if !aborted {
		h.setState(StateMatching)
	}
	close(stopReporter)
	reporterWG.Wait()

	final := StateCompleted
	if aborted {
		final = StateAborted
	}
	h.finish(final)

	logger.WithFields(map[string]interface{}{
		"scan_id": h.id,
		"state":   final.String(),
		"scanned": h.result.FilesScanned,
		"dirty":   len(h.result.Dirty),
		"errors":  len(h.result.Errors),
	}).Info("Scan finished")
}

func (o *Orchestrator) processFile(h *Handle, entry Entry) {
	defer h.scanned.Add(1)
	rec := FileRecord{
		Path:    entry.Path,
		Size:    entry.Info.Size(),
		ModTime: entry.Info.ModTime().UTC(),
		Status:  StatusPending,
	}

	digest, err := o.digester.Digest(entry.Path, h.snap.Algorithm())
	if err != nil {
		rec.Status = StatusError
		rec.ErrorKind = ErrorKindRead
		rec.Error = err.Error()
		h.addError(rec)
		logger.Debugf("Failed to hash %s: %v", entry.Path, err)
		return
	}
	rec.Hash = hex.EncodeToString(digest)
	rec.Status = StatusHashed

	label, ok := h.snap.Lookup(digest)
	if !ok {
		rec.Status = StatusClean
		return
	}
	rec.Status = StatusMatched
	rec.Label = label
	rec.ChangeTime = changeTime(entry.Path)
	if mime, err := mimeType(entry.Path); err == nil {
		rec.MimeType = mime
	}
	rec.VirusTotalURL = o.virusTotalURL(entry.Path, h.snap.Algorithm(), rec.Hash)
	h.addDirty(rec)
	logger.WithFields(map[string]interface{}{
		"path":  rec.Path,
		"hash":  rec.Hash,
		"label": rec.Label,
	}).Warn("Signature match")
}

// virusTotalURL links a match to VirusTotal, which is keyed by sha256. Other
// database algorithms cost one extra read of the matched file.
func (o *Orchestrator) virusTotalURL(path string, algo hasher.Algorithm, hexDigest string) string {
	if algo == hasher.SHA256 {
		return VirusTotalURL(hexDigest)
	}
	sum, err := o.digester.Digest(path, hasher.SHA256)
	if err != nil {
		logger.Debugf("Failed to compute sha256 of %s: %v", path, err)
		return ""
	}
	return VirusTotalURL(hex.EncodeToString(sum))
}

func pathErrorRecord(err error) FileRecord {
	rec := FileRecord{
		Status:    StatusError,
		ErrorKind: ErrorKindPath,
		Error:     err.Error(),
	}
	var pathErr *PathError
	if errors.As(err, &pathErr) {
		rec.Path = pathErr.Path
	}
	return rec
}

// Err returns ErrCanceled for an aborted scan and nil otherwise.
func (r *Result) Err() error {
	if r.State == StateAborted {
		return ErrCanceled
	}
	return nil
}
