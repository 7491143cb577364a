package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hashsentry/signatures"
)

// Handle is the caller's view of a scan running in the background.
type Handle struct {
	id        string
	root      string
	snap      *signatures.Snapshot
	startedAt time.Time
	cancel    context.CancelFunc

	state   atomic.Int32
	scanned atomic.Int64
	dirty   atomic.Int64
	errs    atomic.Int64

	mu         sync.Mutex
	dirtyFiles []FileRecord
	errorFiles []FileRecord

	updates chan Progress
	done    chan struct{}
	result  *Result
}

func newHandle(id, root string, snap *signatures.Snapshot, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:        id,
		root:      root,
		snap:      snap,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		updates:   make(chan Progress, 1),
		done:      make(chan struct{}),
	}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Root() string { return h.root }

// DatabaseVersion is the version of the snapshot bound at start.
func (h *Handle) DatabaseVersion() uint64 { return h.snap.Version() }

// Cancel requests a stop. Files already being hashed finish and are recorded;
// nothing new starts. Canceling a finished scan does nothing.
func (h *Handle) Cancel() {
	h.cancel()
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) setState(s State) {
	h.state.Store(int32(s))
}

// Progress returns current counters. Safe to call at any time.
func (h *Handle) Progress() Progress {
	return Progress{
		State:   h.State(),
		Scanned: h.scanned.Load(),
		Dirty:   h.dirty.Load(),
		Errors:  h.errs.Load(),
	}
}

// Updates delivers the latest progress periodically. Only the newest value
// is kept when the reader falls behind. Closed after the final snapshot.
func (h *Handle) Updates() <-chan Progress {
	return h.updates
}

// publish replaces any unread update with the current progress.
func (h *Handle) publish() {
	p := h.Progress()
	select {
	case h.updates <- p:
		return
	default:
	}
	select {
	case <-h.updates:
	default:
	}
	select {
	case h.updates <- p:
	default:
	}
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the scan finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the final result, or ErrScanRunning before the scan ends.
func (h *Handle) Result() (*Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	default:
		return nil, ErrScanRunning
	}
}

func (h *Handle) addDirty(rec FileRecord) {
	h.mu.Lock()
	h.dirtyFiles = append(h.dirtyFiles, rec)
	h.mu.Unlock()
	h.dirty.Add(1)
}

func (h *Handle) addError(rec FileRecord) {
	h.mu.Lock()
	h.errorFiles = append(h.errorFiles, rec)
	h.mu.Unlock()
	h.errs.Add(1)
}

// finish freezes the collected records into the result and releases waiters.
func (h *Handle) finish(state State) {
	h.mu.Lock()
	dirty := append([]FileRecord(nil), h.dirtyFiles...)
	errs := append([]FileRecord(nil), h.errorFiles...)
	h.mu.Unlock()
	sortRecords(dirty)
	sortRecords(errs)

	h.result = &Result{
		ID:              h.id,
		Root:            h.root,
		State:           state,
		Dirty:           dirty,
		Errors:          errs,
		FilesScanned:    h.scanned.Load(),
		StartedAt:       h.startedAt,
		FinishedAt:      time.Now().UTC(),
		DatabaseVersion: h.snap.Version(),
		Algorithm:       h.snap.Algorithm(),
	}
	h.setState(state)
	h.publish()
	close(h.updates)
	close(h.done)
}
