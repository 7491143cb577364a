package scanner

import (
	"slices"
	"strings"
	"time"

	"hashsentry/hasher"
)

// State is the scan lifecycle.
type State int32

const (
	StateIdle State = iota
	StateWalking
	StateHashing
	StateMatching
	StateCompleted
	StateAborted
	StateFailed
)

var stateNames = [...]string{"idle", "walking", "hashing", "matching", "completed", "aborted", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Progress is a point-in-time view of a running scan.
type Progress struct {
	State   State `json:"state"`
	Scanned int64 `json:"scanned"`
	Dirty   int64 `json:"dirty"`
	Errors  int64 `json:"errors"`
}

// Result is the outcome of one scan. It is never modified after the scan
// reaches a terminal state.
type Result struct {
	ID              string           `json:"id"`
	Root            string           `json:"root"`
	State           State            `json:"state"`
	Dirty           []FileRecord     `json:"dirty"`
	Errors          []FileRecord     `json:"errors"`
	FilesScanned    int64            `json:"files_scanned"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	DatabaseVersion uint64           `json:"database_version"`
	Algorithm       hasher.Algorithm `json:"algorithm"`
}

// Clean returns the number of scanned files that neither matched nor failed.
func (r *Result) Clean() int64 {
	return r.FilesScanned - int64(len(r.Dirty)) - int64(r.readErrors())
}

func (r *Result) readErrors() int {
	n := 0
	for i := range r.Errors {
		if r.Errors[i].ErrorKind == ErrorKindRead {
			n++
		}
	}
	return n
}

// Duration is the wall time between start and finish.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func sortRecords(records []FileRecord) {
	slices.SortFunc(records, func(a, b FileRecord) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(string(a.ErrorKind), string(b.ErrorKind))
	})
}
