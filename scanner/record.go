package scanner

import "time"

const virusTotalSearchURL = "https://virustotal.com/gui/search/"

// Status is the lifecycle of a single FileRecord within a scan.
type Status string

const (
	StatusPending Status = "pending"
	StatusHashed  Status = "hashed"
	StatusMatched Status = "matched"
	StatusClean   Status = "clean"
	StatusError   Status = "error"
)

// ErrorKind says which stage failed for an error record.
type ErrorKind string

const (
	ErrorKindPath ErrorKind = "path"
	ErrorKindRead ErrorKind = "read"
)

// FileRecord describes one file the scan looked at. Only matched and failed
// files are kept; clean files are counted and dropped.
type FileRecord struct {
	Path          string    `json:"path"`
	Size          int64     `json:"size,omitempty"`
	ModTime       time.Time `json:"mod_time,omitzero"`
	ChangeTime    time.Time `json:"change_time,omitzero"`
	Hash          string    `json:"hash,omitempty"`
	Status        Status    `json:"status"`
	Label         string    `json:"label,omitempty"`
	MimeType      string    `json:"mime_type,omitempty"`
	// VirusTotalURL links a matched file's sha256 to its VirusTotal report.
	VirusTotalURL string    `json:"virustotal_url,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Matched reports whether the record is a signature hit.
func (r *FileRecord) Matched() bool {
	return r != nil && r.Status == StatusMatched
}

// VirusTotalURL returns the VirusTotal search page for a hex digest.
func VirusTotalURL(sha256Hex string) string {
	if sha256Hex == "" {
		return ""
	}
	return virusTotalSearchURL + sha256Hex
}
