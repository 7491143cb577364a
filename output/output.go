package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"hashsentry/config"
	"hashsentry/logger"
	"hashsentry/scanner"
	"hashsentry/update"
)

// SchemaVersion is stamped on every report record.
const SchemaVersion = "1"

const (
	RecordScanStarted    = "scan_started"
	RecordDirtyFile      = "dirty_file"
	RecordErrorFile      = "error_file"
	RecordScanFinished   = "scan_finished"
	RecordDatabaseUpdate = "database_update"
)

type record struct {
	RecordType    string    `json:"record_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload"`
}

// ScanStarted is the payload of a scan_started record.
type ScanStarted struct {
	ScanID          string    `json:"scan_id"`
	Root            string    `json:"root"`
	DatabaseVersion uint64    `json:"database_version"`
	StartedAt       time.Time `json:"started_at"`
}

// FileEvent is the payload of dirty_file and error_file records.
type FileEvent struct {
	ScanID string `json:"scan_id"`
	Name   string `json:"name"`
	scanner.FileRecord
}

// ScanSummary is the payload of a scan_finished record.
type ScanSummary struct {
	ScanID          string        `json:"scan_id"`
	Root            string        `json:"root"`
	State           scanner.State `json:"state"`
	FilesScanned    int64         `json:"files_scanned"`
	Clean           int64         `json:"clean"`
	Dirty           int           `json:"dirty"`
	Errors          int           `json:"errors"`
	DatabaseVersion uint64        `json:"database_version"`
	Algorithm       string        `json:"algorithm"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	DurationMS      int64         `json:"duration_ms"`
}

// UpdateSummary is the payload of a database_update record.
type UpdateSummary struct {
	Success         bool   `json:"success"`
	Updated         bool   `json:"updated"`
	PreviousVersion uint64 `json:"previous_version"`
	Version         uint64 `json:"version"`
	Entries         int    `json:"entries"`
	Path            string `json:"path,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Writer appends scan report records to a file, as NDJSON or, when the file
// name ends in .csv, as CSV rows. A .pdf file name gets a rendered detection
// report once the scan finishes. Records are mirrored to OTLP when an
// endpoint is configured.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	csvw   *csv.Writer
	mu     sync.Mutex
	otel   *otelLogger
	path   string
	format string
	now    func() time.Time
}

func New(cfg *config.Config) (*Writer, error) {
	if cfg == nil || strings.TrimSpace(cfg.OutputFileName) == "" {
		return nil, fmt.Errorf("output file name is required")
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(cfg.OutputFileName)) {
	case ".csv":
		format = "csv"
	case ".pdf":
		format = "pdf"
	}

	w := &Writer{
		path:   cfg.OutputFileName,
		format: format,
		now:    time.Now,
	}
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else if otel != nil {
		logger.Infof("Exporting report records to %s", otel.Endpoint())
		w.otel = otel
	}
	if err := w.openFile(); err != nil {
		w.otel.Shutdown()
		return nil, err
	}
	return w, nil
}

// Path is the report file being written.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) openFile() error {
	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	if w.format == "csv" {
		w.csvw = csv.NewWriter(w.buf)
		if err := w.csvw.Write(csvHeader); err != nil {
			return err
		}
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			return err
		}
	}
	return w.buf.Flush()
}

// ScanStarted records the beginning of a scan.
func (w *Writer) ScanStarted(h *scanner.Handle) error {
	return w.write(RecordScanStarted, ScanStarted{
		ScanID:          h.ID(),
		Root:            h.Root(),
		DatabaseVersion: h.DatabaseVersion(),
		StartedAt:       w.now().UTC(),
	})
}

// ScanFinished records every dirty and failed file of res followed by the
// summary line.
func (w *Writer) ScanFinished(res *scanner.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range res.Dirty {
		if err := w.writeLocked(RecordDirtyFile, fileEvent(res.ID, res.Dirty[i])); err != nil {
			return err
		}
	}
	for i := range res.Errors {
		if err := w.writeLocked(RecordErrorFile, fileEvent(res.ID, res.Errors[i])); err != nil {
			return err
		}
	}
	if err := w.writeLocked(RecordScanFinished, ScanSummary{
		ScanID:          res.ID,
		Root:            res.Root,
		State:           res.State,
		FilesScanned:    res.FilesScanned,
		Clean:           res.Clean(),
		Dirty:           len(res.Dirty),
		Errors:          len(res.Errors),
		DatabaseVersion: res.DatabaseVersion,
		Algorithm:       string(res.Algorithm),
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
		DurationMS:      res.Duration().Milliseconds(),
	}); err != nil {
		return err
	}
	if w.format == "pdf" {
		return w.renderPDFLocked(res)
	}
	return nil
}

// renderPDFLocked replaces the file contents with the report for res.
func (w *Writer) renderPDFLocked(res *scanner.Result) error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.buf.Reset(w.file)
	if err := writePDF(w.buf, res, w.now()); err != nil {
		return err
	}
	return w.buf.Flush()
}

// DatabaseUpdated records the outcome of a signature update.
func (w *Writer) DatabaseUpdated(res update.Result) error {
	summary := UpdateSummary{
		Success:         res.Success,
		Updated:         res.Updated,
		PreviousVersion: res.PreviousVersion,
		Version:         res.Version,
		Entries:         res.Entries,
		Path:            res.Path,
	}
	if res.Err != nil {
		summary.Error = res.Err.Error()
	}
	return w.write(RecordDatabaseUpdate, summary)
}

func fileEvent(scanID string, rec scanner.FileRecord) FileEvent {
	return FileEvent{ScanID: scanID, Name: filepath.Base(rec.Path), FileRecord: rec}
}

func (w *Writer) write(recordType string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(recordType, payload)
}

func (w *Writer) writeLocked(recordType string, payload any) error {
	if w.file == nil {
		return os.ErrClosed
	}
	ts := w.now().UTC()
	switch w.format {
	case "pdf":
		// Rendered as a whole by ScanFinished.
	case "csv":
		if err := w.csvw.Write(csvRow(recordType, ts, payload)); err != nil {
			return err
		}
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			return err
		}
	default:
		line, err := marshalLine(record{
			RecordType:    recordType,
			SchemaVersion: SchemaVersion,
			Timestamp:     ts,
			Payload:       payload,
		})
		if err != nil {
			return err
		}
		if _, err := w.buf.Write(line); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.otel.Emit(recordType, payload)
	return nil
}

// Close flushes the report and shuts down the OTLP exporter.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if syncErr := w.file.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	w.file = nil
	w.otel.Shutdown()
	return err
}

var csvHeader = []string{
	"record_type",
	"schema_version",
	"timestamp",
	"scan_id",
	"path",
	"status",
	"hash",
	"label",
	"mime_type",
	"size",
	"mod_time",
	"change_time",
	"error_kind",
	"error",
	"virustotal_url",
	"payload",
}

func csvRow(recordType string, ts time.Time, payload any) []string {
	row := make([]string, len(csvHeader))
	row[0] = recordType
	row[1] = SchemaVersion
	row[2] = ts.Format(time.RFC3339Nano)

	event, ok := payload.(FileEvent)
	if !ok {
		row[15] = jsonString(payload)
		return row
	}
	row[3] = event.ScanID
	row[4] = event.Path
	row[5] = string(event.Status)
	row[6] = event.Hash
	row[7] = event.Label
	row[8] = event.MimeType
	if event.Size > 0 {
		row[9] = strconv.FormatInt(event.Size, 10)
	}
	row[10] = formatTime(event.ModTime)
	row[11] = formatTime(event.ChangeTime)
	row[12] = string(event.ErrorKind)
	row[13] = event.Error
	row[14] = event.VirusTotalURL
	return row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func jsonString(value any) string {
	if value == nil {
		return ""
	}
	bytes, err := jsonMarshal(value)
	if err != nil {
		return ""
	}
	return string(bytes)
}
