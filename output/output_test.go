package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hashsentry/config"
	"hashsentry/hasher"
	"hashsentry/scanner"
	"hashsentry/update"
)

type ndjsonTestRecord struct {
	RecordType    string          `json:"record_type"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

const sampleHash = "df7e70e5021544f4834bbee64a9e3789febc4be81470df629cad6ddb03320a5c"

func sampleDirty() scanner.FileRecord {
	return scanner.FileRecord{
		Path:          "/srv/data/payload.bin",
		Size:          42,
		Hash:          sampleHash,
		Status:        scanner.StatusMatched,
		Label:         "Trojan.Test",
		MimeType:      "unknown",
		VirusTotalURL: scanner.VirusTotalURL(sampleHash),
	}
}

func sampleResult() *scanner.Result {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &scanner.Result{
		ID:    "scan-1",
		Root:  "/srv/data",
		State: scanner.StateCompleted,
		Dirty: []scanner.FileRecord{sampleDirty()},
		Errors: []scanner.FileRecord{{
			Path:      "/srv/data/locked.bin",
			Status:    scanner.StatusError,
			ErrorKind: scanner.ErrorKindRead,
			Error:     "permission denied",
		}},
		FilesScanned:    5,
		StartedAt:       start,
		FinishedAt:      start.Add(1500 * time.Millisecond),
		DatabaseVersion: 7,
		Algorithm:       hasher.SHA256,
	}
}

func newTestWriter(t *testing.T, name string) *Writer {
	t.Helper()
	cfg := &config.Config{OutputFileName: filepath.Join(t.TempDir(), name)}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return w
}

func readNDJSONRecords(t *testing.T, path string) []ndjsonTestRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var records []ndjsonTestRecord
	lines := bufio.NewScanner(f)
	for lines.Scan() {
		var rec ndjsonTestRecord
		if err := json.Unmarshal(lines.Bytes(), &rec); err != nil {
			t.Fatalf("decode line %q: %v", lines.Text(), err)
		}
		records = append(records, rec)
	}
	if err := lines.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return records
}

func TestScanFinishedWritesRecords(t *testing.T) {
	w := newTestWriter(t, "report.ndjson")
	if err := w.ScanFinished(sampleResult()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readNDJSONRecords(t, w.Path())
	if len(records) != 3 {
		t.Fatalf("expected dirty, error and summary records, got %d", len(records))
	}
	wantTypes := []string{RecordDirtyFile, RecordErrorFile, RecordScanFinished}
	for i, rec := range records {
		if rec.RecordType != wantTypes[i] {
			t.Fatalf("record %d: expected %s, got %s", i, wantTypes[i], rec.RecordType)
		}
		if rec.SchemaVersion != SchemaVersion {
			t.Fatalf("unexpected schema version: %s", rec.SchemaVersion)
		}
		if rec.Timestamp.IsZero() {
			t.Fatalf("record %d has no timestamp", i)
		}
	}

	var dirty FileEvent
	if err := json.Unmarshal(records[0].Payload, &dirty); err != nil {
		t.Fatalf("decode dirty: %v", err)
	}
	if dirty.ScanID != "scan-1" || dirty.Name != "payload.bin" || dirty.Label != "Trojan.Test" || dirty.Path != sampleDirty().Path {
		t.Fatalf("unexpected dirty payload: %+v", dirty)
	}
	if dirty.VirusTotalURL != "https://virustotal.com/gui/search/"+sampleHash {
		t.Fatalf("unexpected virustotal link: %q", dirty.VirusTotalURL)
	}

	var summary map[string]interface{}
	if err := json.Unmarshal(records[2].Payload, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary["state"] != "completed" || summary["clean"] != float64(3) || summary["duration_ms"] != float64(1500) {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func TestDatabaseUpdatedRecord(t *testing.T) {
	w := newTestWriter(t, "report.ndjson")
	res := update.Result{Success: false, PreviousVersion: 2, Err: errors.New("mirror unreachable")}
	if err := w.DatabaseUpdated(res); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	records := readNDJSONRecords(t, w.Path())
	if len(records) != 1 || records[0].RecordType != RecordDatabaseUpdate {
		t.Fatalf("unexpected records: %+v", records)
	}
	var summary UpdateSummary
	if err := json.Unmarshal(records[0].Payload, &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Error != "mirror unreachable" || summary.PreviousVersion != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestCSVReport(t *testing.T) {
	w := newTestWriter(t, "report.csv")
	if err := w.ScanFinished(sampleResult()); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "record_type" || len(rows[0]) != len(csvHeader) {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][0] != RecordDirtyFile || rows[1][4] != sampleDirty().Path || rows[1][7] != "Trojan.Test" || rows[1][9] != "42" {
		t.Fatalf("unexpected dirty row: %v", rows[1])
	}
	if rows[2][12] != "read" || rows[2][13] != "permission denied" {
		t.Fatalf("unexpected error row: %v", rows[2])
	}
	if rows[1][14] != sampleDirty().VirusTotalURL {
		t.Fatalf("dirty row missing virustotal link: %v", rows[1])
	}
	if rows[3][0] != RecordScanFinished || !strings.Contains(rows[3][15], `"files_scanned":5`) {
		t.Fatalf("unexpected summary row: %v", rows[3])
	}
}

func TestWriteAfterClose(t *testing.T) {
	w := newTestWriter(t, "report.ndjson")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := w.DatabaseUpdated(update.Result{}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewRequiresFileName(t *testing.T) {
	if _, err := New(&config.Config{}); err == nil {
		t.Fatal("expected error without output file name")
	}
	cfg := &config.Config{OutputFileName: filepath.Join(t.TempDir(), "nested", "dir", "report.ndjson")}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("expected nested directories to be created: %v", err)
	}
	w.Close()
}
