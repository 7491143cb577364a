package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hashsentry/config"
	"hashsentry/hasher"
	"hashsentry/logger"
	"hashsentry/signatures"
)

func init() {
	logger.Init("error")
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	t.Setenv("HASHSENTRY_DISABLE_PROGRESS", "1")
	dir := t.TempDir()
	sum := sha256.Sum256([]byte("B"))
	db := &signatures.Database{
		Version:   1,
		Algorithm: hasher.SHA256,
		Entries:   []signatures.Entry{{Hash: sum[:], Label: "Trojan.B"}},
	}
	dbPath := filepath.Join(dir, "signatures.hsdb")
	if err := signatures.WriteFile(dbPath, db); err != nil {
		t.Fatalf("write db: %v", err)
	}
	return &config.Config{
		Path:             root,
		DatabaseFile:     dbPath,
		ConcurrencyLevel: 2,
		FollowSymlinks:   true,
		ProgressInterval: 10 * time.Millisecond,
		UpdateTimeout:    time.Second,
		MaxDownloadBytes: 1 << 20,
		OutputFileName:   filepath.Join(dir, "report.ndjson"),
		DiagDir:          dir,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRunReportsDirtyFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "A")
	writeFile(t, filepath.Join(root, "b.bin"), "B")
	cfg := testConfig(t, root)

	if code := run(context.Background(), cfg); code != exitDirty {
		t.Fatalf("expected exit code %d, got %d", exitDirty, code)
	}
	report, err := os.ReadFile(cfg.OutputFileName)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	text := string(report)
	for _, want := range []string{`"record_type":"scan_started"`, `"record_type":"dirty_file"`, `"record_type":"scan_finished"`, "Trojan.B"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %s:\n%s", want, text)
		}
	}
}

func TestRunCleanTreeWithCount(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "A")
	cfg := testConfig(t, root)
	cfg.SkipCount = false

	if code := run(context.Background(), cfg); code != exitClean {
		t.Fatalf("expected exit code %d, got %d", exitClean, code)
	}
}

func TestRunCanceledContextAborts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "A")
	cfg := testConfig(t, root)
	cfg.SkipCount = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := run(ctx, cfg); code != exitAborted {
		t.Fatalf("expected exit code %d, got %d", exitAborted, code)
	}
}

func TestRunMissingDatabaseFails(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.DatabaseFile = filepath.Join(t.TempDir(), "missing.hsdb")
	if code := run(context.Background(), cfg); code != exitFailure {
		t.Fatalf("expected exit code %d, got %d", exitFailure, code)
	}
}

func TestRunMissingRootFails(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "gone"))
	cfg.SkipCount = true
	if code := run(context.Background(), cfg); code != exitFailure {
		t.Fatalf("expected exit code %d, got %d", exitFailure, code)
	}
}

func countingMirror(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func TestRunImportSkipsReportAndStartupUpdate(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ts, hits := countingMirror(t)
	cfg.MirrorURL = ts.URL
	cfg.UpdateOnStart = true

	sum := sha256.Sum256([]byte("C"))
	feed := filepath.Join(t.TempDir(), "feed.txt")
	writeFile(t, feed, "# version: 5\n"+hex.EncodeToString(sum[:])+" Trojan.C\n")
	cfg.ImportFile = feed

	if code := run(context.Background(), cfg); code != exitClean {
		t.Fatalf("expected exit code %d, got %d", exitClean, code)
	}
	if hits.Load() != 0 {
		t.Fatalf("import contacted the mirror %d times", hits.Load())
	}
	if _, err := os.Stat(cfg.OutputFileName); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("import created a report file: %v", err)
	}
	db, err := signatures.ReadFile(cfg.DatabaseFile)
	if err != nil || db.Version != 5 {
		t.Fatalf("feed not installed: %v", err)
	}
}

func TestRunUpdateOnlySkipsReport(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ts, hits := countingMirror(t)
	cfg.MirrorURL = ts.URL
	cfg.UpdateOnly = true

	if code := run(context.Background(), cfg); code != exitFailure {
		t.Fatalf("expected exit code %d, got %d", exitFailure, code)
	}
	if hits.Load() == 0 {
		t.Fatal("update-only run never contacted the mirror")
	}
	if _, err := os.Stat(cfg.OutputFileName); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("update-only run created a report file: %v", err)
	}
}

func TestProgressVisible(t *testing.T) {
	t.Setenv("HASHSENTRY_DISABLE_PROGRESS", "yes")
	if progressVisible() {
		t.Fatal("expected progress to be hidden")
	}
	t.Setenv("HASHSENTRY_DISABLE_PROGRESS", "")
	if !progressVisible() {
		t.Fatal("expected progress to be visible")
	}
}
