package diag

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hashsentry/scanner"
)

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

type fakeSource struct {
	scanned atomic.Int64
	state   atomic.Int32
}

func (f *fakeSource) ID() string { return "scan-1" }

func (f *fakeSource) Progress() scanner.Progress {
	return scanner.Progress{State: scanner.State(f.state.Load()), Scanned: f.scanned.Load(), Dirty: 1}
}

func fakeProfiles(name string) profileWriter {
	if name == "goroutine" {
		return fakeProfileWriter{content: "goroutine-profile"}
	}
	return nil
}

func TestRunProbeEmitsSlowScanArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	source := &fakeSource{}
	source.scanned.Store(42)
	source.state.Store(int32(scanner.StateHashing))

	controller := NewController(Options{
		SlowScanThreshold: 2 * time.Second,
		Dir:               dir,
		NowFn:             func() time.Time { return now },
		ProfileLookupFn:   fakeProfiles,
	})
	controller.source = source
	controller.lastProgress = 42
	controller.lastProgressAt = now

	controller.runProbe(now.Add(3 * time.Second))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var slowPath string
	var foundProfile bool
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "hashsentry-slow-scan-") && strings.HasSuffix(name, ".json") {
			slowPath = filepath.Join(dir, name)
		}
		if strings.HasPrefix(name, "hashsentry-goroutine-profile-") {
			foundProfile = true
		}
	}
	if slowPath == "" {
		t.Fatal("expected slow-scan artifact")
	}
	if !foundProfile {
		t.Fatal("expected goroutine profile artifact")
	}
	data, err := os.ReadFile(slowPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event["scan_id"] != "scan-1" || event["state"] != "hashing" || event["scanned"] != float64(42) {
		t.Fatalf("unexpected event: %v", event)
	}
	if controller.Dumps() != 1 {
		t.Fatalf("expected 1 dump, got %d", controller.Dumps())
	}

	// A second check inside the threshold window must not dump again.
	controller.runProbe(now.Add(4 * time.Second))
	if controller.Dumps() != 1 {
		t.Fatalf("expected dump to be rate limited, got %d", controller.Dumps())
	}
}

func TestRunProbeResetsOnProgress(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	source.state.Store(int32(scanner.StateHashing))
	controller := NewController(Options{
		SlowScanThreshold: time.Second,
		Dir:               t.TempDir(),
		ProfileLookupFn:   fakeProfiles,
	})
	controller.source = source
	controller.lastProgressAt = now

	source.scanned.Store(10)
	controller.runProbe(now.Add(5 * time.Second))
	if controller.Dumps() != 0 {
		t.Fatal("progress must reset the stall timer")
	}
	if controller.lastProgress != 10 {
		t.Fatalf("expected last progress 10, got %d", controller.lastProgress)
	}
}

func TestRunProbeIgnoresFinishedScan(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	source.state.Store(int32(scanner.StateCompleted))
	controller := NewController(Options{
		SlowScanThreshold: time.Second,
		Dir:               t.TempDir(),
		ProfileLookupFn:   fakeProfiles,
	})
	controller.source = source
	controller.lastProgressAt = now

	controller.runProbe(now.Add(time.Minute))
	if controller.Dumps() != 0 {
		t.Fatal("finished scans must not be reported as stalled")
	}
}

func TestWatchDisabledWithoutThreshold(t *testing.T) {
	controller := NewController(Options{Dir: t.TempDir()})
	controller.Watch(context.Background(), &fakeSource{})
	if controller.stopCh != nil {
		t.Fatal("expected watch to be disabled")
	}
	controller.Close()
}

func TestWatchStopsOnClose(t *testing.T) {
	source := &fakeSource{}
	source.state.Store(int32(scanner.StateHashing))
	controller := NewController(Options{
		SlowScanThreshold: 20 * time.Millisecond,
		Dir:               t.TempDir(),
		ProfileLookupFn:   fakeProfiles,
	})
	controller.Watch(context.Background(), source)
	time.Sleep(100 * time.Millisecond)
	controller.Close()
	if controller.Dumps() == 0 {
		t.Fatal("expected a stalled scan to be reported")
	}
}

func TestWriteProfileAvailableAndUnavailable(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	controller := NewController(Options{
		Dir:             t.TempDir(),
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: fakeProfiles,
	})

	path, err := controller.writeProfile("goroutine", 0)
	if err != nil {
		t.Fatalf("write available profile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written profile: %v", err)
	}
	if string(data) != "goroutine-profile" {
		t.Fatalf("unexpected profile content: %q", string(data))
	}

	if _, err := controller.writeProfile("heap-missing", 0); err == nil {
		t.Fatal("expected unavailable profile to return error")
	}
}

func TestCloseWritesGoroutineLeakProfileWhenEnabled(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	controller := NewController(Options{
		Dir:             dir,
		GoroutineLeak:   true,
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: fakeProfiles,
	})

	controller.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "hashsentry-goroutine-profile-*.pprof"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 goroutine profile file, got %d", len(matches))
	}
}
