package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"hashsentry/logger"
	"hashsentry/scanner"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// ProgressSource is satisfied by *scanner.Handle.
type ProgressSource interface {
	ID() string
	Progress() scanner.Progress
}

type Options struct {
	SlowScanThreshold time.Duration
	Dir               string
	GoroutineLeak     bool
	NowFn             func() time.Time
	ProfileLookupFn   func(name string) profileWriter
}

// Controller watches a running scan and writes diagnostic artifacts when the
// scanned counter stops moving for longer than the slow-scan threshold.
type Controller struct {
	slowScanThreshold time.Duration
	dir               string
	goroutineLeak     bool
	nowFn             func() time.Time
	profileLookupFn   func(name string) profileWriter

	mu             sync.Mutex
	source         ProgressSource
	lastProgressAt time.Time
	lastProgress   int64
	lastDumpAt     time.Time
	dumps          int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewController(opts Options) *Controller {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			// A nil *pprof.Profile must not become a non-nil interface.
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	return &Controller{
		slowScanThreshold: opts.SlowScanThreshold,
		dir:               dir,
		goroutineLeak:     opts.GoroutineLeak,
		nowFn:             nowFn,
		profileLookupFn:   profileLookup,
	}
}

// Watch starts probing source until ctx is done or Close is called. It is a
// no-op when no slow-scan threshold is configured or a watch is running.
func (c *Controller) Watch(ctx context.Context, source ProgressSource) {
	if c == nil || source == nil {
		return
	}
	if c.slowScanThreshold <= 0 {
		return
	}
	if c.stopCh != nil {
		return
	}

	now := c.nowFn()
	c.mu.Lock()
	c.source = source
	c.lastProgress = source.Progress().Scanned
	c.lastProgressAt = now
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	interval := c.slowScanThreshold / 2
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(c.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.runProbe(c.nowFn())
			}
		}
	}()
}

// Dumps returns how many slow-scan events were written.
func (c *Controller) Dumps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dumps
}

func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
		if c.doneCh != nil {
			<-c.doneCh
		}
		c.stopCh = nil
		c.doneCh = nil
	}

	if c.goroutineLeak {
		if _, err := c.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

func (c *Controller) runProbe(now time.Time) {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()
	if source == nil || c.slowScanThreshold <= 0 {
		return
	}

	progress := source.Progress()
	if progress.State.Terminal() {
		return
	}

	c.mu.Lock()
	if progress.Scanned != c.lastProgress {
		c.lastProgress = progress.Scanned
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	if c.lastProgressAt.IsZero() {
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastProgressAt)
	shouldDump := stalledFor >= c.slowScanThreshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= c.slowScanThreshold)
	if shouldDump {
		c.lastDumpAt = now
		c.dumps++
	}
	c.mu.Unlock()

	if shouldDump {
		logger.Warnf("Scan %s made no progress for %s at %d files", source.ID(), stalledFor.Round(time.Millisecond), progress.Scanned)
		if err := c.dumpSlowScanArtifacts(now, source.ID(), progress, stalledFor); err != nil {
			logger.Warnf("Diagnostics slow-scan dump failed: %v", err)
		}
	}
}

func (c *Controller) dumpSlowScanArtifacts(now time.Time, scanID string, progress scanner.Progress, stalledFor time.Duration) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	eventPath := filepath.Join(c.dir, fmt.Sprintf("hashsentry-slow-scan-%s.json", ts))
	event := map[string]interface{}{
		"event":               "slow_scan_threshold_exceeded",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"scan_id":             scanID,
		"state":               progress.State.String(),
		"scanned":             progress.Scanned,
		"dirty":               progress.Dirty,
		"errors":              progress.Errors,
		"goroutines":          runtime.NumGoroutine(),
		"threshold_ms":        c.slowScanThreshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}

	if _, err := c.writeProfile("goroutine", 2); err != nil {
		logger.Warnf("Diagnostics goroutine dump failed: %v", err)
	}
	return nil
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	if c == nil {
		return "", fmt.Errorf("diagnostics controller is nil")
	}
	if c.profileLookupFn == nil {
		return "", fmt.Errorf("profile lookup function is nil")
	}
	profile := c.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	ts := c.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(c.dir, fmt.Sprintf("hashsentry-%s-profile-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
