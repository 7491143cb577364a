// Package core is the API collaborators drive: start and cancel scans, read
// their progress and results, and refresh the signature database.
package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"hashsentry/config"
	"hashsentry/hasher"
	"hashsentry/logger"
	"hashsentry/scanner"
	"hashsentry/signatures"
	"hashsentry/update"
	"hashsentry/utils"
)

// ErrUnknownScan is returned for scan IDs the engine does not track.
var ErrUnknownScan = errors.New("unknown scan id")

type Engine struct {
	cfg     *config.Config
	store   *signatures.Store
	hasher  *hasher.Hasher
	updater *update.Updater

	mu         sync.Mutex
	handles    map[string]*scanner.Handle
	lastUpdate *update.Result
}

// New opens the signature database named by cfg. A missing database is
// tolerated when the configuration will populate it (update or import);
// otherwise the load error is returned. With UpdateOnStart one update runs
// before New returns, unless the run is an import.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	store, err := signatures.Open(cfg.DatabaseFile)
	switch {
	case err == nil:
		logger.Infof("Loaded signature database v%d from %s", store.Version(), cfg.DatabaseFile)
	case errors.Is(err, fs.ErrNotExist) && (cfg.UpdateOnStart || cfg.UpdateOnly || cfg.ImportFile != ""):
		logger.Warnf("No signature database at %s", cfg.DatabaseFile)
		store = signatures.NewStore()
	default:
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		store:  store,
		hasher: hasher.New(cfg.HashBufferSize),
		updater: update.New(store, cfg.DatabaseFile, update.Options{
			MirrorURL:        cfg.MirrorURL,
			Retries:          cfg.UpdateRetries,
			Timeout:          cfg.UpdateTimeout,
			MaxDownloadBytes: cfg.MaxDownloadBytes,
		}),
		handles: make(map[string]*scanner.Handle),
	}

	if cfg.UpdateOnStart && !cfg.UpdateOnly && cfg.ImportFile == "" {
		if _, err := e.UpdateDatabase(ctx); err != nil {
			if !store.Loaded() {
				return nil, err
			}
			logger.Warnf("Signature update failed, keeping v%d: %v", store.Version(), err)
		}
	}
	return e, nil
}

// Store exposes the active signature store.
func (e *Engine) Store() *signatures.Store {
	return e.store
}

// StartScan launches a scan of path and returns its handle. Failures that
// happen before walking starts are returned here.
func (e *Engine) StartScan(ctx context.Context, path string) (*scanner.Handle, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	filter, err := utils.NewPathFilter(e.scanExcludes(root))
	if err != nil {
		return nil, err
	}
	orch := scanner.New(e.store, e.hasher, scanner.Options{
		Concurrency:      e.cfg.ConcurrencyLevel,
		MaxIOPerSecond:   e.cfg.MaxIOPerSecond,
		FollowSymlinks:   e.cfg.FollowSymlinks,
		Filter:           filter,
		MaxFileSize:      e.cfg.MaxFileSize,
		ProgressInterval: e.cfg.ProgressInterval,
	})
	h, err := orch.Start(ctx, root)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.handles[h.ID()] = h
	e.mu.Unlock()
	return h, nil
}

// scanExcludes adds the engine's own files to the configured patterns so a
// scan never hashes the report it is writing or a half-written database.
func (e *Engine) scanExcludes(root string) []string {
	patterns := append([]string(nil), e.cfg.ExcludePatterns...)
	if out := strings.TrimSpace(e.cfg.OutputFileName); out != "" {
		if abs, err := filepath.Abs(out); err == nil && utils.IsPathWithin(abs, root) {
			patterns = append(patterns, utils.RegexPrefix+"^"+regexp.QuoteMeta(abs)+"$")
		}
	}
	if db := strings.TrimSpace(e.cfg.DatabaseFile); db != "" {
		patterns = append(patterns, "."+filepath.Base(db)+".*.tmp")
	}
	return patterns
}

// Lookup returns a scan started by this engine.
func (e *Engine) Lookup(id string) (*scanner.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScan, id)
	}
	return h, nil
}

// Release forgets a finished scan. Running scans are kept.
func (e *Engine) Release(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScan, id)
	}
	if !h.State().Terminal() {
		return scanner.ErrScanRunning
	}
	delete(e.handles, id)
	return nil
}

func (e *Engine) Cancel(h *scanner.Handle) {
	h.Cancel()
}

func (e *Engine) Progress(h *scanner.Handle) scanner.Progress {
	return h.Progress()
}

// Result returns the final result, or scanner.ErrScanRunning while the scan
// is still in progress.
func (e *Engine) Result(h *scanner.Handle) (*scanner.Result, error) {
	return h.Result()
}

// UpdateDatabase fetches and installs a newer database from the mirror.
// Running scans keep the snapshot they started with.
func (e *Engine) UpdateDatabase(ctx context.Context) (update.Result, error) {
	res, err := e.updater.Update(ctx)
	e.mu.Lock()
	e.lastUpdate = &res
	e.mu.Unlock()

	fields := map[string]interface{}{
		"previous_version": res.PreviousVersion,
		"version":          res.Version,
		"updated":          res.Updated,
	}
	switch {
	case err != nil:
		logger.WithFields(fields).Errorf("Signature update failed: %v", err)
	case res.Updated:
		logger.WithFields(fields).Infof("Installed signature database v%d (%d entries)", res.Version, res.Entries)
	default:
		logger.WithFields(fields).Info("Signature database is up to date")
	}
	return res, err
}

// LastUpdate returns the outcome of the most recent UpdateDatabase call.
func (e *Engine) LastUpdate() (update.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastUpdate == nil {
		return update.Result{}, false
	}
	return *e.lastUpdate, true
}

// Import reads a local signature feed, persists it as the live database file
// and installs it. Imports and updates never interleave. An older feed fails
// with signatures.ErrStaleVersion. The format follows the extension: .txt for the text
// format, .sqlite or .db for SQLite, anything else for the native format.
func (e *Engine) Import(ctx context.Context, path string) (*signatures.Snapshot, error) {
	db, err := readFeed(ctx, path)
	if err != nil {
		return nil, err
	}
	snap, err := signatures.NewSnapshot(db)
	if err != nil {
		return nil, err
	}
	installed, err := e.updater.Install(snap)
	if err != nil {
		return nil, err
	}
	if !installed {
		logger.Infof("Signature database v%d already active", e.store.Version())
		return e.store.Snapshot()
	}
	logger.Infof("Imported signature database v%d (%d entries) from %s", snap.Version(), snap.Len(), path)
	return snap, nil
}

func readFeed(ctx context.Context, path string) (*signatures.Database, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, &signatures.LoadError{Path: path, Err: err}
		}
		defer f.Close()
		db, err := signatures.ParseText(f)
		if err != nil {
			var loadErr *signatures.LoadError
			if errors.As(err, &loadErr) && loadErr.Path == "" {
				loadErr.Path = path
			}
			return nil, err
		}
		return db, nil
	case ".sqlite", ".db":
		return signatures.ReadSQLite(ctx, path)
	default:
		return signatures.ReadFile(path)
	}
}
