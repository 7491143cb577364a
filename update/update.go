// Package update refreshes the signature database from a remote mirror.
// A refresh is all-or-nothing: the new file is downloaded, verified and
// decoded beside the live one and only then renamed over it and installed.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hashsentry/logger"
	"hashsentry/signatures"

	"github.com/cenkalti/backoff/v4"
)

const (
	manifestName        = "manifest.json"
	maxManifestBytes    = 1 << 20
	defaultRetries      = 3
	defaultInitialDelay = 500 * time.Millisecond
)

// Stage names the step of an update that failed.
type Stage string

const (
	StageManifest Stage = "manifest"
	StageDownload Stage = "download"
	StageVerify   Stage = "verify"
	StageDecode   Stage = "decode"
	StageWrite    Stage = "write"
	StageInstall  Stage = "install"
)

// NetworkError reports a failed or rejected mirror request.
type NetworkError struct {
	Stage      Stage
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("update %s: GET %s: status %d", e.Stage, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("update %s: GET %s: %v", e.Stage, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IntegrityError reports a download that does not match its manifest or
// does not decode into a valid database.
type IntegrityError struct {
	Stage Stage
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("update %s: integrity: %v", e.Stage, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// WriteError reports a local filesystem failure while staging or swapping.
type WriteError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("update %s: %s: %v", e.Stage, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Manifest describes the database currently published by a mirror.
type Manifest struct {
	Version   uint64 `json:"version"`
	Algorithm string `json:"algorithm"`
	File      string `json:"file"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
}

// Result is the outcome of Update. It is returned on failure too.
type Result struct {
	Success         bool   `json:"success"`
	Updated         bool   `json:"updated"`
	PreviousVersion uint64 `json:"previous_version"`
	Version         uint64 `json:"version"`
	Entries         int    `json:"entries"`
	Path            string `json:"path"`
	Err             error  `json:"-"`
}

// Installer receives verified snapshots. Commit must run persist and publish
// snap as one step, and must skip persist when snap is not newer.
type Installer interface {
	Commit(snap *signatures.Snapshot, persist func() error) (bool, error)
	Loaded() bool
	Version() uint64
}

// Options configures an Updater.
type Options struct {
	MirrorURL        string
	Client           *http.Client
	Retries          int
	InitialBackoff   time.Duration
	Timeout          time.Duration
	MaxDownloadBytes int64
}

// Updater fetches, verifies and installs new databases. Calls are serialized.
type Updater struct {
	store  Installer
	dbPath string
	opts   Options
	mu     sync.Mutex
}

// New returns an updater writing the live database to dbPath.
func New(store Installer, dbPath string, opts Options) *Updater {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Retries < 0 {
		opts.Retries = defaultRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialDelay
	}
	opts.MirrorURL = strings.TrimRight(opts.MirrorURL, "/")
	return &Updater{store: store, dbPath: dbPath, opts: opts}
}

// Check fetches the manifest and reports whether it is newer than the
// active database.
func (u *Updater) Check(ctx context.Context) (Manifest, bool, error) {
	m, err := u.fetchManifest(ctx)
	if err != nil {
		return Manifest{}, false, err
	}
	return m, u.isNewer(m.Version), nil
}

func (u *Updater) isNewer(version uint64) bool {
	return !u.store.Loaded() || version > u.store.Version()
}

// Update installs the mirror's database when it is newer than the active
// one. On any failure the live file and the active snapshot are unchanged.
func (u *Updater) Update(ctx context.Context) (Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	res := Result{PreviousVersion: u.store.Version(), Version: u.store.Version(), Path: u.dbPath}
	fail := func(err error) (Result, error) {
		res.Err = err
		logger.Warnf("Signature update failed: %v", err)
		return res, err
	}

	if u.opts.MirrorURL == "" {
		return fail(&NetworkError{Stage: StageManifest, Err: errors.New("no mirror configured")})
	}
	if u.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}

	m, err := u.fetchManifest(ctx)
	if err != nil {
		return fail(err)
	}
	if !u.isNewer(m.Version) {
		logger.Infof("Signature database v%d is current (mirror has v%d)", res.PreviousVersion, m.Version)
		res.Success = true
		return res, nil
	}
	if err := u.checkManifest(m); err != nil {
		return fail(err)
	}
	blobURL, err := u.resolve(m.File)
	if err != nil {
		return fail(&IntegrityError{Stage: StageManifest, Err: err})
	}

	dir := filepath.Dir(u.dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(&WriteError{Stage: StageWrite, Path: dir, Err: err})
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(u.dbPath)+".*.tmp")
	if err != nil {
		return fail(&WriteError{Stage: StageWrite, Path: dir, Err: err})
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	digest := sha256.New()
	size, err := u.download(ctx, blobURL, tmp, digest)
	if err != nil {
		return fail(err)
	}
	if size != m.Size {
		return fail(&IntegrityError{Stage: StageVerify, Err: fmt.Errorf("size %d does not match manifest size %d", size, m.Size)})
	}
	if sum := hex.EncodeToString(digest.Sum(nil)); sum != strings.ToLower(m.SHA256) {
		return fail(&IntegrityError{Stage: StageVerify, Err: fmt.Errorf("sha256 %s does not match manifest %s", sum, m.SHA256)})
	}
	if err := tmp.Sync(); err != nil {
		return fail(&WriteError{Stage: StageWrite, Path: tmpPath, Err: err})
	}
	if err := tmp.Close(); err != nil {
		return fail(&WriteError{Stage: StageWrite, Path: tmpPath, Err: err})
	}

	db, err := signatures.ReadFile(tmpPath)
	if err != nil {
		return fail(&IntegrityError{Stage: StageDecode, Err: err})
	}
	if db.Version != m.Version {
		return fail(&IntegrityError{Stage: StageDecode, Err: fmt.Errorf("database version %d does not match manifest version %d", db.Version, m.Version)})
	}
	if m.Algorithm != "" && string(db.Algorithm) != strings.ToLower(m.Algorithm) {
		return fail(&IntegrityError{Stage: StageDecode, Err: fmt.Errorf("database algorithm %s does not match manifest algorithm %s", db.Algorithm, m.Algorithm)})
	}
	snap, err := signatures.NewSnapshot(db)
	if err != nil {
		return fail(&IntegrityError{Stage: StageDecode, Err: err})
	}
	installed, err := u.store.Commit(snap, func() error {
		if err := os.Rename(tmpPath, u.dbPath); err != nil {
			return &WriteError{Stage: StageWrite, Path: u.dbPath, Err: err}
		}
		committed = true
		syncDir(dir)
		return nil
	})
	if errors.Is(err, signatures.ErrStaleVersion) {
		installed, err = false, nil
	}
	if err != nil {
		var writeErr *WriteError
		if !errors.As(err, &writeErr) {
			err = &WriteError{Stage: StageInstall, Path: u.dbPath, Err: err}
		}
		return fail(err)
	}
	if !installed {
		// Another install reached this version while we downloaded.
		res.Success = true
		res.Version = u.store.Version()
		return res, nil
	}

	res.Success = true
	res.Updated = true
	res.Version = snap.Version()
	res.Entries = snap.Len()
	logger.WithFields(map[string]interface{}{
		"previous": res.PreviousVersion,
		"version":  res.Version,
		"entries":  res.Entries,
	}).Info("Signature database updated")
	return res, nil
}

// Install writes a locally supplied snapshot to the live database path and
// activates it. It is serialized with Update, and the file is only written
// when snap is newer than the active database.
func (u *Updater) Install(snap *signatures.Snapshot) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.store.Commit(snap, func() error {
		if err := signatures.WriteFile(u.dbPath, snap.Database()); err != nil {
			return &WriteError{Stage: StageWrite, Path: u.dbPath, Err: err}
		}
		return nil
	})
}

func (u *Updater) checkManifest(m Manifest) error {
	switch {
	case m.File == "":
		return &IntegrityError{Stage: StageManifest, Err: errors.New("manifest names no file")}
	case len(m.SHA256) != sha256.Size*2:
		return &IntegrityError{Stage: StageManifest, Err: fmt.Errorf("invalid sha256 %q", m.SHA256)}
	case m.Size < 0:
		return &IntegrityError{Stage: StageManifest, Err: fmt.Errorf("invalid size %d", m.Size)}
	case u.opts.MaxDownloadBytes > 0 && m.Size > u.opts.MaxDownloadBytes:
		return &IntegrityError{Stage: StageManifest, Err: fmt.Errorf("size %d exceeds limit %d", m.Size, u.opts.MaxDownloadBytes)}
	}
	if _, err := hex.DecodeString(m.SHA256); err != nil {
		return &IntegrityError{Stage: StageManifest, Err: fmt.Errorf("invalid sha256 %q", m.SHA256)}
	}
	return nil
}

func (u *Updater) resolve(file string) (string, error) {
	base, err := url.Parse(u.opts.MirrorURL + "/")
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(file)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (u *Updater) fetchManifest(ctx context.Context) (Manifest, error) {
	manifestURL := u.opts.MirrorURL + "/" + manifestName
	var m Manifest
	err := u.retry(ctx, func() error {
		body, err := u.get(ctx, StageManifest, manifestURL)
		if err != nil {
			return err
		}
		defer body.Close()
		data, err := io.ReadAll(io.LimitReader(body, maxManifestBytes))
		if err != nil {
			return &NetworkError{Stage: StageManifest, URL: manifestURL, Err: err}
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return backoff.Permanent(&IntegrityError{Stage: StageManifest, Err: err})
		}
		return nil
	})
	return m, err
}

// download streams url into dst, feeding digest. Each attempt starts over.
func (u *Updater) download(ctx context.Context, blobURL string, dst *os.File, digest hash.Hash) (int64, error) {
	var written int64
	err := u.retry(ctx, func() error {
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(&WriteError{Stage: StageDownload, Path: dst.Name(), Err: err})
		}
		if err := dst.Truncate(0); err != nil {
			return backoff.Permanent(&WriteError{Stage: StageDownload, Path: dst.Name(), Err: err})
		}
		digest.Reset()

		body, err := u.get(ctx, StageDownload, blobURL)
		if err != nil {
			return err
		}
		defer body.Close()

		src := io.Reader(body)
		if u.opts.MaxDownloadBytes > 0 {
			src = io.LimitReader(body, u.opts.MaxDownloadBytes+1)
		}
		written, err = io.Copy(io.MultiWriter(dst, digest), src)
		if err != nil {
			return &NetworkError{Stage: StageDownload, URL: blobURL, Err: err}
		}
		if u.opts.MaxDownloadBytes > 0 && written > u.opts.MaxDownloadBytes {
			return backoff.Permanent(&IntegrityError{Stage: StageDownload, Err: fmt.Errorf("download exceeds %d bytes", u.opts.MaxDownloadBytes)})
		}
		return nil
	})
	return written, err
}

// get issues one request. Client errors (4xx) are not retried.
func (u *Updater) get(ctx context.Context, stage Stage, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(&NetworkError{Stage: stage, URL: target, Err: err})
	}
	resp, err := u.opts.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{Stage: stage, URL: target, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		netErr := &NetworkError{Stage: stage, URL: target, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(netErr)
		}
		return nil, netErr
	}
	return resp.Body, nil
}

func (u *Updater) retry(ctx context.Context, op func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = u.opts.InitialBackoff
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && attempt > 1 {
			logger.Debugf("Mirror request attempt %d failed: %v", attempt, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(u.opts.Retries)), ctx))
	if err == nil {
		return nil
	}
	var netErr *NetworkError
	var integrityErr *IntegrityError
	var writeErr *WriteError
	if errors.As(err, &netErr) || errors.As(err, &integrityErr) || errors.As(err, &writeErr) {
		return err
	}
	return &NetworkError{Stage: StageManifest, URL: u.opts.MirrorURL, Err: err}
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}
