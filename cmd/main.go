package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hashsentry/config"
	"hashsentry/core"
	"hashsentry/diag"
	"hashsentry/logger"
	"hashsentry/output"
	"hashsentry/scanner"
	"hashsentry/utils"

	"github.com/schollz/progressbar/v3"
)

const (
	exitClean   = 0
	exitFailure = 1
	exitDirty   = 2
	exitAborted = 130
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(exitFailure)
	}

	logger.Init(cfg.LogLevel)

	// SIGINT and SIGTERM cancel the scan; the partial result is still reported.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config) int {
	engine, err := core.New(ctx, cfg)
	if err != nil {
		logger.Errorf("Failed to open signature database: %v", err)
		return exitFailure
	}

	switch {
	case cfg.ImportFile != "":
		if _, err := engine.Import(ctx, cfg.ImportFile); err != nil {
			logger.Errorf("Import failed: %v", err)
			return exitFailure
		}
		return exitClean
	case cfg.UpdateOnly:
		if _, err := engine.UpdateDatabase(ctx); err != nil {
			return exitFailure
		}
		return exitClean
	}

	writer, err := output.New(cfg)
	if err != nil {
		logger.Errorf("Failed to initialize output: %v", err)
		return exitFailure
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warnf("Failed to close report %s: %v", writer.Path(), err)
		}
	}()

	if res, ok := engine.LastUpdate(); ok {
		if err := writer.DatabaseUpdated(res); err != nil {
			logger.Warnf("Failed to record update: %v", err)
		}
	}

	res, err := scan(ctx, engine, cfg, writer)
	if err != nil {
		logger.Errorf("Scan failed: %v", err)
		return exitFailure
	}
	switch {
	case res.State == scanner.StateAborted:
		logger.Warn("Scan canceled; partial results were written.")
		return exitAborted
	case len(res.Dirty) > 0:
		return exitDirty
	default:
		return exitClean
	}
}

func scan(ctx context.Context, engine *core.Engine, cfg *config.Config, writer *output.Writer) (*scanner.Result, error) {
	bar := newProgressBar(ctx, cfg)

	h, err := engine.StartScan(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := writer.ScanStarted(h); err != nil {
		logger.Warnf("Failed to record scan start: %v", err)
	}

	controller := diag.NewController(diag.Options{
		SlowScanThreshold: cfg.DiagSlowScanThreshold,
		Dir:               cfg.DiagDir,
		GoroutineLeak:     cfg.DiagGoroutineLeak,
	})
	controller.Watch(ctx, h)

	for p := range h.Updates() {
		_ = bar.Set64(p.Scanned)
	}
	controller.Close()
	_ = bar.Finish()

	res, err := h.Result()
	if err != nil {
		return nil, err
	}
	if err := writer.ScanFinished(res); err != nil {
		logger.Warnf("Failed to write report %s: %v", writer.Path(), err)
	}
	if err := engine.Release(h.ID()); err != nil && !errors.Is(err, core.ErrUnknownScan) {
		logger.Debugf("Failed to release scan %s: %v", h.ID(), err)
	}

	logger.WithFields(map[string]interface{}{
		"scanned":  res.FilesScanned,
		"clean":    res.Clean(),
		"dirty":    len(res.Dirty),
		"errors":   len(res.Errors),
		"duration": res.Duration().String(),
		"report":   writer.Path(),
	}).Infof("Scan %s", res.State)
	for _, rec := range res.Dirty {
		fmt.Printf("DIRTY %s %s %s\n", rec.Hash, rec.Label, rec.Path)
	}
	return res, nil
}

func newProgressBar(ctx context.Context, cfg *config.Config) *progressbar.ProgressBar {
	if cfg.SkipCount {
		logger.Info("Skipping total file count")
		return progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Scanning files"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetVisibility(progressVisible()),
			progressbar.OptionFullWidth(),
		)
	}

	logger.Info("Counting total number of files...")
	total := int64(-1)
	filter, err := utils.NewPathFilter(cfg.ExcludePatterns)
	if err == nil {
		count, err := scanner.CountFiles(ctx, cfg.Path, cfg.FollowSymlinks, filter, cfg.MaxFileSize)
		if err != nil {
			logger.Warnf("Failed to count files in %s: %v", cfg.Path, err)
		} else {
			total = count
			logger.Infof("Total files to scan: %d", total)
		}
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
	)
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("HASHSENTRY_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
