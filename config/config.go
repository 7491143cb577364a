package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"hashsentry/hasher"
	"hashsentry/utils"
	"hashsentry/version"

	"github.com/shirou/gopsutil/v4/cpu"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Path                  string            `json:"path" yaml:"path"`
	DatabaseFile          string            `json:"database_file" yaml:"database_file"`
	MirrorURL             string            `json:"mirror_url" yaml:"mirror_url"`
	UpdateOnStart         bool              `json:"update_on_start" yaml:"update_on_start"`
	UpdateOnly            bool              `json:"update_only" yaml:"update_only"`
	ImportFile            string            `json:"import_file" yaml:"import_file"`
	ConcurrencyLevel      int               `json:"concurrency_level" yaml:"concurrency_level"`
	NiceLevel             string            `json:"nice_level" yaml:"nice_level"`
	HashBufferSize        int               `json:"hash_buffer_size" yaml:"hash_buffer_size"`
	MaxIOPerSecond        int               `json:"max_io_per_second" yaml:"max_io_per_second"`
	FollowSymlinks        bool              `json:"follow_symlinks" yaml:"follow_symlinks"`
	ExcludePatterns       []string          `json:"exclude_patterns" yaml:"exclude_patterns"`
	MaxFileSize           int64             `json:"max_file_size" yaml:"max_file_size"`
	SkipCount             bool              `json:"skip_count" yaml:"skip_count"`
	ProgressInterval      time.Duration     `json:"progress_interval" yaml:"progress_interval"`
	UpdateTimeout         time.Duration     `json:"update_timeout" yaml:"update_timeout"`
	UpdateRetries         int               `json:"update_retries" yaml:"update_retries"`
	MaxDownloadBytes      int64             `json:"max_download_bytes" yaml:"max_download_bytes"`
	OutputFileName        string            `json:"output_file_name" yaml:"output_file_name"`
	LogLevel              string            `json:"log_level" yaml:"log_level"`
	ConfigFile            string            `json:"config_file" yaml:"config_file"`
	DiagSlowScanThreshold time.Duration     `json:"diag_slow_scan_threshold" yaml:"diag_slow_scan_threshold"`
	DiagDir               string            `json:"diag_dir" yaml:"diag_dir"`
	DiagGoroutineLeak     bool              `json:"diag_goroutine_leak" yaml:"diag_goroutine_leak"`
	OtelEndpoint          string            `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv           bool              `json:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders           map[string]string `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName       string            `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout           time.Duration     `json:"otel_timeout" yaml:"otel_timeout"`
	OtelExportPaths       bool              `json:"otel_export_paths" yaml:"otel_export_paths"`
	ConcurrencySet        bool              `json:"-" yaml:"-"`
}

func LoadConfig() (*Config, error) {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	cfg := &Config{
		Path:                  ".",
		DatabaseFile:          utils.DefaultDatabasePath(),
		MirrorURL:             "",
		UpdateOnStart:         false,
		ConcurrencyLevel:      cpuCount(),
		NiceLevel:             "medium",
		HashBufferSize:        hasher.DefaultBufferSize,
		MaxIOPerSecond:        0,
		FollowSymlinks:        true,
		ExcludePatterns:       []string{},
		MaxFileSize:           0,
		SkipCount:             false,
		ProgressInterval:      250 * time.Millisecond,
		UpdateTimeout:         2 * time.Minute,
		UpdateRetries:         3,
		MaxDownloadBytes:      512 * 1024 * 1024,
		OutputFileName:        fmt.Sprintf("hashsentry-%s-%d.ndjson", timestamp, now.Unix()),
		LogLevel:              "info",
		DiagSlowScanThreshold: 0,
		DiagDir:               ".",
		OtelHeaders:           map[string]string{},
		OtelServiceName:       "hashsentry",
		OtelTimeout:           5 * time.Second,
	}

	path := flag.String("path", cfg.Path, fmt.Sprintf("Directory to scan recursively (default: %s).", cfg.Path))
	databaseFile := flag.String("database", cfg.DatabaseFile, "Signature database file (default: ~/.config/hashsentry/signatures.hsdb).")
	mirrorURL := flag.String("mirror", cfg.MirrorURL, "Signature mirror base URL serving manifest.json (default: none).")
	updateOnStart := flag.Bool("update", cfg.UpdateOnStart, fmt.Sprintf("Refresh the signature database before scanning (default: %t).", cfg.UpdateOnStart))
	updateOnly := flag.Bool("update-only", cfg.UpdateOnly, "Refresh the signature database and exit without scanning.")
	importFile := flag.String("import", "", "Install a local signature file (.hsdb, .txt or .sqlite) and exit.")
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, fmt.Sprintf("Number of hashing workers (default: %d).", cfg.ConcurrencyLevel))
	nice := flag.String("nice", cfg.NiceLevel, fmt.Sprintf("Nice level: high, medium, or low (default: %s).", cfg.NiceLevel))
	hashBufferSize := flag.Int("hash-buffer-size", cfg.HashBufferSize, fmt.Sprintf("Read buffer size in bytes per hashing worker (default: %d).", cfg.HashBufferSize))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum files opened per second (default: 0/unlimited).")
	followSymlinks := flag.Bool("follow-symlinks", cfg.FollowSymlinks, fmt.Sprintf("Follow symbolic links while walking (default: %t).", cfg.FollowSymlinks))
	excludes := flag.String("exclude", "", "Comma-separated exclude patterns: globs on the file name or re:<regex> on the full path (default: none).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, "Skip files larger than this many bytes (default: 0/unlimited).")
	skipCount := flag.Bool("skip-count", cfg.SkipCount, "Skip initial file counting to start scanning immediately")
	progressInterval := flag.Duration("progress-interval", cfg.ProgressInterval, "Interval between progress updates (default: 250ms).")
	updateTimeout := flag.Duration("update-timeout", cfg.UpdateTimeout, "Overall timeout for a database update (default: 2m).")
	updateRetries := flag.Int("update-retries", cfg.UpdateRetries, fmt.Sprintf("Retries per mirror request (default: %d).", cfg.UpdateRetries))
	maxDownloadBytes := flag.Int64("max-download-bytes", cfg.MaxDownloadBytes, fmt.Sprintf("Largest database download accepted (default: %d).", cfg.MaxDownloadBytes))
	output := flag.String("output", cfg.OutputFileName, "Scan report file name (default: hashsentry-<timestamp>-<unix>.ndjson).")
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to JSON or YAML configuration file (default: none).")
	diagSlowScanThreshold := flag.Duration(
		"diag-slow-scan-threshold",
		cfg.DiagSlowScanThreshold,
		"If positive, emit diagnostics when scan progress stalls for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile on shutdown (default: false).",
	)
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: hashsentry).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw file paths in OTEL payloads (default: false).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("hashsentry version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.Path = *path
		case "database":
			cfg.DatabaseFile = *databaseFile
		case "mirror":
			cfg.MirrorURL = strings.TrimSpace(*mirrorURL)
		case "update":
			cfg.UpdateOnStart = *updateOnStart
		case "update-only":
			cfg.UpdateOnly = *updateOnly
		case "import":
			cfg.ImportFile = *importFile
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
			cfg.ConcurrencySet = true
		case "nice":
			cfg.NiceLevel = *nice
		case "hash-buffer-size":
			cfg.HashBufferSize = *hashBufferSize
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "follow-symlinks":
			cfg.FollowSymlinks = *followSymlinks
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "skip-count":
			cfg.SkipCount = *skipCount
		case "progress-interval":
			cfg.ProgressInterval = *progressInterval
		case "update-timeout":
			cfg.UpdateTimeout = *updateTimeout
		case "update-retries":
			cfg.UpdateRetries = *updateRetries
		case "max-download-bytes":
			cfg.MaxDownloadBytes = *maxDownloadBytes
		case "output":
			cfg.OutputFileName = *output
		case "log-level":
			cfg.LogLevel = *logLevel
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		}
	})

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("hashsentry - signature-based malware file scanner")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  hashsentry [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  hashsentry --path /home")
	fmt.Println("  hashsentry --mirror https://signatures.example.com --update-only")
	fmt.Println("  hashsentry --import feed.txt")
}

// loadFromFile applies a JSON or YAML file; the format follows the extension.
func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("invalid config file format: %v", err)
		}
		if _, ok := raw["concurrency_level"]; ok {
			cfg.ConcurrencySet = true
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid config file format: %v", err)
		}
	default:
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("invalid config file format: %v", err)
		}
		if _, ok := raw["concurrency_level"]; ok {
			cfg.ConcurrencySet = true
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid config file format: %v", err)
		}
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.NiceLevel = strings.ToLower(strings.TrimSpace(cfg.NiceLevel))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.MirrorURL = strings.TrimRight(strings.TrimSpace(cfg.MirrorURL), "/")
	cfg.DatabaseFile = utils.ExpandHome(strings.TrimSpace(cfg.DatabaseFile))
	cfg.Path = utils.ExpandHome(cfg.Path)
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = utils.DefaultDatabasePath()
	}
	if strings.TrimSpace(cfg.DiagDir) == "" {
		cfg.DiagDir = "."
	}
	if cfg.Path == "" {
		cfg.Path = "."
	}
	adjustConcurrency(cfg)
}

func (cfg *Config) validate() error {
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.HashBufferSize < 0 {
		return fmt.Errorf("hash-buffer-size must be zero or positive")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.MaxFileSize < 0 {
		return fmt.Errorf("max-file-size must be zero or positive")
	}
	if cfg.ProgressInterval <= 0 {
		return fmt.Errorf("progress-interval must be positive")
	}
	if cfg.UpdateTimeout <= 0 {
		return fmt.Errorf("update-timeout must be positive")
	}
	if cfg.UpdateRetries < 0 {
		return fmt.Errorf("update-retries must be zero or positive")
	}
	if cfg.MaxDownloadBytes <= 0 {
		return fmt.Errorf("max-download-bytes must be positive")
	}
	if cfg.MirrorURL != "" {
		if !strings.HasPrefix(cfg.MirrorURL, "http://") && !strings.HasPrefix(cfg.MirrorURL, "https://") {
			return fmt.Errorf("mirror must include scheme (http or https)")
		}
	}
	if (cfg.UpdateOnly || cfg.UpdateOnStart) && cfg.MirrorURL == "" {
		return fmt.Errorf("a mirror URL is required to update the signature database")
	}
	if cfg.UpdateOnly && cfg.ImportFile != "" {
		return fmt.Errorf("--update-only and --import cannot be combined")
	}
	if _, err := utils.NewPathFilter(cfg.ExcludePatterns); err != nil {
		return err
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	return nil
}

// cpuCount prefers the logical core count reported by the OS.
func cpuCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func adjustConcurrency(cfg *Config) {
	if cfg.ConcurrencySet {
		return
	}
	numCPU := cpuCount()
	switch cfg.NiceLevel {
	case "high":
		cfg.ConcurrencyLevel = numCPU
	case "medium":
		cfg.ConcurrencyLevel = max(numCPU/2, 1)
	case "low":
		cfg.ConcurrencyLevel = 1
	}
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
