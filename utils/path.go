package utils

import (
	"os"
	"path/filepath"
	"strings"
)

const databaseFileName = "signatures.hsdb"

// DataDir returns the per-user directory holding the signature database.
// It falls back to the working directory when no home directory is known.
func DataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "."
	}
	return filepath.Join(homeDir, ".config", "hashsentry")
}

// DefaultDatabasePath is the database location used when none is configured.
func DefaultDatabasePath() string {
	return filepath.Join(DataDir(), databaseFileName)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}

// IsPathWithin reports whether path lies under root after resolving symlinks.
func IsPathWithin(path, root string) bool {
	absPath := resolve(path)
	absRoot := resolve(root)
	if absPath == "" || absRoot == "" {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func resolve(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return abs
}
