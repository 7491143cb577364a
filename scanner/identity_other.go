//go:build !unix

package scanner

import "path/filepath"

// dirIdentity falls back to the canonical path where inode numbers are not
// exposed.
func dirIdentity(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}
