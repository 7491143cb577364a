//go:build unix

package scanner

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// dirIdentity returns the device and inode of path, following symlinks.
func dirIdentity(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(st.Dev), 10) + ":" + strconv.FormatUint(st.Ino, 10), nil
}
