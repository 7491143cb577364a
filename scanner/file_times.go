package scanner

import (
	"io"
	"os"
	"time"

	"github.com/djherbis/times"
	"github.com/h2non/filetype"
)

// changeTime returns the inode change time when the platform records one.
func changeTime(path string) time.Time {
	ts, err := times.Stat(path)
	if err != nil || !ts.HasChangeTime() {
		return time.Time{}
	}
	return ts.ChangeTime().UTC()
}

// mimeType sniffs the file header. Unrecognized content is "unknown".
func mimeType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := make([]byte, 261)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}

	kind, err := filetype.Match(buf[:n])
	if err != nil {
		return "", err
	}
	if kind == filetype.Unknown || kind.MIME.Value == "" {
		return "unknown", nil
	}
	return kind.MIME.Value, nil
}
