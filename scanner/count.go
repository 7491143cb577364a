package scanner

import (
	"context"
	"io/fs"
	"os"
	"sync/atomic"

	"hashsentry/utils"

	"github.com/charlievieth/fastwalk"
)

// CountFiles counts the regular files under root that a scan with the same
// filter and size limit would hash. Walk errors are ignored; the count only
// sizes progress reporting.
func CountFiles(ctx context.Context, root string, follow bool, filter *utils.PathFilter, maxFileSize int64) (int64, error) {
	var total atomic.Int64
	conf := &fastwalk.Config{
		Follow: follow,
	}
	err := fastwalk.Walk(conf, root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() {
			return nil
		}

		var info fs.FileInfo
		if d.Type()&fs.ModeSymlink != 0 {
			if !follow {
				return nil
			}
			info, err = os.Stat(path)
		} else if d.Type().IsRegular() {
			info, err = d.Info()
		} else {
			return nil
		}
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if filter.Excluded(path) {
			return nil
		}
		if maxFileSize > 0 && info.Size() > maxFileSize {
			return nil
		}
		total.Add(1)
		return nil
	})
	return total.Load(), err
}
