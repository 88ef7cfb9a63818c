package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/timmy/photoloom/internal/logger"
	"github.com/timmy/photoloom/internal/photo"
)

// ErrRootInaccessible fails a job whose root directory cannot be read.
var ErrRootInaccessible = errors.New("root directory is not accessible")

// scanDirectory walks root and sends the absolute path of every supported
// regular file to out. Sends block while out is full. Unreadable
// subdirectories are logged and skipped; an unreadable root fails before any
// path is sent.
func scanDirectory(ctx context.Context, job *Job, root string, out chan<- string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootInaccessible, root)
	}

	var total int64
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return fmt.Errorf("%w: %v", ErrRootInaccessible, walkErr)
			}
			logger.FromContext(ctx).WithField(logger.FieldPath, path).WithError(walkErr).Warn("[Scanner] Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !photo.IsSupported(path) {
			return nil
		}

		job.discovered()
		select {
		case out <- path:
			total++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return err
	}

	job.finishScan(total)
	job.logf(ctx, "info", "scan complete: %d supported files under %s", total, root)
	return nil
}
