// Package cleanup is the janitor for leftovers: partial-download temp files
// with no live request behind them, and history rows past their retention
// window.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/downloadd/internal/logctx"
)

const tempSuffix = ".part"

// DeleteStaleTempFiles removes .part files under dir that are older than
// keepFor and not claimed by a live request. live reports whether any
// tracked request still owns the path.
func DeleteStaleTempFiles(ctx context.Context, dir string, keepFor time.Duration, live func(path string) bool) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}

		if live != nil && live(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if now.Sub(info.ModTime()) <= keepFor {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale temp file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale temp file", "file", path)

		return nil
	})
}

// HistoryPruner is the slice of the store the janitor needs.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, keepFor time.Duration) (int64, error)
}

// PruneHistory evicts archived rows older than the retention window.
func PruneHistory(ctx context.Context, store HistoryPruner, keepFor time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	pruned, err := store.PruneHistory(ctx, keepFor)
	if err != nil {
		return err
	}

	if pruned > 0 {
		logger.Info("pruned download history", "rows", pruned)
	}

	return nil
}
