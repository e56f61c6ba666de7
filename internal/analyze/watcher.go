package analyze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// spoolSettleDelay batches bursty writes: a snapshot landing in the
// spool is indexed only after its events go quiet for this long, so a
// capture still being flushed is not picked up half-written.
const spoolSettleDelay = 2 * time.Second

// analysisSuffix names indexer output in the spool; files carrying it
// are never re-indexed.
const analysisSuffix = ".analysis"

// WatchSpool monitors a spool directory and runs the indexer on every
// raw snapshot that appears. It supports the fork-and-dump deployment:
// the target process drops snapshots into the spool and an operator
// sidecar turns them into analysis artifacts. Blocks until the context
// is cancelled.
func WatchSpool(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	pending := make(map[string]bool)
	settleTimer := time.NewTimer(spoolSettleDelay)
	settleTimer.Stop()

	fmt.Printf("Watching %s for snapshots (Ctrl+C to stop)\n", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRawSnapshot(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pending[event.Name] = true
			settleTimer.Reset(spoolSettleDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

		case <-settleTimer.C:
			for path := range pending {
				dst := AnalysisPath(path)
				if _, err := os.Stat(dst); err == nil {
					continue // already indexed
				}
				fmt.Printf("Indexing %s...\n", filepath.Base(path))
				if err := Index(path, dst); err != nil {
					fmt.Fprintf(os.Stderr, "Error indexing %s: %v\n", path, err)
					continue
				}
				fmt.Printf("  Wrote %s\n", filepath.Base(dst))
			}
			pending = make(map[string]bool)
		}
	}
}

// AnalysisPath returns the indexer output path for a raw snapshot:
// snap.db -> snap.analysis.db.
func AnalysisPath(raw string) string {
	ext := filepath.Ext(raw)
	base := strings.TrimSuffix(raw, ext)
	return base + analysisSuffix + ext
}

// isRawSnapshot reports whether a spool entry looks like a raw snapshot
// rather than indexer output or a SQLite sidecar.
func isRawSnapshot(path string) bool {
	base := filepath.Base(path)
	if strings.Contains(base, analysisSuffix) {
		return false
	}
	switch filepath.Ext(base) {
	case ".db", ".sqlite", ".badger":
	default:
		return false
	}
	return !strings.HasSuffix(base, "-wal") && !strings.HasSuffix(base, "-shm")
}
