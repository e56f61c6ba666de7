// Package analyze implements the offline analysis pass.
//
// The indexer copies a raw snapshot, materializes the derived indices
// (reverse edges, type members, root set) and summary statistics, and
// bumps the schema version so the query engine accepts the artifact. It
// is idempotent: re-running it over the same raw snapshot produces the
// same artifact, modulo the header timestamp.
package analyze

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/store"
)

// Index copies the raw snapshot at src to dst and analyzes the copy.
// dst must not exist.
func Index(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("raw snapshot %s: %w", src, err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("analysis artifact %s already exists", dst)
	}
	if err := copyPath(src, dst); err != nil {
		return fmt.Errorf("copying snapshot: %w", err)
	}

	be := store.Detect(dst)
	if err := be.Open(dst, false); err != nil {
		return err
	}
	defer func() { _ = be.Close() }()

	return Analyze(be)
}

// Analyze runs the analysis pass on an opened backend in place.
func Analyze(be store.Backend) error {
	h, err := be.Header()
	if err != nil {
		return err
	}
	if err := h.Validate(); err != nil {
		return err
	}

	if err := be.BuildIndexes(); err != nil {
		return err
	}

	roots, stats, err := derive(be)
	if err != nil {
		return err
	}
	if err := be.WriteRoots(roots); err != nil {
		return err
	}
	if err := be.WriteSummary(stats); err != nil {
		return err
	}
	return be.SetSchemaVersion(store.SchemaAnalyzed)
}

// derive computes the root set and summary statistics in one pass over
// the base tables.
func derive(be store.Backend) ([]uint64, graph.Stats, error) {
	classByType := make(map[uint32]graph.Classification)
	var stats graph.Stats

	err := be.ScanTypes(func(tr graph.TypeRecord) error {
		classByType[tr.ID] = tr.Classification
		stats.Types++
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("scanning types: %w", err)
	}

	var roots []uint64
	perClass := make(map[graph.Classification]*graph.ClassStat)
	err = be.ScanNodes(func(n graph.NodeRecord) error {
		class := classByType[n.TypeID]
		stats.Objects++
		stats.Bytes += n.Size
		cs := perClass[class]
		if cs == nil {
			cs = &graph.ClassStat{Classification: class}
			perClass[class] = cs
		}
		cs.Count++
		cs.Bytes += n.Size
		if class.IsRoot() {
			roots = append(roots, n.ID)
		}
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("scanning nodes: %w", err)
	}

	err = be.ScanEdges(func(graph.EdgeRecord) error {
		stats.References++
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("scanning edges: %w", err)
	}

	if stats.Strings, err = be.StringCount(); err != nil {
		return nil, stats, err
	}
	stats.Roots = int64(len(roots))

	// ByClass in classification order, not map order.
	for _, c := range graph.Classifications {
		if cs, ok := perClass[c]; ok {
			stats.ByClass = append(stats.ByClass, *cs)
		}
	}
	return roots, stats, nil
}

// copyPath copies a snapshot artifact: a single file for the SQLite
// engine, a directory tree for Badger.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := copyFile(src, dst, info.Mode()); err != nil {
			return err
		}
		// SQLite checkpoints its WAL on close, but a sidecar left by an
		// aborted capture still holds rows.
		for _, suffix := range []string{"-wal", "-shm"} {
			if fi, err := os.Stat(src + suffix); err == nil {
				if err := copyFile(src+suffix, dst+suffix, fi.Mode()); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode())
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
