package capture

import (
	"fmt"
	"os"

	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/store"
)

// Options configures one capture.
type Options struct {
	// IncludeCaptureFrames includes the capturing machinery's own
	// frames in the frame seed set. Default false.
	IncludeCaptureFrames bool

	// StringPreview caps string-like previews, in bytes.
	StringPreview int

	// InstancePreview caps user-instance previews, in bytes.
	InstancePreview int

	// UseGCReferents records the generic referent enumeration for every
	// object in addition to its shape edges. Opaque objects always use
	// the referent enumeration; this toggle extends it to the rest of
	// the heap, which costs a full extra pass per object.
	UseGCReferents bool

	// BatchSize overrides the writer's flush batch size.
	BatchSize int

	// Engine picks the storage engine: "sqlite" (default) or "badger".
	Engine string
}

// NewBackend returns the storage engine selected by the options.
func (o Options) NewBackend() store.Backend {
	if o.Engine == "badger" {
		return store.NewBadgerBackend()
	}
	return store.NewSQLiteBackend()
}

// DumpGraph walks every object reachable from the runtime's roots and
// writes a raw snapshot to dest. It returns once the snapshot is
// flushed; the only errors it surfaces are destination I/O failures.
//
// Precondition: no other goroutine mutates the captured heap while the
// walk runs. The intended deployment snapshots a forked child or an
// otherwise quiescent process.
func DumpGraph(rt heap.Runtime, dest string, opts Options) error {
	be := opts.NewBackend()
	if err := be.Create(dest); err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer func() { _ = be.Close() }()

	hostname, _ := os.Hostname()

	w := store.NewWriter(be, opts.BatchSize)
	if err := w.Begin(hostname, ProcessRSS()); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}

	wk := NewWalker(rt, w, opts)
	if err := wk.Walk(); err != nil {
		// Seal what was flushed; the partial snapshot stays analyzable.
		_ = w.Finish(false)
		return fmt.Errorf("writing snapshot: %w", err)
	}

	if err := w.Finish(true); err != nil {
		return fmt.Errorf("sealing snapshot: %w", err)
	}
	return nil
}
