package store

import (
	"fmt"
	"time"

	"github.com/Benny93/objex-go/internal/graph"
)

// DefaultBatchSize is the number of records buffered per table before a
// flush. Type, node and edge buffers each flush when full; pending
// strings are flushed ahead of every type or edge batch.
const DefaultBatchSize = 512

// Writer is the streaming sink between the capture walker and a Backend.
// It owns the interned string table and flushes fixed-size batches so a
// mid-capture abort still leaves an analyzable artifact on disk.
type Writer struct {
	be        Backend
	batchSize int
	started   time.Time

	interned map[string]uint32
	nextStr  uint32

	strings []graph.StringRecord
	types   []graph.TypeRecord
	nodes   []graph.NodeRecord
	edges   []graph.EdgeRecord
}

// NewWriter creates a writer over an opened backend. batchSize <= 0 uses
// DefaultBatchSize.
func NewWriter(be Backend, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Writer{
		be:        be,
		batchSize: batchSize,
		started:   time.Now(),
		interned:  make(map[string]uint32),
	}
}

// Begin writes the snapshot header with Complete false; FinishCapture
// flips it once the walk has run to completion.
func (w *Writer) Begin(hostname string, rssBytes int64) error {
	h := Header{
		FormatVersion: FormatVersion,
		SchemaVersion: SchemaRaw,
		CreatedAt:     w.started,
		Hostname:      hostname,
		RSSBytes:      rssBytes,
		Complete:      false,
	}
	return w.be.WriteHeader(h)
}

// Intern returns the string-table reference for s, assigning the next
// 32-bit index on first sight. The table is append-only within one
// snapshot; index 0 is never assigned.
func (w *Writer) Intern(s string) uint32 {
	if id, ok := w.interned[s]; ok {
		return id
	}
	w.nextStr++
	id := w.nextStr
	w.interned[s] = id
	w.strings = append(w.strings, graph.StringRecord{ID: id, Value: s})
	return id
}

// AddType buffers a type record.
func (w *Writer) AddType(r graph.TypeRecord) error {
	w.types = append(w.types, r)
	if len(w.types) >= w.batchSize {
		return w.flushTypes()
	}
	return nil
}

// AddNode buffers a node record.
func (w *Writer) AddNode(r graph.NodeRecord) error {
	w.nodes = append(w.nodes, r)
	if len(w.nodes) >= w.batchSize {
		return w.flushNodes()
	}
	return nil
}

// AddEdge buffers an edge record.
func (w *Writer) AddEdge(r graph.EdgeRecord) error {
	w.edges = append(w.edges, r)
	if len(w.edges) >= w.batchSize {
		return w.flushEdges()
	}
	return nil
}

// Flush drains every buffer. Strings flush first so labels and names
// always precede the records referencing them.
func (w *Writer) Flush() error {
	if len(w.strings) > 0 {
		if err := w.be.AppendStrings(w.strings); err != nil {
			return fmt.Errorf("flushing strings: %w", err)
		}
		w.strings = w.strings[:0]
	}
	if err := w.flushTypes(); err != nil {
		return err
	}
	if err := w.flushNodes(); err != nil {
		return err
	}
	return w.flushEdges()
}

func (w *Writer) flushTypes() error {
	if len(w.types) == 0 {
		return nil
	}
	if err := w.flushStrings(); err != nil {
		return err
	}
	if err := w.be.AppendTypes(w.types); err != nil {
		return fmt.Errorf("flushing types: %w", err)
	}
	w.types = w.types[:0]
	return nil
}

func (w *Writer) flushNodes() error {
	if len(w.nodes) == 0 {
		return nil
	}
	if err := w.be.AppendNodes(w.nodes); err != nil {
		return fmt.Errorf("flushing nodes: %w", err)
	}
	w.nodes = w.nodes[:0]
	return nil
}

func (w *Writer) flushEdges() error {
	if len(w.edges) == 0 {
		return nil
	}
	if err := w.flushStrings(); err != nil {
		return err
	}
	if err := w.be.AppendEdges(w.edges); err != nil {
		return fmt.Errorf("flushing edges: %w", err)
	}
	w.edges = w.edges[:0]
	return nil
}

func (w *Writer) flushStrings() error {
	if len(w.strings) == 0 {
		return nil
	}
	if err := w.be.AppendStrings(w.strings); err != nil {
		return fmt.Errorf("flushing strings: %w", err)
	}
	w.strings = w.strings[:0]
	return nil
}

// Finish flushes everything and seals the snapshot. complete is false
// when the walk aborted; the artifact stays analyzable either way.
func (w *Writer) Finish(complete bool) error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.be.FinishCapture(complete, time.Since(w.started))
}
