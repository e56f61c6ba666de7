// Package query implements the read-side query engine over an analyzed
// snapshot artifact.
//
// The engine is stateless per call: lookups, edge listings, random
// sampling, and retention-path searches each run against the immutable
// artifact with no session state. Shells layer cursors and history on
// top of it.
package query

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/store"
)

// Engine answers queries over one analysis artifact.
type Engine struct {
	be       store.Backend
	degraded bool
	rng      *rand.Rand

	types     map[uint32]graph.TypeRecord
	typeNames map[uint32]string
}

// Open opens the analysis artifact at path read-only. Raw snapshots are
// rejected with ErrNotAnalyzed; incomplete captures open in degraded
// mode.
func Open(path string) (*Engine, error) {
	be := store.Detect(path)
	if err := be.Open(path, true); err != nil {
		return nil, err
	}

	e, err := NewEngine(be)
	if err != nil {
		_ = be.Close()
		return nil, err
	}
	return e, nil
}

// NewEngine wraps an already-opened backend, validating its header.
func NewEngine(be store.Backend) (*Engine, error) {
	h, err := be.Header()
	if err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if h.SchemaVersion < store.SchemaAnalyzed {
		return nil, store.ErrNotAnalyzed
	}

	return &Engine{
		be:        be,
		degraded:  !h.Complete,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		types:     make(map[uint32]graph.TypeRecord),
		typeNames: make(map[uint32]string),
	}, nil
}

// Close releases the artifact.
func (e *Engine) Close() error {
	return e.be.Close()
}

// Degraded reports whether the artifact came from an aborted capture;
// queries still run over whatever was flushed.
func (e *Engine) Degraded() bool {
	return e.degraded
}

// SeedRandom makes Random deterministic, for tests and reproducible
// exploration sessions.
func (e *Engine) SeedRandom(seed int64) {
	e.rng = rand.New(rand.NewSource(seed))
}

// OutboundEntry is one outbound edge with its destination summarized.
type OutboundEntry struct {
	Label string
	DstID uint64
	Dst   graph.NodeSummary
}

// InboundEntry is one inbound edge with its source summarized.
type InboundEntry struct {
	SrcID uint64
	Label string
	Src   graph.NodeSummary
}

// NodeDetail is a node record with its outbound edges, as returned by
// Lookup.
type NodeDetail struct {
	graph.NodeSummary
	Outbound []OutboundEntry
}

// Lookup returns the node record with its outbound edges.
func (e *Engine) Lookup(id uint64) (NodeDetail, error) {
	sum, err := e.Summary(id)
	if err != nil {
		return NodeDetail{}, err
	}
	out, err := e.Outbound(id)
	if err != nil {
		return NodeDetail{}, err
	}
	return NodeDetail{NodeSummary: sum, Outbound: out}, nil
}

// Summary returns the node summary for one id.
func (e *Engine) Summary(id uint64) (graph.NodeSummary, error) {
	n, err := e.be.Node(id)
	if err != nil {
		return graph.NodeSummary{}, err
	}
	tr, name, err := e.typeOf(n.TypeID)
	if err != nil {
		return graph.NodeSummary{}, err
	}
	return graph.NodeSummary{
		ID:             n.ID,
		Classification: tr.Classification,
		TypeName:       name,
		Size:           n.Size,
		RefCount:       n.RefCount,
		Len:            n.Len,
		HasLen:         n.HasLen,
		Preview:        n.Preview,
		Flags:          n.Flags,
	}, nil
}

// Outbound returns a node's outbound edges with destination summaries,
// in capture order.
func (e *Engine) Outbound(id uint64) ([]OutboundEntry, error) {
	if _, err := e.be.Node(id); err != nil {
		return nil, err
	}
	edges, err := e.be.Outbound(id)
	if err != nil {
		return nil, err
	}
	out := make([]OutboundEntry, 0, len(edges))
	for _, edge := range edges {
		sum, err := e.Summary(edge.DstID)
		if err != nil {
			return nil, err
		}
		out = append(out, OutboundEntry{Label: edge.Label, DstID: edge.DstID, Dst: sum})
	}
	return out, nil
}

// Inbound returns a node's inbound edges with source summaries, served
// from the reverse index.
func (e *Engine) Inbound(id uint64) ([]InboundEntry, error) {
	if _, err := e.be.Node(id); err != nil {
		return nil, err
	}
	edges, err := e.be.Inbound(id)
	if err != nil {
		return nil, err
	}
	out := make([]InboundEntry, 0, len(edges))
	for _, edge := range edges {
		sum, err := e.Summary(edge.SrcID)
		if err != nil {
			return nil, err
		}
		out = append(out, InboundEntry{SrcID: edge.SrcID, Label: edge.Label, Src: sum})
	}
	return out, nil
}

// ErrNoSampleSpace reports a Random call against a snapshot with no
// non-root nodes.
var ErrNoSampleSpace = errors.New("no non-root nodes to sample")

// Random returns an id uniformly sampled over all non-root nodes.
func (e *Engine) Random() (uint64, error) {
	n, err := e.be.NonRootCount()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNoSampleSpace
	}
	return e.be.NonRootAt(e.rng.Int63n(n))
}

// Stats returns the materialized snapshot statistics.
func (e *Engine) Stats() (graph.Stats, error) {
	return e.be.Stats()
}

// typeOf resolves a type record and its name, caching both.
func (e *Engine) typeOf(id uint32) (graph.TypeRecord, string, error) {
	if tr, ok := e.types[id]; ok {
		return tr, e.typeNames[id], nil
	}
	tr, err := e.be.TypeRec(id)
	if err != nil {
		return graph.TypeRecord{}, "", fmt.Errorf("resolving type %d: %w", id, err)
	}
	name, err := e.be.StringValue(tr.NameStrID)
	if err != nil {
		return graph.TypeRecord{}, "", fmt.Errorf("resolving type name: %w", err)
	}
	e.types[id] = tr
	e.typeNames[id] = name
	return tr, name, nil
}

// classOf returns just the classification for an id; used by the path
// search for terminal selection.
func (e *Engine) classOf(id uint64) (graph.Classification, error) {
	n, err := e.be.Node(id)
	if err != nil {
		return "", err
	}
	tr, _, err := e.typeOf(n.TypeID)
	if err != nil {
		return "", err
	}
	return tr.Classification, nil
}
