package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/Benny93/objex-go/internal/graph"
)

// MemoryBackend is a map-backed engine used by tests and short-lived
// programmatic captures. Nothing is persisted; Create and Open only
// record the path label.
type MemoryBackend struct {
	path     string
	readOnly bool

	header  Header
	hasHdr  bool
	strings map[uint32]string
	types   map[uint32]graph.TypeRecord
	typeIDs []uint32
	nodes   map[uint64]graph.NodeRecord
	nodeIDs []uint64
	edges   []graph.EdgeRecord

	inbound map[uint64][]graph.InEdge
	roots   map[uint64]bool
	rootIDs []uint64
	summary graph.Stats
	hasSum  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		strings: make(map[uint32]string),
		types:   make(map[uint32]graph.TypeRecord),
		nodes:   make(map[uint64]graph.NodeRecord),
		roots:   make(map[uint64]bool),
	}
}

// Create records the path label.
func (b *MemoryBackend) Create(path string) error {
	b.path = path
	return nil
}

// Open records the path label and read-only mode.
func (b *MemoryBackend) Open(path string, readOnly bool) error {
	b.path = path
	b.readOnly = readOnly
	return nil
}

// Close is a no-op; the data stays reachable for test assertions.
func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) WriteHeader(h Header) error {
	b.header = h
	b.hasHdr = true
	return nil
}

func (b *MemoryBackend) Header() (Header, error) {
	if !b.hasHdr {
		return Header{}, fmt.Errorf("reading header: no header written")
	}
	return b.header, nil
}

func (b *MemoryBackend) FinishCapture(complete bool, duration time.Duration) error {
	b.header.Complete = complete
	b.header.Duration = duration
	return nil
}

func (b *MemoryBackend) SetSchemaVersion(v int) error {
	b.header.SchemaVersion = v
	return nil
}

func (b *MemoryBackend) AppendStrings(recs []graph.StringRecord) error {
	for _, r := range recs {
		b.strings[r.ID] = r.Value
	}
	return nil
}

func (b *MemoryBackend) AppendTypes(recs []graph.TypeRecord) error {
	for _, r := range recs {
		b.types[r.ID] = r
		b.typeIDs = append(b.typeIDs, r.ID)
	}
	return nil
}

func (b *MemoryBackend) AppendNodes(recs []graph.NodeRecord) error {
	for _, r := range recs {
		b.nodes[r.ID] = r
		b.nodeIDs = append(b.nodeIDs, r.ID)
	}
	return nil
}

func (b *MemoryBackend) AppendEdges(recs []graph.EdgeRecord) error {
	b.edges = append(b.edges, recs...)
	return nil
}

// BuildIndexes materializes the reverse-edge map.
func (b *MemoryBackend) BuildIndexes() error {
	b.inbound = make(map[uint64][]graph.InEdge)
	for _, e := range b.edges {
		label := b.strings[e.LabelStrID]
		b.inbound[e.DstID] = append(b.inbound[e.DstID], graph.InEdge{SrcID: e.SrcID, Label: label})
	}
	for _, in := range b.inbound {
		sort.Slice(in, func(i, j int) bool {
			if in[i].SrcID != in[j].SrcID {
				return in[i].SrcID < in[j].SrcID
			}
			return in[i].Label < in[j].Label
		})
	}
	return nil
}

func (b *MemoryBackend) WriteRoots(ids []uint64) error {
	b.roots = make(map[uint64]bool, len(ids))
	for _, id := range ids {
		b.roots[id] = true
	}
	b.rootIDs = append([]uint64(nil), ids...)
	sort.Slice(b.rootIDs, func(i, j int) bool { return b.rootIDs[i] < b.rootIDs[j] })
	return nil
}

func (b *MemoryBackend) WriteSummary(s graph.Stats) error {
	b.summary = s
	b.hasSum = true
	return nil
}

func (b *MemoryBackend) Stats() (graph.Stats, error) {
	if !b.hasSum {
		return graph.Stats{}, fmt.Errorf("reading summary: not analyzed")
	}
	return b.summary, nil
}

func (b *MemoryBackend) ScanNodes(fn func(graph.NodeRecord) error) error {
	for _, id := range b.sortedNodeIDs() {
		if err := fn(b.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) ScanEdges(fn func(graph.EdgeRecord) error) error {
	for _, e := range b.edges {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) ScanTypes(fn func(graph.TypeRecord) error) error {
	ids := append([]uint32(nil), b.typeIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := fn(b.types[id]); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Node(id uint64) (graph.NodeRecord, error) {
	r, ok := b.nodes[id]
	if !ok {
		return graph.NodeRecord{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return r, nil
}

func (b *MemoryBackend) TypeRec(id uint32) (graph.TypeRecord, error) {
	r, ok := b.types[id]
	if !ok {
		return graph.TypeRecord{}, fmt.Errorf("type %d not found", id)
	}
	return r, nil
}

func (b *MemoryBackend) StringValue(id uint32) (string, error) {
	s, ok := b.strings[id]
	if !ok {
		return "", fmt.Errorf("string %d not found", id)
	}
	return s, nil
}

func (b *MemoryBackend) StringCount() (int64, error) {
	return int64(len(b.strings)), nil
}

func (b *MemoryBackend) Outbound(id uint64) ([]graph.OutEdge, error) {
	var out []graph.OutEdge
	for _, e := range b.edges {
		if e.SrcID == id {
			out = append(out, graph.OutEdge{Label: b.strings[e.LabelStrID], DstID: e.DstID})
		}
	}
	return out, nil
}

func (b *MemoryBackend) Inbound(id uint64) ([]graph.InEdge, error) {
	if b.inbound == nil {
		return nil, fmt.Errorf("reading inbound edges: reverse index not built")
	}
	return b.inbound[id], nil
}

func (b *MemoryBackend) TypeMembers(typeID uint32) ([]uint64, error) {
	var out []uint64
	for _, id := range b.sortedNodeIDs() {
		if b.nodes[id].TypeID == typeID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Roots() ([]uint64, error) {
	return append([]uint64(nil), b.rootIDs...), nil
}

func (b *MemoryBackend) IsRoot(id uint64) (bool, error) {
	return b.roots[id], nil
}

func (b *MemoryBackend) NonRootCount() (int64, error) {
	return int64(len(b.nodes) - len(b.rootIDs)), nil
}

func (b *MemoryBackend) NonRootAt(offset int64) (uint64, error) {
	var i int64
	for _, id := range b.sortedNodeIDs() {
		if b.roots[id] {
			continue
		}
		if i == offset {
			return id, nil
		}
		i++
	}
	return 0, fmt.Errorf("%w: non-root offset %d", ErrNodeNotFound, offset)
}

func (b *MemoryBackend) sortedNodeIDs() []uint64 {
	ids := append([]uint64(nil), b.nodeIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
