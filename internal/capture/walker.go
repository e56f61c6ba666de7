// Package capture implements the traversal engine and the capture entry
// point.
//
// The walker visits every object reachable from the runtime's seed sets
// exactly once, in a deterministic order derived from discovery, and
// streams node and edge records into a snapshot writer. It assumes the
// heap is frozen for its duration (the intended deployment forks the
// target and walks in the child); that precondition is documented, not
// enforced.
package capture

import (
	"fmt"
	"strings"

	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/store"
)

// Preview caps applied when the options leave them zero.
const (
	DefaultStringPreview   = 256
	DefaultInstancePreview = 128
)

// captureFramePrefix marks frames belonging to the capturing machinery
// itself; they are excluded unless IncludeCaptureFrames is set.
const captureFramePrefix = "objex.capture"

// Walker performs the worklist reachability walk.
type Walker struct {
	rt   heap.Runtime
	w    *store.Writer
	opts Options

	seen    map[uint64]bool
	queue   []heap.Object
	typeIDs map[uint64]uint32
	nextTID uint32

	// fallbackType types nodes whose shape adapter failed.
	fallbackType heap.Object

	// Warnings collects non-fatal seed problems; the walk never fails
	// because of them.
	Warnings []string

	// Visited counts objects recorded, for progress reporting.
	Visited int64
}

// NewWalker creates a walker streaming into w.
func NewWalker(rt heap.Runtime, w *store.Writer, opts Options) *Walker {
	if opts.StringPreview <= 0 {
		opts.StringPreview = DefaultStringPreview
	}
	if opts.InstancePreview <= 0 {
		opts.InstancePreview = DefaultInstancePreview
	}
	return &Walker{
		rt:      rt,
		w:       w,
		opts:    opts,
		seen:    make(map[uint64]bool),
		typeIDs: make(map[uint64]uint32),
	}
}

// Walk runs the traversal to completion. Per-object shape failures are
// recorded on the node and never abort the walk; only writer errors
// propagate.
func (wk *Walker) Walk() error {
	wk.seed()

	for len(wk.queue) > 0 {
		obj := wk.queue[0]
		wk.queue = wk.queue[1:]
		if err := wk.visit(obj); err != nil {
			return err
		}
	}
	return nil
}

// seed enqueues the explicit seed set: modules sorted by name, live
// frames topmost first, then the builtin type objects. The builtin pass
// also picks out the other-builtin type object used as the fallback type.
func (wk *Walker) seed() {
	for _, m := range wk.rt.Modules() {
		wk.enqueueRoot(m, "module")
	}
	for _, f := range wk.rt.Frames() {
		if !wk.opts.IncludeCaptureFrames && strings.HasPrefix(f.Name(), captureFramePrefix) {
			continue
		}
		wk.enqueueRoot(f, "frame")
	}

	builtins := wk.rt.BuiltinTypes()
	for i, t := range builtins {
		if t == nil {
			wk.Warnings = append(wk.Warnings, "builtin type seed unreadable, skipped")
			continue
		}
		if i < len(heap.BuiltinSeedOrder) && heap.BuiltinSeedOrder[i] == graph.ClassOtherBuiltin {
			wk.fallbackType = t
		}
		wk.enqueue(t)
	}
}

func (wk *Walker) enqueueRoot(obj heap.Object, kind string) {
	if obj == nil {
		wk.Warnings = append(wk.Warnings, fmt.Sprintf("%s root unreadable, skipped", kind))
		return
	}
	wk.enqueue(obj)
}

// enqueue appends obj to the worklist unless its identity was already
// discovered. Marking happens at enqueue time so an object queued twice
// before its first visit is still visited once.
func (wk *Walker) enqueue(obj heap.Object) {
	if obj == nil {
		return
	}
	addr := obj.Addr()
	if wk.seen[addr] {
		return
	}
	wk.seen[addr] = true
	wk.queue = append(wk.queue, obj)
}

// pendingEdge is one labeled outbound reference discovered by a shape
// adapter.
type pendingEdge struct {
	label string
	dst   heap.Object
}

// visit records one object and its outbound edges.
func (wk *Walker) visit(obj heap.Object) error {
	class := obj.Class()
	edges, shapeErr := wk.extract(obj, class)

	var flags uint32
	if shapeErr != nil {
		// The object is recorded with no outbound edges, the error
		// flag, and the fallback classification.
		flags |= graph.FlagExtractionFailed
		class = graph.ClassOtherBuiltin
		edges = nil
	}

	typeID := wk.ensureType(obj, class, shapeErr != nil)

	rec := graph.NodeRecord{
		ID:       obj.Addr(),
		TypeID:   typeID,
		Size:     obj.Size(),
		RefCount: obj.RefCount(),
		Flags:    flags,
	}
	if n, ok := obj.Len(); ok {
		rec.Len, rec.HasLen = n, true
	}
	if p, ok := wk.preview(obj, class); ok {
		rec.Preview = p
	}

	if err := wk.w.AddNode(rec); err != nil {
		return err
	}
	wk.Visited++

	for _, e := range edges {
		if e.dst == nil {
			continue
		}
		err := wk.w.AddEdge(graph.EdgeRecord{
			SrcID:      rec.ID,
			LabelStrID: wk.w.Intern(e.label),
			DstID:      e.dst.Addr(),
		})
		if err != nil {
			return err
		}
		wk.enqueue(e.dst)
	}
	return nil
}

// extract runs the shape adapter for the object's classification and
// returns the labeled outbound edges in the adapter's natural order.
// With UseGCReferents set, the generic referent enumeration is recorded
// for every object in addition to its shape edges.
func (wk *Walker) extract(obj heap.Object, class graph.Classification) ([]pendingEdge, error) {
	edges, err := wk.shapeEdges(obj, class)
	if err != nil {
		return nil, err
	}
	if wk.opts.UseGCReferents && class != graph.ClassOtherBuiltin {
		extra, err := wk.referentEdges(obj)
		if err != nil {
			return nil, err
		}
		edges = append(edges, extra...)
	}
	return edges, nil
}

func (wk *Walker) shapeEdges(obj heap.Object, class graph.Classification) ([]pendingEdge, error) {
	switch class {
	case graph.ClassDict:
		return wk.extractDict(obj)
	case graph.ClassList, graph.ClassTuple:
		items, err := obj.SeqItems()
		if err != nil {
			return nil, err
		}
		edges := make([]pendingEdge, 0, len(items))
		for i, item := range items {
			edges = append(edges, pendingEdge{label: graph.IndexLabel(i), dst: item})
		}
		return edges, nil
	case graph.ClassSet:
		items, err := obj.SetItems()
		if err != nil {
			return nil, err
		}
		edges := make([]pendingEdge, 0, len(items))
		for _, item := range items {
			edges = append(edges, pendingEdge{label: graph.MemberLabel, dst: item})
		}
		return edges, nil
	case graph.ClassFrame:
		return wk.extractFrame(obj)
	case graph.ClassFunction, graph.ClassCode, graph.ClassModule, graph.ClassType, graph.ClassUserInstance:
		attrs, err := obj.Attrs()
		if err != nil {
			return nil, err
		}
		edges := make([]pendingEdge, 0, len(attrs))
		for _, a := range attrs {
			edges = append(edges, pendingEdge{label: graph.AttrLabel(a.Name), dst: a.Value})
		}
		return edges, nil
	case graph.ClassString, graph.ClassBytes, graph.ClassInt, graph.ClassFloat:
		return nil, nil
	default:
		// Opaque objects have no shape of their own; the generic
		// referent enumeration is their only adapter.
		return wk.referentEdges(obj)
	}
}

func (wk *Walker) referentEdges(obj heap.Object) ([]pendingEdge, error) {
	refs, err := obj.Referents()
	if err != nil {
		return nil, err
	}
	edges := make([]pendingEdge, 0, len(refs))
	for _, r := range refs {
		edges = append(edges, pendingEdge{label: r.Token, dst: r.Value})
	}
	return edges, nil
}

// extractDict applies the mapping edge-label policy: short key
// representations become the value edge's literal label; otherwise the
// value edge references the key node when the key is tracked, and carries
// the key representation truncated to the literal limit when it is not.
// A key that is itself a tracked object additionally gets a <key> edge.
func (wk *Walker) extractDict(obj heap.Object) ([]pendingEdge, error) {
	entries, err := obj.DictEntries()
	if err != nil {
		return nil, err
	}
	var edges []pendingEdge
	for _, e := range entries {
		if e.Key != nil {
			edges = append(edges, pendingEdge{label: graph.KeySentinel, dst: e.Key})
		}
		if e.Value == nil {
			continue
		}
		label := e.KeyRepr
		if len(label) > graph.MaxKeyLiteral || label == "" {
			if e.Key != nil {
				label = graph.KeyRefLabel(e.Key.Addr())
			} else {
				label = truncate(e.KeyRepr, graph.MaxKeyLiteral)
			}
		}
		edges = append(edges, pendingEdge{label: label, dst: e.Value})
	}
	return edges, nil
}

func (wk *Walker) extractFrame(obj heap.Object) ([]pendingEdge, error) {
	fi, err := obj.FrameInfo()
	if err != nil {
		return nil, err
	}
	var edges []pendingEdge
	for _, l := range fi.Locals {
		edges = append(edges, pendingEdge{label: graph.LocalLabel(l.Name), dst: l.Value})
	}
	if fi.Globals != nil {
		edges = append(edges, pendingEdge{label: "f_globals", dst: fi.Globals})
	}
	if fi.Back != nil {
		edges = append(edges, pendingEdge{label: "f_back", dst: fi.Back})
	}
	if fi.Code != nil {
		edges = append(edges, pendingEdge{label: "f_code", dst: fi.Code})
	}
	return edges, nil
}

// ensureType interns the type record for an object, enqueueing the type
// object itself. Failed nodes are typed by the builtin other-builtin
// type so their recorded classification matches their recorded shape.
func (wk *Walker) ensureType(obj heap.Object, class graph.Classification, failed bool) uint32 {
	typeObj := obj.TypeObj()
	if failed && wk.fallbackType != nil {
		typeObj = wk.fallbackType
	}
	if typeObj == nil {
		typeObj = obj // degenerate runtimes; the node types itself
	}

	if id, ok := wk.typeIDs[typeObj.Addr()]; ok {
		return id
	}
	wk.nextTID++
	id := wk.nextTID
	wk.typeIDs[typeObj.Addr()] = id

	name := typeObj.Name()
	if name == "" {
		name = obj.TypeName()
	}
	rec := graph.TypeRecord{
		ID:             id,
		NameStrID:      wk.w.Intern(name),
		TypeNodeID:     typeObj.Addr(),
		Classification: class,
	}
	// Writer errors surface on the next flush; type records are tiny.
	_ = wk.w.AddType(rec)

	wk.enqueue(typeObj)
	return id
}

// preview returns the bounded textual preview for classes that carry
// one: string-likes at the string cap, user instances at the instance
// cap, named objects at the string cap.
func (wk *Walker) preview(obj heap.Object, class graph.Classification) (string, bool) {
	switch class {
	case graph.ClassString, graph.ClassBytes:
		return obj.Preview(wk.opts.StringPreview)
	case graph.ClassUserInstance:
		return obj.Preview(wk.opts.InstancePreview)
	case graph.ClassModule, graph.ClassFrame, graph.ClassFunction, graph.ClassCode, graph.ClassType:
		return obj.Preview(wk.opts.StringPreview)
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
