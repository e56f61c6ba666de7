package query

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/objex-go/internal/analyze"
	"github.com/Benny93/objex-go/internal/capture"
	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/store"
)

// engineOver walks h into a fresh memory backend, analyzes it, and
// returns a query engine.
func engineOver(t *testing.T, h *heap.Synthetic) *Engine {
	t.Helper()
	be := store.NewMemoryBackend()
	require.NoError(t, be.Create("mem"))
	w := store.NewWriter(be, 0)
	require.NoError(t, w.Begin("test", 0))

	wk := capture.NewWalker(h, w, capture.Options{})
	require.NoError(t, wk.Walk())
	require.NoError(t, w.Finish(true))
	require.NoError(t, analyze.Analyze(be))

	e, err := NewEngine(be)
	require.NoError(t, err)
	return e
}

func TestEngine_RejectsRawSnapshot(t *testing.T) {
	t.Parallel()

	be := store.NewMemoryBackend()
	require.NoError(t, be.Create("mem"))
	w := store.NewWriter(be, 0)
	require.NoError(t, w.Begin("test", 0))
	require.NoError(t, w.Finish(true))

	_, err := NewEngine(be)
	assert.ErrorIs(t, err, store.ErrNotAnalyzed)
}

func TestEngine_DegradedOpenForIncompleteCapture(t *testing.T) {
	t.Parallel()

	be := store.NewMemoryBackend()
	require.NoError(t, be.Create("mem"))
	w := store.NewWriter(be, 0)
	require.NoError(t, w.Begin("test", 0))
	require.NoError(t, w.AddType(graph.TypeRecord{ID: 1, NameStrID: w.Intern("type"), TypeNodeID: 1, Classification: graph.ClassType}))
	require.NoError(t, w.AddNode(graph.NodeRecord{ID: 1, TypeID: 1, Size: 64}))
	require.NoError(t, w.Finish(false)) // aborted capture
	require.NoError(t, analyze.Analyze(be))

	e, err := NewEngine(be)
	require.NoError(t, err)
	assert.True(t, e.Degraded())
}

func TestEngine_LookupAndSummary(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("app")
	s := h.Str("hello")
	m.SetAttr("x", s)
	e := engineOver(t, h)

	detail, err := e.Lookup(m.Addr())
	require.NoError(t, err)
	assert.Equal(t, graph.ClassModule, detail.Classification)
	assert.Equal(t, "module", detail.TypeName)
	require.Len(t, detail.Outbound, 1)
	assert.Equal(t, "x", detail.Outbound[0].Label)
	assert.Equal(t, s.Addr(), detail.Outbound[0].DstID)
	assert.Equal(t, graph.ClassString, detail.Outbound[0].Dst.Classification)
	assert.Equal(t, "hello", detail.Outbound[0].Dst.Preview)

	_, err = e.Lookup(999999)
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

// Scenario: module-retained leaf. Module M's attribute x points at the
// string "hello".
func TestPathsToRoots_ModuleRetainedLeaf(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	s := h.Str("hello")
	m.SetAttr("x", s)
	e := engineOver(t, h)

	res, err := e.PathsToRoots(s.Addr(), 1, PathOptions{})
	require.NoError(t, err)
	assert.Equal(t, TerminationModule, res.Termination)
	require.Len(t, res.Paths, 1)

	p := res.Paths[0]
	assert.Equal(t, graph.ClassModule, p.RootClass)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, m.Addr(), p.Steps[0].NodeID)
	assert.Equal(t, "x", p.Steps[0].Label)
	assert.Equal(t, s.Addr(), p.Steps[1].NodeID)

	in, err := e.Inbound(s.Addr())
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, m.Addr(), in[0].SrcID)
	assert.Equal(t, "x", in[0].Label)
}

// Scenario: frame-only retention. Frame F's local t binds O; no module
// references O.
func TestPathsToRoots_FrameOnly(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	h.Module("M") // present but unrelated
	f := h.PushFrame("F")
	o := h.Instance("m.Obj")
	f.SetLocal("t", o)
	e := engineOver(t, h)

	res, err := e.PathsToRoots(o.Addr(), 1, PathOptions{})
	require.NoError(t, err)
	assert.Equal(t, TerminationFrameOnly, res.Termination)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, graph.ClassFrame, res.Paths[0].RootClass)
	assert.Equal(t, f.Addr(), res.Paths[0].Steps[0].NodeID)
	assert.Equal(t, graph.LocalLabel("t"), res.Paths[0].Steps[0].Label)
}

// Scenario: cycle. Three objects A→B→C→A with no external references;
// written straight through the store so the walker's reachability rule
// doesn't prune them.
func TestPathsToRoots_UnreachableCycle(t *testing.T) {
	t.Parallel()

	be := store.NewMemoryBackend()
	require.NoError(t, be.Create("mem"))
	w := store.NewWriter(be, 0)
	require.NoError(t, w.Begin("test", 0))

	require.NoError(t, w.AddType(graph.TypeRecord{ID: 1, NameStrID: w.Intern("type"), TypeNodeID: 100, Classification: graph.ClassType}))
	require.NoError(t, w.AddType(graph.TypeRecord{ID: 2, NameStrID: w.Intern("node"), TypeNodeID: 101, Classification: graph.ClassOtherBuiltin}))
	require.NoError(t, w.AddNode(graph.NodeRecord{ID: 100, TypeID: 1, Size: 64}))
	require.NoError(t, w.AddNode(graph.NodeRecord{ID: 101, TypeID: 1, Size: 64}))

	a, b, c := uint64(1), uint64(2), uint64(3)
	for _, id := range []uint64{a, b, c} {
		require.NoError(t, w.AddNode(graph.NodeRecord{ID: id, TypeID: 2, Size: 32}))
	}
	next := w.Intern("<next>")
	require.NoError(t, w.AddEdge(graph.EdgeRecord{SrcID: a, LabelStrID: next, DstID: b}))
	require.NoError(t, w.AddEdge(graph.EdgeRecord{SrcID: b, LabelStrID: next, DstID: c}))
	require.NoError(t, w.AddEdge(graph.EdgeRecord{SrcID: c, LabelStrID: next, DstID: a}))
	require.NoError(t, w.Finish(true))
	require.NoError(t, analyze.Analyze(be))

	e, err := NewEngine(be)
	require.NoError(t, err)

	res, err := e.PathsToRoots(a, 5, PathOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Paths)
	assert.Equal(t, TerminationNoRoot, res.Termination, "a cycle is not budget exhaustion")

	in, err := e.Inbound(a)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, c, in[0].SrcID)
	assert.Equal(t, "<next>", in[0].Label)
}

// Scenario: fan-in singleton. Many holders reference one node; the
// search completes under budget and prefers the module-rooted path even
// though a frame reaches the singleton in fewer hops.
func TestPathsToRoots_FanInPrefersModule(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	f := h.PushFrame("F")
	singleton := h.New(graph.ClassOtherBuiltin)
	f.SetLocal("n", singleton)

	holders := h.New(graph.ClassList)
	m.SetAttr("holders", holders)
	for i := 0; i < 10_000; i++ {
		holder := h.New(graph.ClassTuple)
		holder.Append(singleton)
		holders.Append(holder)
	}
	e := engineOver(t, h)

	res, err := e.PathsToRoots(singleton.Addr(), 1, PathOptions{})
	require.NoError(t, err)
	assert.Equal(t, TerminationModule, res.Termination)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, graph.ClassModule, res.Paths[0].RootClass)
	assert.Equal(t, m.Addr(), res.Paths[0].Steps[0].NodeID)
	assert.LessOrEqual(t, res.Visited, DefaultVisitBudget)
}

// Scenario: dict with object key. outbound(D) includes both the <key>
// edge to the key node and the repr-labeled edge to the value.
func TestOutbound_DictWithObjectKey(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	d := h.New(graph.ClassDict)
	k := h.Instance("m.Key")
	v := h.Str("v")
	m.SetAttr("d", d)
	d.SetKey("<m.Key#1>", k, v)
	e := engineOver(t, h)

	out, err := e.Outbound(d.Addr())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, graph.KeySentinel, out[0].Label)
	assert.Equal(t, k.Addr(), out[0].DstID)
	assert.Equal(t, "<m.Key#1>", out[1].Label)
	assert.Equal(t, v.Addr(), out[1].DstID)
}

// Scenario: random reachability. Sampled ids always come from the
// non-root set, and each is either reachable from some root or
// explicitly reported as not.
func TestRandom_SamplesNonRoots(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	lst := h.New(graph.ClassList)
	m.SetAttr("xs", lst)
	for i := 0; i < 50; i++ {
		lst.Append(h.Str("x"))
	}
	e := engineOver(t, h)
	e.SeedRandom(1)

	for i := 0; i < 1000; i++ {
		id, err := e.Random()
		require.NoError(t, err)

		sum, err := e.Summary(id)
		require.NoError(t, err)
		require.False(t, sum.Classification.IsRoot(), "random returned root %d", id)

		res, err := e.PathsToRoots(id, 1, PathOptions{})
		require.NoError(t, err)
		switch res.Termination {
		case TerminationModule, TerminationFrameOnly:
			require.NotEmpty(t, res.Paths)
		case TerminationNoRoot, TerminationBudget:
			require.Empty(t, res.Paths)
		}
	}
}

func TestPathsToRoots_BudgetExhausted(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	// A long chain: M -> c0 -> c1 -> ... -> target.
	chain := h.New(graph.ClassList)
	m.SetAttr("chain", chain)
	cur := chain
	for i := 0; i < 50; i++ {
		nxt := h.New(graph.ClassList)
		cur.Append(nxt)
		cur = nxt
	}
	target := h.Instance("m.Leaf")
	cur.Append(target)
	e := engineOver(t, h)

	res, err := e.PathsToRoots(target.Addr(), 1, PathOptions{Budget: 5})
	require.NoError(t, err)
	assert.Equal(t, TerminationBudget, res.Termination)
	assert.Empty(t, res.Paths)

	// The same query with a real budget succeeds.
	res, err = e.PathsToRoots(target.Addr(), 1, PathOptions{})
	require.NoError(t, err)
	assert.Equal(t, TerminationModule, res.Termination)
	require.Len(t, res.Paths, 1)
	assert.Len(t, res.Paths[0].Steps, 53)
}

func TestPathsToRoots_TargetIsRoot(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	e := engineOver(t, h)

	res, err := e.PathsToRoots(m.Addr(), 3, PathOptions{})
	require.NoError(t, err)
	assert.Equal(t, TerminationModule, res.Termination)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, []Step{{NodeID: m.Addr()}}, res.Paths[0].Steps)
}

func TestPathsToRoots_TieBreakIsLexicographic(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	target := h.Instance("m.Leaf")
	m.SetAttr("zeta", target)
	m.SetAttr("alpha", target)
	e := engineOver(t, h)

	res, err := e.PathsToRoots(target.Addr(), 5, PathOptions{})
	require.NoError(t, err)
	// One path per terminal root: both edges come from the same module,
	// and the reverse index orders (src, label), so the first-discovered
	// hop wins. That is the lexicographically smaller label.
	require.Len(t, res.Paths, 1)
	assert.Equal(t, "alpha", res.Paths[0].Steps[0].Label,
		"the (src, label)-sorted reverse index discovers the smaller label first")
}

func TestPathsToRoots_UnknownNode(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	h.Module("M")
	e := engineOver(t, h)

	_, err := e.PathsToRoots(424242, 1, PathOptions{})
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

func TestEngine_Stats(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("M")
	m.SetAttr("x", h.Str("hello"))
	e := engineOver(t, h)

	s, err := e.Stats()
	require.NoError(t, err)
	assert.Greater(t, s.Objects, int64(0))
	assert.Equal(t, int64(1), s.Roots)
	assert.NotEmpty(t, s.ByClass)
}

func TestOpen_EndToEndSQLite(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("app")
	m.SetAttr("greeting", h.Str("hello"))

	dir := t.TempDir()
	raw := filepath.Join(dir, "snap.db")
	require.NoError(t, capture.DumpGraph(h, raw, capture.Options{}))

	// A raw snapshot is rejected with a diagnostic.
	_, err := Open(raw)
	assert.ErrorIs(t, err, store.ErrNotAnalyzed)

	analyzed := analyze.AnalysisPath(raw)
	require.NoError(t, analyze.Index(raw, analyzed))

	e, err := Open(analyzed)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	res, err := e.PathsToRoots(findString(t, e), 1, PathOptions{})
	require.NoError(t, err)
	assert.Equal(t, TerminationModule, res.Termination)
}

// findString locates the "hello" string node by sampling random non-root
// nodes until one classifies as a string.
func findString(t *testing.T, e *Engine) uint64 {
	t.Helper()
	s, err := e.Stats()
	require.NoError(t, err)
	require.Greater(t, s.Objects, int64(0))

	id, err := e.Random()
	require.NoError(t, err)
	for i := 0; i < 10_000; i++ {
		sum, err := e.Summary(id)
		require.NoError(t, err)
		if sum.Classification == graph.ClassString {
			return id
		}
		id, err = e.Random()
		require.NoError(t, err)
	}
	t.Fatal("no string node found")
	return 0
}
