package analyze

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/objex-go/internal/capture"
	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/store"
)

func rawSnapshot(t *testing.T) string {
	t.Helper()
	h := heap.NewSynthetic()
	m := h.Module("app")
	d := h.New(graph.ClassDict)
	m.SetAttr("cache", d)
	d.SetKey("'greeting'", nil, h.Str("hello"))
	fr := h.PushFrame("app.serve")
	fr.SetLocal("scratch", h.New(graph.ClassList))

	path := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, capture.DumpGraph(h, path, capture.Options{}))
	return path
}

func TestIndex_ProducesAnalyzedArtifact(t *testing.T) {
	t.Parallel()

	raw := rawSnapshot(t)
	dst := AnalysisPath(raw)
	require.NoError(t, Index(raw, dst))

	be := store.NewSQLiteBackend()
	require.NoError(t, be.Open(dst, true))
	defer func() { _ = be.Close() }()

	h, err := be.Header()
	require.NoError(t, err)
	assert.Equal(t, store.SchemaAnalyzed, h.SchemaVersion)

	roots, err := be.Roots()
	require.NoError(t, err)
	assert.Len(t, roots, 2, "one module and one frame")
	for _, id := range roots {
		n, err := be.Node(id)
		require.NoError(t, err)
		tr, err := be.TypeRec(n.TypeID)
		require.NoError(t, err)
		assert.True(t, tr.Classification.IsRoot())
	}

	stats, err := be.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Roots)
	assert.Greater(t, stats.Objects, int64(5))
	assert.Greater(t, stats.Bytes, int64(0))
	assert.NotEmpty(t, stats.ByClass)

	// The raw snapshot is untouched.
	rawBE := store.NewSQLiteBackend()
	require.NoError(t, rawBE.Open(raw, true))
	rh, err := rawBE.Header()
	require.NoError(t, err)
	assert.Equal(t, store.SchemaRaw, rh.SchemaVersion)
	require.NoError(t, rawBE.Close())
}

func TestIndex_Idempotent(t *testing.T) {
	t.Parallel()

	raw := rawSnapshot(t)

	dstA := filepath.Join(filepath.Dir(raw), "a.db")
	dstB := filepath.Join(filepath.Dir(raw), "b.db")
	require.NoError(t, Index(raw, dstA))
	require.NoError(t, Index(raw, dstB))

	statsOf := func(path string) (graph.Stats, []uint64) {
		be := store.NewSQLiteBackend()
		require.NoError(t, be.Open(path, true))
		defer func() { _ = be.Close() }()
		s, err := be.Stats()
		require.NoError(t, err)
		roots, err := be.Roots()
		require.NoError(t, err)
		return s, roots
	}

	sa, ra := statsOf(dstA)
	sb, rb := statsOf(dstB)
	assert.Equal(t, sa, sb)
	assert.Equal(t, ra, rb)
}

func TestIndex_RejectsExistingDestination(t *testing.T) {
	t.Parallel()

	raw := rawSnapshot(t)
	dst := AnalysisPath(raw)
	require.NoError(t, Index(raw, dst))
	assert.Error(t, Index(raw, dst))
}

func TestIndex_MissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := Index(filepath.Join(dir, "absent.db"), filepath.Join(dir, "out.db"))
	assert.Error(t, err)
}

func TestIndex_BadgerEngine(t *testing.T) {
	t.Parallel()

	h := heap.NewSynthetic()
	m := h.Module("app")
	m.SetAttr("x", h.Str("hello"))

	dir := t.TempDir()
	raw := filepath.Join(dir, "snap.badger")
	require.NoError(t, capture.DumpGraph(h, raw, capture.Options{Engine: "badger"}))

	dst := AnalysisPath(raw)
	require.NoError(t, Index(raw, dst))

	be := store.NewBadgerBackend()
	require.NoError(t, be.Open(dst, false))
	defer func() { _ = be.Close() }()

	hd, err := be.Header()
	require.NoError(t, err)
	assert.Equal(t, store.SchemaAnalyzed, hd.SchemaVersion)

	roots, err := be.Roots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, m.Addr(), roots[0])

	in, err := be.Inbound(m.Addr())
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestAnalysisPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/tmp/snap.analysis.db", AnalysisPath("/tmp/snap.db"))
	assert.Equal(t, "/tmp/heap.analysis.badger", AnalysisPath("/tmp/heap.badger"))
}

func TestIsRawSnapshot(t *testing.T) {
	t.Parallel()

	assert.True(t, isRawSnapshot("/spool/snap.db"))
	assert.True(t, isRawSnapshot("/spool/snap.badger"))
	assert.False(t, isRawSnapshot("/spool/snap.analysis.db"))
	assert.False(t, isRawSnapshot("/spool/snap.db-wal"))
	assert.False(t, isRawSnapshot("/spool/notes.txt"))
}

func TestInvariant_InboundMatchesReferenceMultiset(t *testing.T) {
	t.Parallel()

	raw := rawSnapshot(t)
	dst := AnalysisPath(raw)
	require.NoError(t, Index(raw, dst))

	be := store.NewSQLiteBackend()
	require.NoError(t, be.Open(dst, true))
	defer func() { _ = be.Close() }()

	// Build the expected multiset straight from the reference table.
	want := map[uint64]map[string]int{}
	labels := map[uint32]string{}
	require.NoError(t, be.ScanEdges(func(e graph.EdgeRecord) error {
		label, ok := labels[e.LabelStrID]
		if !ok {
			var err error
			label, err = be.StringValue(e.LabelStrID)
			require.NoError(t, err)
			labels[e.LabelStrID] = label
		}
		if want[e.DstID] == nil {
			want[e.DstID] = map[string]int{}
		}
		want[e.DstID][keyOf(e.SrcID, label)]++
		return nil
	}))

	require.NoError(t, be.ScanNodes(func(n graph.NodeRecord) error {
		in, err := be.Inbound(n.ID)
		require.NoError(t, err)
		got := map[string]int{}
		for _, e := range in {
			got[keyOf(e.SrcID, e.Label)]++
		}
		expected := want[n.ID]
		if expected == nil {
			expected = map[string]int{}
		}
		assert.Equal(t, expected, got, "inbound multiset mismatch for node %d", n.ID)
		return nil
	}))
}

func keyOf(src uint64, label string) string {
	return strconv.FormatUint(src, 10) + "\x00" + label
}

func TestIsRawSnapshotIgnoresShm(t *testing.T) {
	t.Parallel()
	assert.False(t, isRawSnapshot("/spool/snap.db-shm"))
}

func TestCopyPath_CopiesWalSidecar(t *testing.T) {
	t.Parallel()

	raw := rawSnapshot(t)
	// Fake a leftover WAL sidecar; the copy must carry it along.
	require.NoError(t, os.WriteFile(raw+"-wal", []byte{}, 0o644))

	dst := filepath.Join(filepath.Dir(raw), "out.db")
	require.NoError(t, copyPath(raw, dst))
	_, err := os.Stat(dst + "-wal")
	assert.NoError(t, err)
}
