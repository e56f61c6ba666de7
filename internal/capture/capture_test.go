package capture

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/store"
)

func demoHeap() *heap.Synthetic {
	h := heap.NewSynthetic()
	m := h.Module("app.main")
	cfg := h.New(graph.ClassDict)
	m.SetAttr("config", cfg)
	cfg.SetKey("'debug'", nil, h.Str("false"))
	fr := h.PushFrame("app.main.serve")
	fr.SetLocal("conn", h.Instance("app.net.Conn"))
	return h
}

func TestDumpGraph_SQLite(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, DumpGraph(demoHeap(), dest, Options{}))

	be := store.NewSQLiteBackend()
	require.NoError(t, be.Open(dest, true))
	defer func() { _ = be.Close() }()

	h, err := be.Header()
	require.NoError(t, err)
	assert.True(t, h.Complete)
	assert.Equal(t, store.SchemaRaw, h.SchemaVersion)
	assert.False(t, h.CreatedAt.IsZero())

	var nodes int
	require.NoError(t, be.ScanNodes(func(graph.NodeRecord) error { nodes++; return nil }))
	assert.Greater(t, nodes, 5)
}

func TestDumpGraph_Badger(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "snap.badger")
	require.NoError(t, DumpGraph(demoHeap(), dest, Options{Engine: "badger"}))

	be := store.NewBadgerBackend()
	require.NoError(t, be.Open(dest, false))
	defer func() { _ = be.Close() }()

	h, err := be.Header()
	require.NoError(t, err)
	assert.True(t, h.Complete)

	var edges int
	require.NoError(t, be.ScanEdges(func(graph.EdgeRecord) error { edges++; return nil }))
	assert.Greater(t, edges, 0)
}

func TestDumpGraph_RefusesExistingDestination(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, DumpGraph(demoHeap(), dest, Options{}))
	assert.Error(t, DumpGraph(demoHeap(), dest, Options{}))
}

func TestDumpGraph_ReflectHeap(t *testing.T) {
	t.Parallel()

	rh := heap.NewReflectHeap()
	rh.RegisterModule("proc", map[string]any{
		"args":  []string{"objex", "capture"},
		"env":   map[string]string{"HOME": "/root"},
		"limit": 42,
	})

	dest := filepath.Join(t.TempDir(), "self.db")
	require.NoError(t, DumpGraph(rh, dest, Options{}))

	be := store.NewSQLiteBackend()
	require.NoError(t, be.Open(dest, true))
	defer func() { _ = be.Close() }()

	var mods int
	types := map[uint32]graph.TypeRecord{}
	require.NoError(t, be.ScanTypes(func(tr graph.TypeRecord) error {
		types[tr.ID] = tr
		return nil
	}))
	require.NoError(t, be.ScanNodes(func(n graph.NodeRecord) error {
		if types[n.TypeID].Classification == graph.ClassModule {
			mods++
		}
		return nil
	}))
	assert.Equal(t, 1, mods)
}
