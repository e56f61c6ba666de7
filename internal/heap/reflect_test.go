package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/objex-go/internal/graph"
)

func TestReflectHeap_Classify(t *testing.T) {
	t.Parallel()

	h := NewReflectHeap()
	h.RegisterModule("app", map[string]any{
		"config":  map[string]string{"env": "prod"},
		"workers": []int{1, 2, 3},
		"name":    "objex",
		"ratio":   0.5,
		"buf":     []byte("abc"),
		"seen":    map[string]struct{}{"a": {}},
	})

	mods := h.Modules()
	require.Len(t, mods, 1)

	attrs, err := mods[0].Attrs()
	require.NoError(t, err)
	require.Len(t, attrs, 6)

	classes := map[string]graph.Classification{}
	for _, a := range attrs {
		classes[a.Name] = a.Value.Class()
	}
	assert.Equal(t, graph.ClassDict, classes["config"])
	assert.Equal(t, graph.ClassList, classes["workers"])
	assert.Equal(t, graph.ClassString, classes["name"])
	assert.Equal(t, graph.ClassFloat, classes["ratio"])
	assert.Equal(t, graph.ClassBytes, classes["buf"])
	assert.Equal(t, graph.ClassSet, classes["seen"])

	// Attrs come back in sorted name order.
	assert.Equal(t, "buf", attrs[0].Name)
	assert.Equal(t, "workers", attrs[5].Name)
}

func TestReflectHeap_StructInstance(t *testing.T) {
	t.Parallel()

	type server struct {
		Host string
		Port int
		tag  string
	}

	h := NewReflectHeap()
	h.RegisterModule("net", map[string]any{"srv": &server{Host: "localhost", Port: 8080, tag: "x"}})

	attrs, _ := h.Modules()[0].Attrs()
	require.Len(t, attrs, 1)
	srv := attrs[0].Value
	assert.Equal(t, graph.ClassUserInstance, srv.Class())

	fields, err := srv.Attrs()
	require.NoError(t, err)
	require.Len(t, fields, 2, "unexported fields are not enumerable")
	assert.Equal(t, "Host", fields[0].Name)
	assert.Equal(t, graph.ClassString, fields[0].Value.Class())
}

func TestReflectHeap_SharedIdentity(t *testing.T) {
	t.Parallel()

	shared := map[string]int{"n": 1}
	h := NewReflectHeap()
	h.RegisterModule("a", map[string]any{"m": shared})
	h.RegisterModule("b", map[string]any{"m": shared})

	var addrs []uint64
	for _, mod := range h.Modules() {
		attrs, _ := mod.Attrs()
		require.Len(t, attrs, 1)
		addrs = append(addrs, attrs[0].Value.Addr())
	}
	assert.Equal(t, addrs[0], addrs[1], "the same map must be one node")
}

func TestReflectHeap_Frames(t *testing.T) {
	t.Parallel()

	h := NewReflectHeap()
	h.PushFrame("main", map[string]any{"argc": 2})
	h.PushFrame("handler", map[string]any{"req": "GET /"})

	frames := h.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "handler", frames[0].Name())
	assert.Equal(t, graph.ClassFrame, frames[0].Class())

	fi, err := frames[0].FrameInfo()
	require.NoError(t, err)
	require.Len(t, fi.Locals, 1)
	assert.Equal(t, "req", fi.Locals[0].Name)
	require.NotNil(t, fi.Back)
	assert.Equal(t, "main", frames[1].Name())
	assert.Equal(t, frames[1].Addr(), fi.Back.Addr())
}

func TestReflectHeap_DictKeys(t *testing.T) {
	t.Parallel()

	h := NewReflectHeap()
	h.RegisterModule("m", map[string]any{"d": map[string]int{"b": 2, "a": 1}})

	attrs, _ := h.Modules()[0].Attrs()
	entries, err := attrs[0].Value.DictEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Sorted by key representation; primitive keys stay literal.
	assert.Equal(t, `"a"`, entries[0].KeyRepr)
	assert.Nil(t, entries[0].Key)
	require.NotNil(t, entries[0].Value)
	assert.Equal(t, graph.ClassInt, entries[0].Value.Class())
}

func TestReflectHeap_TypeNames(t *testing.T) {
	t.Parallel()

	type widget struct{ N int }

	h := NewReflectHeap()
	h.RegisterModule("m", map[string]any{"w": &widget{N: 1}})

	attrs, _ := h.Modules()[0].Attrs()
	w := attrs[0].Value
	assert.Contains(t, w.TypeName(), "widget")
	assert.Equal(t, graph.ClassType, w.TypeObj().Class())
}
