package heap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/objex-go/internal/graph"
)

func TestSynthetic_BuiltinTypes(t *testing.T) {
	t.Parallel()

	h := NewSynthetic()
	builtins := h.BuiltinTypes()

	// One per classification except user-instance, "type" first.
	require.Len(t, builtins, len(graph.Classifications)-1)
	assert.Equal(t, "type", builtins[0].Name())

	for _, b := range builtins {
		assert.Equal(t, graph.ClassType, b.Class())
		assert.Equal(t, "type", b.TypeName())
	}

	// The "type" type is its own type.
	assert.Equal(t, builtins[0].Addr(), builtins[0].TypeObj().Addr())
}

func TestSynthetic_ModulesSortedByName(t *testing.T) {
	t.Parallel()

	h := NewSynthetic()
	h.Module("zlib")
	h.Module("abc")
	h.Module("os")

	mods := h.Modules()
	require.Len(t, mods, 3)
	assert.Equal(t, "abc", mods[0].Name())
	assert.Equal(t, "os", mods[1].Name())
	assert.Equal(t, "zlib", mods[2].Name())
}

func TestSynthetic_FramesTopmostFirst(t *testing.T) {
	t.Parallel()

	h := NewSynthetic()
	bottom := h.PushFrame("main")
	top := h.PushFrame("worker")

	frames := h.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, top.Addr(), frames[0].Addr())
	assert.Equal(t, bottom.Addr(), frames[1].Addr())

	fi, err := top.FrameInfo()
	require.NoError(t, err)
	require.NotNil(t, fi.Back)
	assert.Equal(t, bottom.Addr(), fi.Back.Addr())
}

func TestSynthetic_Str(t *testing.T) {
	t.Parallel()

	h := NewSynthetic()
	s := h.Str("hello")

	assert.Equal(t, graph.ClassString, s.Class())
	assert.Equal(t, "str", s.TypeName())

	n, ok := s.Len()
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)

	p, ok := s.Preview(256)
	assert.True(t, ok)
	assert.Equal(t, "hello", p)

	p, ok = s.Preview(3)
	assert.True(t, ok)
	assert.Equal(t, "hel", p)
}

func TestSynthetic_InstanceSharesClass(t *testing.T) {
	t.Parallel()

	h := NewSynthetic()
	a := h.Instance("mymod.Widget")
	b := h.Instance("mymod.Widget")

	assert.Equal(t, graph.ClassUserInstance, a.Class())
	assert.Equal(t, a.TypeObj().Addr(), b.TypeObj().Addr())
	assert.Equal(t, "mymod.Widget", a.TypeName())
}

func TestSynthetic_DictEntries(t *testing.T) {
	t.Parallel()

	h := NewSynthetic()
	d := h.New(graph.ClassDict)
	v := h.Str("v")
	k := h.Instance("m.Key")
	d.SetKey("'x'", nil, v)
	d.SetKey("<m.Key#?>", k, v)

	entries, err := d.DictEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].Key)
	assert.Equal(t, "'x'", entries[0].KeyRepr)
	require.NotNil(t, entries[1].Key)
	assert.Equal(t, k.Addr(), entries[1].Key.Addr())

	n, ok := d.Len()
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)
}

func TestSynthetic_FailShape(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := NewSynthetic()
	d := h.New(graph.ClassDict).FailShape(boom)

	_, err := d.DictEntries()
	assert.ErrorIs(t, err, boom)
	_, err = d.Attrs()
	assert.ErrorIs(t, err, boom)
}
