package shell

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/objex-go/internal/analyze"
	"github.com/Benny93/objex-go/internal/capture"
	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/query"
	"github.com/Benny93/objex-go/internal/store"
)

func init() {
	color.NoColor = true // keep assertions free of escape codes
}

func testEngine(t *testing.T) *query.Engine {
	t.Helper()
	h := heap.NewSynthetic()
	m := h.Module("app")
	m.SetAttr("greeting", h.Str("hello"))

	be := store.NewMemoryBackend()
	require.NoError(t, be.Create("mem"))
	w := store.NewWriter(be, 0)
	require.NoError(t, w.Begin("test", 0))
	wk := capture.NewWalker(h, w, capture.Options{})
	require.NoError(t, wk.Walk())
	require.NoError(t, w.Finish(true))
	require.NoError(t, analyze.Analyze(be))

	e, err := query.NewEngine(be)
	require.NoError(t, err)
	e.SeedRandom(7)
	return e
}

func runShell(t *testing.T, input string) string {
	t.Helper()
	var out bytes.Buffer
	s := New(testEngine(t), strings.NewReader(input), &out)
	require.NoError(t, s.Run())
	return out.String()
}

func TestShell_QuitImmediately(t *testing.T) {
	out := runShell(t, "quit\n")
	assert.Contains(t, out, "objex explorer")
	assert.Contains(t, out, "objects")
	assert.Contains(t, out, "CUR:")
}

func TestShell_EOFExitsCleanly(t *testing.T) {
	out := runShell(t, "")
	assert.Contains(t, out, "objex>")
}

func TestShell_Stats(t *testing.T) {
	out := runShell(t, "stats\nquit\n")
	assert.Contains(t, out, "references:")
	assert.Contains(t, out, "roots:")
	assert.Contains(t, out, "module")
}

func TestShell_Paths(t *testing.T) {
	out := runShell(t, "paths\nquit\n")
	assert.Contains(t, out, "termination:")
}

func TestShell_UnknownCommand(t *testing.T) {
	out := runShell(t, "bogus\nquit\n")
	assert.Contains(t, out, `unknown command "bogus"`)
}

func TestShell_GotoAndBack(t *testing.T) {
	e := testEngine(t)
	id, err := e.Random()
	require.NoError(t, err)

	var out bytes.Buffer
	input := strings.NewReader("goto 999999\ngoto " + strconv.FormatUint(id, 10) + "\nback\nquit\n")
	s := New(e, input, &out)
	require.NoError(t, s.Run())

	text := out.String()
	assert.Contains(t, text, "goto: node not found")
	assert.Contains(t, text, "CUR:")
}

func TestShell_Help(t *testing.T) {
	out := runShell(t, "help\nquit\n")
	assert.Contains(t, out, "retention paths")
}
