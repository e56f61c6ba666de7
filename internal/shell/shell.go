// Package shell implements the interactive snapshot explorer.
//
// The shell layers a cursor and history on top of the stateless query
// engine: it renders the current node with numbered inbound and outbound
// choices and moves the cursor wherever the operator points it.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/query"
)

// edgeListLimit caps how many edges of each direction the menu shows.
const edgeListLimit = 10

// pathLimit is how many retention paths the paths command prints.
const pathLimit = 3

var (
	typeLabel     = color.New(color.FgGreen).SprintfFunc()
	instanceLabel = color.New(color.FgRed).SprintfFunc()
)

// Shell is one interactive exploration session.
type Shell struct {
	engine *query.Engine
	in     *bufio.Scanner
	out    io.Writer

	cur     uint64
	history []uint64
}

// New creates a shell over an opened engine.
func New(engine *query.Engine, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		engine: engine,
		in:     bufio.NewScanner(in),
		out:    out,
	}
}

// Run starts at a random non-root node (failing when the snapshot has
// none) and loops until quit or EOF.
func (s *Shell) Run() error {
	if err := s.banner(); err != nil {
		return err
	}
	if err := s.start(); err != nil {
		return err
	}

	for {
		choices, err := s.menu()
		if err != nil {
			return err
		}

		fmt.Fprint(s.out, "objex> ")
		if !s.in.Scan() {
			fmt.Fprintln(s.out)
			return s.in.Err()
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		if done, err := s.dispatch(line, choices); done || err != nil {
			return err
		}
	}
}

func (s *Shell) dispatch(line string, choices map[int]uint64) (bool, error) {
	switch fields := strings.Fields(line); fields[0] {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		s.help()
	case "paths", "p":
		s.paths()
	case "random", "r":
		s.random()
	case "stats":
		s.stats()
	case "back", "b":
		s.back()
	case "goto", "g":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: goto <node-id>")
			break
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			fmt.Fprintf(s.out, "not a node id: %s\n", fields[1])
			break
		}
		s.jump(id)
	default:
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			fmt.Fprintf(s.out, "unknown command %q (try help)\n", fields[0])
			break
		}
		id, ok := choices[n]
		if !ok {
			fmt.Fprintf(s.out, "no choice (%d)\n", n)
			break
		}
		s.jump(id)
	}
	return false, nil
}

func (s *Shell) banner() error {
	stats, err := s.engine.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "objex explorer")
	if s.engine.Degraded() {
		fmt.Fprintln(s.out, "warning: snapshot capture did not complete; browsing partial data")
	}
	fmt.Fprintf(s.out, "%d objects, %d references, %d roots, %s captured\n",
		stats.Objects, stats.References, stats.Roots, byteCount(stats.Bytes))
	fmt.Fprintln(s.out, "commands: <n> goto choice, goto <id>, paths, random, back, stats, help, quit")
	return nil
}

func (s *Shell) start() error {
	id, err := s.engine.Random()
	if err == nil {
		s.cur = id
		return nil
	}
	return fmt.Errorf("choosing a starting node: %w", err)
}

// menu renders the current node and returns the numbered jump targets.
func (s *Shell) menu() (map[int]uint64, error) {
	sum, err := s.engine.Summary(s.cur)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(s.out, "\nCUR: %s\n", s.describe(sum))

	choices := make(map[int]uint64)
	i := 0

	in, err := s.engine.Inbound(s.cur)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(s.out, "%d objects refer to %s\n", len(in), s.label(sum))
	for _, e := range truncateIn(in) {
		fmt.Fprintf(s.out, "  (%d) %s: %s\n", i, e.Label, s.describe(e.Src))
		choices[i] = e.SrcID
		i++
	}

	out, err := s.engine.Outbound(s.cur)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(s.out, "%s refers to %d objects\n", s.label(sum), len(out))
	for _, e := range truncateOut(out) {
		fmt.Fprintf(s.out, "  (%d) %s: %s\n", i, e.Label, s.describe(e.Dst))
		choices[i] = e.DstID
		i++
	}

	return choices, nil
}

func (s *Shell) paths() {
	res, err := s.engine.PathsToRoots(s.cur, pathLimit, query.PathOptions{})
	if err != nil {
		fmt.Fprintf(s.out, "paths: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "termination: %s (%d nodes visited)\n", res.Termination, res.Visited)
	for _, p := range res.Paths {
		var parts []string
		for _, step := range p.Steps {
			sum, err := s.engine.Summary(step.NodeID)
			if err != nil {
				continue
			}
			if step.Label != "" {
				parts = append(parts, fmt.Sprintf("%s --%s-->", s.label(sum), step.Label))
			} else {
				parts = append(parts, s.label(sum))
			}
		}
		fmt.Fprintf(s.out, "  %s\n", strings.Join(parts, " "))
	}
}

func (s *Shell) random() {
	id, err := s.engine.Random()
	if err != nil {
		fmt.Fprintf(s.out, "random: %v\n", err)
		return
	}
	s.jump(id)
}

func (s *Shell) stats() {
	stats, err := s.engine.Stats()
	if err != nil {
		fmt.Fprintf(s.out, "stats: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "objects: %d  references: %d  roots: %d  bytes: %s\n",
		stats.Objects, stats.References, stats.Roots, byteCount(stats.Bytes))
	for _, cs := range stats.ByClass {
		fmt.Fprintf(s.out, "  %-14s %8d  %s\n", cs.Classification, cs.Count, byteCount(cs.Bytes))
	}
}

func (s *Shell) back() {
	if len(s.history) == 0 {
		fmt.Fprintln(s.out, "history is empty")
		return
	}
	s.cur = s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
}

func (s *Shell) jump(id uint64) {
	if _, err := s.engine.Summary(id); err != nil {
		fmt.Fprintf(s.out, "goto: %v\n", err)
		return
	}
	s.history = append(s.history, s.cur)
	s.cur = id
}

func (s *Shell) help() {
	fmt.Fprintln(s.out, "  <n>        jump to numbered choice")
	fmt.Fprintln(s.out, "  goto <id>  jump to a node id")
	fmt.Fprintln(s.out, "  paths      retention paths from roots to the current node")
	fmt.Fprintln(s.out, "  random     jump to a random non-root node")
	fmt.Fprintln(s.out, "  back       return to the previous node")
	fmt.Fprintln(s.out, "  stats      snapshot summary")
	fmt.Fprintln(s.out, "  quit       leave the explorer")
}

// label renders the <typename#id> tag, green for types, red otherwise.
func (s *Shell) label(sum graph.NodeSummary) string {
	if sum.Classification == graph.ClassType {
		return typeLabel("%s", sum.String())
	}
	return instanceLabel("%s", sum.String())
}

// describe renders a one-line node description.
func (s *Shell) describe(sum graph.NodeSummary) string {
	parts := []string{s.label(sum), string(sum.Classification), fmt.Sprintf("size=%d", sum.Size)}
	if sum.HasLen {
		parts = append(parts, fmt.Sprintf("len=%d", sum.Len))
	}
	if sum.Preview != "" {
		parts = append(parts, fmt.Sprintf("%q", sum.Preview))
	}
	if sum.Flags&graph.FlagExtractionFailed != 0 {
		parts = append(parts, "(extraction failed)")
	}
	return strings.Join(parts, " ")
}

func truncateIn(in []query.InboundEntry) []query.InboundEntry {
	if len(in) > edgeListLimit {
		return in[:edgeListLimit]
	}
	return in
}

func truncateOut(out []query.OutboundEntry) []query.OutboundEntry {
	if len(out) > edgeListLimit {
		return out[:edgeListLimit]
	}
	return out
}

func byteCount(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGT"[exp])
}
