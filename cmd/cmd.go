// Package cmd provides CLI command implementations for Objex.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/Benny93/objex-go/internal/analyze"
	"github.com/Benny93/objex-go/internal/capture"
	"github.com/Benny93/objex-go/internal/heap"
	"github.com/Benny93/objex-go/internal/query"
	"github.com/Benny93/objex-go/internal/shell"
	"github.com/Benny93/objex-go/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// CaptureCmd writes a raw heap snapshot.
//
// The library entry point capture.DumpGraph is what embedding
// applications call against their own registered heap, typically from a
// forked child; this command demonstrates it by capturing the objex
// process's own registered state after the optional delay and RSS gate.
type CaptureCmd struct {
	Dest                 string        `arg:"" help:"Destination snapshot path"`
	Delay                time.Duration `help:"Wait this long before capturing"`
	RSSThresholdMB       int64         `name:"rss-threshold-mb" help:"Wait until process RSS exceeds this many MiB"`
	Engine               string        `default:"sqlite" enum:"sqlite,badger" help:"Storage engine"`
	StringPreview        int           `default:"256" help:"Preview cap for string-like objects, in bytes"`
	InstancePreview      int           `default:"128" help:"Preview cap for user instances, in bytes"`
	IncludeCaptureFrames bool          `help:"Include the capturing machinery's own frames"`
	GCReferents          bool          `help:"Record generic referents for every object (slow)"`
}

// Run executes the capture command.
func (c *CaptureCmd) Run() error {
	if c.Delay > 0 {
		fmt.Printf("Waiting %s before capture...\n", c.Delay)
		time.Sleep(c.Delay)
	}
	if c.RSSThresholdMB > 0 {
		threshold := c.RSSThresholdMB << 20
		fmt.Printf("Waiting for RSS to reach %d MiB...\n", c.RSSThresholdMB)
		for capture.ProcessRSS() < threshold {
			time.Sleep(time.Second)
		}
	}

	opts := capture.Options{
		IncludeCaptureFrames: c.IncludeCaptureFrames,
		StringPreview:        c.StringPreview,
		InstancePreview:      c.InstancePreview,
		UseGCReferents:       c.GCReferents,
		Engine:               c.Engine,
	}

	start := time.Now()
	if err := capture.DumpGraph(selfHeap(), c.Dest, opts); err != nil {
		return err
	}

	color.Green("✓ Snapshot written")
	fmt.Printf("  Destination:  %s\n", c.Dest)
	fmt.Printf("  Engine:       %s\n", c.Engine)
	fmt.Printf("  Duration:     %.2fs\n", time.Since(start).Seconds())
	fmt.Printf("\nNext: objex analyze %s %s\n", c.Dest, analyze.AnalysisPath(c.Dest))
	return nil
}

// selfHeap registers the objex process's own observable state as a
// capturable heap.
func selfHeap() *heap.ReflectHeap {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()

	h := heap.NewReflectHeap()
	h.RegisterModule("objex.process", map[string]any{
		"args":       os.Args,
		"hostname":   hostname,
		"workdir":    wd,
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
		"version":    Version,
	})
	h.RegisterModule("objex.env", envMap())
	return h
}

func envMap() map[string]any {
	out := make(map[string]any)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

// AnalyzeCmd builds the analysis artifact from a raw snapshot.
type AnalyzeCmd struct {
	Raw  string `arg:"" help:"Raw snapshot path"`
	Dest string `arg:"" optional:"" help:"Analysis artifact path (default: <raw>.analysis.<ext>)"`
}

// Run executes the analyze command.
func (c *AnalyzeCmd) Run() error {
	dest := c.Dest
	if dest == "" {
		dest = analyze.AnalysisPath(c.Raw)
	}

	start := time.Now()
	if err := analyze.Index(c.Raw, dest); err != nil {
		return err
	}

	e, err := query.Open(dest)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	stats, err := e.Stats()
	if err != nil {
		return err
	}

	color.Green("✓ Analysis complete")
	fmt.Printf("  Artifact:     %s\n", dest)
	fmt.Printf("  Objects:      %d\n", stats.Objects)
	fmt.Printf("  References:   %d\n", stats.References)
	fmt.Printf("  Roots:        %d\n", stats.Roots)
	fmt.Printf("  Duration:     %.2fs\n", time.Since(start).Seconds())
	return nil
}

// ExploreCmd starts the interactive explorer.
type ExploreCmd struct {
	Artifact string `arg:"" help:"Analysis artifact path"`
}

// Run executes the explore command.
func (c *ExploreCmd) Run() error {
	e, err := query.Open(c.Artifact)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	return shell.New(e, os.Stdin, os.Stdout).Run()
}

// PathsCmd prints retention paths for one node.
type PathsCmd struct {
	Artifact string `arg:"" help:"Analysis artifact path"`
	ID       uint64 `arg:"" help:"Node id"`
	Limit    int    `short:"n" default:"3" help:"Maximum paths"`
	Budget   int    `help:"Visit budget (default 1,000,000)"`
}

// Run executes the paths command.
func (c *PathsCmd) Run() error {
	e, err := query.Open(c.Artifact)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	res, err := e.PathsToRoots(c.ID, c.Limit, query.PathOptions{Budget: c.Budget})
	if err != nil {
		return err
	}

	fmt.Printf("termination: %s (%d nodes visited)\n", res.Termination, res.Visited)
	for _, p := range res.Paths {
		fmt.Print("  ")
		for _, step := range p.Steps {
			sum, err := e.Summary(step.NodeID)
			if err != nil {
				return err
			}
			if step.Label != "" {
				fmt.Printf("%s --%s--> ", sum, step.Label)
			} else {
				fmt.Printf("%s\n", sum)
			}
		}
	}
	return nil
}

// StatsCmd prints snapshot statistics.
type StatsCmd struct {
	Artifact string `arg:"" help:"Analysis artifact path"`
}

// Run executes the stats command.
func (c *StatsCmd) Run() error {
	e, err := query.Open(c.Artifact)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	stats, err := e.Stats()
	if err != nil {
		return err
	}
	if e.Degraded() {
		color.Yellow("warning: capture did not complete; statistics cover the flushed portion")
	}
	fmt.Printf("Objects:      %d\n", stats.Objects)
	fmt.Printf("References:   %d\n", stats.References)
	fmt.Printf("Types:        %d\n", stats.Types)
	fmt.Printf("Strings:      %d\n", stats.Strings)
	fmt.Printf("Roots:        %d\n", stats.Roots)
	fmt.Printf("Bytes:        %d\n", stats.Bytes)
	for _, cs := range stats.ByClass {
		fmt.Printf("  %-14s %8d nodes %12d bytes\n", cs.Classification, cs.Count, cs.Bytes)
	}
	return nil
}

// RandomCmd samples a random non-root node.
type RandomCmd struct {
	Artifact string `arg:"" help:"Analysis artifact path"`
}

// Run executes the random command.
func (c *RandomCmd) Run() error {
	e, err := query.Open(c.Artifact)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	id, err := e.Random()
	if err != nil {
		return err
	}
	sum, err := e.Summary(id)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s size=%d\n", sum, sum.Classification, sum.Size)
	return nil
}

// WatchCmd monitors a spool directory and indexes arriving snapshots.
type WatchCmd struct {
	Dir string `arg:"" optional:"" default:"." help:"Spool directory"`
}

// Run executes the watch command.
func (c *WatchCmd) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-osSignalChannel()
		fmt.Println("\nStopping watch...")
		cancel()
	}()

	err := analyze.WatchSpool(ctx, c.Dir)
	if err != nil && err != context.Canceled {
		return fmt.Errorf("watch error: %w", err)
	}
	return nil
}

// MCPCmd starts the MCP server over an analysis artifact.
type MCPCmd struct {
	Artifact string `arg:"" help:"Analysis artifact path"`
}

// Run executes the mcp command.
func (c *MCPCmd) Run() error {
	e, err := query.Open(c.Artifact)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	server := mcp.NewServer(e)
	// No output to stderr: the MCP server owns stdio for JSON-RPC.
	return server.Run(context.Background(), os.Stdin, os.Stdout)
}

// ServeCmd is an alias for mcp with a startup message on stderr.
type ServeCmd struct {
	Artifact string `arg:"" help:"Analysis artifact path"`
}

// Run executes the serve command.
func (c *ServeCmd) Run() error {
	e, err := query.Open(c.Artifact)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	fmt.Fprintln(os.Stderr, "Starting MCP server...")
	server := mcp.NewServer(e)
	return server.Run(context.Background(), os.Stdin, os.Stdout)
}

// osSignalChannel returns a channel that receives OS signals for
// graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Capture CaptureCmd `cmd:"" help:"Write a raw heap snapshot"`
	Analyze AnalyzeCmd `cmd:"" help:"Build the analysis artifact from a raw snapshot"`
	Explore ExploreCmd `cmd:"" help:"Browse an analysis artifact interactively"`
	Paths   PathsCmd   `cmd:"" help:"Retention paths from roots to a node"`
	Stats   StatsCmd   `cmd:"" help:"Snapshot statistics"`
	Random  RandomCmd  `cmd:"" help:"Sample a random non-root node"`
	Watch   WatchCmd   `cmd:"" help:"Auto-index snapshots arriving in a spool directory"`
	MCP     MCPCmd     `cmd:"" help:"Start MCP server (stdio transport)"`
	Serve   ServeCmd   `cmd:"" help:"Start MCP server with a startup message"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected
// command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("objex"),
		kong.Description("Heap snapshot capture, indexing, and retention-path exploration"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run()
}
