// Package mcp provides the MCP (Model Context Protocol) server for Objex.
//
// It exposes the snapshot query API as tools over stdio JSON-RPC so
// assistant clients can navigate a heap snapshot the same way the
// interactive explorer does.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/objex-go/internal/graph"
	"github.com/Benny93/objex-go/internal/query"
)

// QueryEngine is the query surface the server needs; satisfied by
// *query.Engine.
type QueryEngine interface {
	Lookup(id uint64) (query.NodeDetail, error)
	Summary(id uint64) (graph.NodeSummary, error)
	Outbound(id uint64) ([]query.OutboundEntry, error)
	Inbound(id uint64) ([]query.InboundEntry, error)
	Random() (uint64, error)
	Stats() (graph.Stats, error)
	PathsToRoots(id uint64, k int, opts query.PathOptions) (query.PathsResult, error)
	Degraded() bool
}

// Server represents the MCP server.
type Server struct {
	engine QueryEngine
	server *mcp.Server
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server over an opened query engine.
func NewServer(engine QueryEngine) *Server {
	s := &Server{engine: engine}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "objex-go",
		Version: "0.1.0",
	}, nil)

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	idSchema := &jsonschema.Schema{Type: "integer", Description: "Node id"}
	return []Tool{
		{
			Name:        "objex_lookup",
			Description: "Look up a node by id: classification, type, size, preview, and outbound edges.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"id": idSchema},
				Required:   []string{"id"},
			},
		},
		{
			Name:        "objex_outbound",
			Description: "List a node's outbound references with labels and destination summaries.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"id": idSchema},
				Required:   []string{"id"},
			},
		},
		{
			Name:        "objex_inbound",
			Description: "List a node's inbound references from the reverse index.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"id": idSchema},
				Required:   []string{"id"},
			},
		},
		{
			Name:        "objex_paths_to_roots",
			Description: "Retention query: shortest label paths from module or frame roots to a node.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"id": idSchema,
					"k":  {Type: "integer", Description: "Maximum number of paths"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "objex_random",
			Description: "Sample a random non-root node id; the usual starting point for leak hunting.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
		{
			Name:        "objex_stats",
			Description: "Snapshot summary: totals and per-classification counts.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "objex://overview",
			Name:        "Snapshot Overview",
			Description: "High-level statistics about the open snapshot",
			MimeType:    "text/plain",
		},
		{
			URI:         "objex://schema",
			Name:        "Snapshot Schema",
			Description: "Description of the snapshot data model",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "objex_lookup":
		return s.handleLookup(argID(args))
	case "objex_outbound":
		return s.handleOutbound(argID(args))
	case "objex_inbound":
		return s.handleInbound(argID(args))
	case "objex_paths_to_roots":
		k, _ := args["k"].(float64)
		if k == 0 {
			k = 3
		}
		return s.handlePaths(argID(args), int(k))
	case "objex_random":
		return s.handleRandom()
	case "objex_stats":
		return s.handleStats()
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func argID(args map[string]any) uint64 {
	id, _ := args["id"].(float64)
	return uint64(id)
}

func (s *Server) handleLookup(id uint64) (string, error) {
	detail, err := s.engine.Lookup(id)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", describe(detail.NodeSummary))
	fmt.Fprintf(&sb, "refcount: %d\n", detail.RefCount)
	fmt.Fprintf(&sb, "outbound (%d):\n", len(detail.Outbound))
	for _, e := range detail.Outbound {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Label, describe(e.Dst))
	}
	return sb.String(), nil
}

func (s *Server) handleOutbound(id uint64) (string, error) {
	out, err := s.engine.Outbound(id)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "no outbound references", nil
	}
	var sb strings.Builder
	for _, e := range out {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Label, describe(e.Dst))
	}
	return sb.String(), nil
}

func (s *Server) handleInbound(id uint64) (string, error) {
	in, err := s.engine.Inbound(id)
	if err != nil {
		return "", err
	}
	if len(in) == 0 {
		return "no inbound references", nil
	}
	var sb strings.Builder
	for _, e := range in {
		fmt.Fprintf(&sb, "- %s via %s\n", describe(e.Src), e.Label)
	}
	return sb.String(), nil
}

func (s *Server) handlePaths(id uint64, k int) (string, error) {
	res, err := s.engine.PathsToRoots(id, k, query.PathOptions{})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "termination: %s (%d nodes visited)\n", res.Termination, res.Visited)
	for _, p := range res.Paths {
		var parts []string
		for _, step := range p.Steps {
			sum, err := s.engine.Summary(step.NodeID)
			if err != nil {
				continue
			}
			if step.Label != "" {
				parts = append(parts, fmt.Sprintf("%s --%s-->", sum, step.Label))
			} else {
				parts = append(parts, sum.String())
			}
		}
		fmt.Fprintf(&sb, "- %s\n", strings.Join(parts, " "))
	}
	return sb.String(), nil
}

func (s *Server) handleRandom() (string, error) {
	id, err := s.engine.Random()
	if err != nil {
		return "", err
	}
	sum, err := s.engine.Summary(id)
	if err != nil {
		return "", err
	}
	return describe(sum), nil
}

func (s *Server) handleStats() (string, error) {
	stats, err := s.engine.Stats()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "objects: %d\nreferences: %d\nroots: %d\nbytes: %d\n",
		stats.Objects, stats.References, stats.Roots, stats.Bytes)
	if s.engine.Degraded() {
		sb.WriteString("warning: capture did not complete; statistics cover the flushed portion\n")
	}
	for _, cs := range stats.ByClass {
		fmt.Fprintf(&sb, "- %s: %d nodes, %d bytes\n", cs.Classification, cs.Count, cs.Bytes)
	}
	return sb.String(), nil
}

func describe(sum graph.NodeSummary) string {
	out := fmt.Sprintf("%s %s size=%d", sum.String(), sum.Classification, sum.Size)
	if sum.HasLen {
		out += fmt.Sprintf(" len=%d", sum.Len)
	}
	if sum.Preview != "" {
		out += fmt.Sprintf(" %q", sum.Preview)
	}
	return out
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "objex://overview":
		return s.handleStats()
	case "objex://schema":
		return schemaDescription, nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

const schemaDescription = `Objex snapshot data model:
- object: id (capture-time address), type, size, refcount, optional len and preview
- type: fully-qualified name, the node representing the type object, classification
- reference: directed src -> dst edge with a shape label (attribute, key, index, slot, token)
- roots: nodes classified module or frame; retention queries run back to them`

// Run starts the MCP server with stdio transport.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// MCP requires compact JSON, one message per line.

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "objex-go",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		_ = json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)
	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
