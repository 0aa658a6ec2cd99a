package syncer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/relais/kit"
)

// RegisterMCP registers relais tools on an MCP server, so an agent hosting
// the client can inspect and drive the pipeline. Every endpoint runs behind
// the same middleware chain: transport tagging plus invocation logging.
func (c *Client) RegisterMCP(srv *mcp.Server) {
	c.registerStatusTool(srv)
	c.registerPendingTool(srv)
	c.registerEnqueueTool(srv)
	c.registerFlushTool(srv)
	c.registerJournalTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// mcpChain is the middleware stack shared by every relais tool.
func (c *Client) mcpChain(tool string) kit.Middleware {
	return kit.Chain(tagTransport("mcp"), c.logToolCalls(tool))
}

func tagTransport(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			return next(kit.WithTransport(ctx, name), req)
		}
	}
}

func (c *Client) logToolCalls(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				c.logger.WarnContext(ctx, "tool call failed",
					"tool", tool, "transport", kit.GetTransport(ctx),
					"duration_ms", time.Since(start).Milliseconds(), "error", err)
				return nil, err
			}
			c.logger.DebugContext(ctx, "tool call",
				"tool", tool, "transport", kit.GetTransport(ctx),
				"duration_ms", time.Since(start).Milliseconds())
			return resp, nil
		}
	}
}

// --- status ---

func (c *Client) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relais_status",
		Description: "Get pipeline status: connectivity, queue depth, client ID, and flush counters.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return c.Status(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, c.mcpChain(tool.Name)(endpoint), decode)
}

// --- pending ---

func (c *Client) registerPendingTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relais_pending",
		Description: "List queued mutations waiting for delivery, oldest first.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return c.Pending(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, c.mcpChain(tool.Name)(endpoint), decode)
}

// --- enqueue ---

type enqueueRequest struct {
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (c *Client) registerEnqueueTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relais_enqueue",
		Description: "Queue a mutation for delivery to the backend. Replaces any queued mutation with the same idempotency key.",
		InputSchema: inputSchema(map[string]any{
			"method":          map[string]any{"type": "string", "enum": []any{"POST", "PATCH"}, "description": "HTTP method"},
			"path":            map[string]any{"type": "string", "description": "Backend path (e.g. /tasks/42)"},
			"body":            map[string]any{"type": "object", "description": "JSON body to send"},
			"idempotency_key": map[string]any{"type": "string", "description": "Optional: reuse a key to replace a queued mutation"},
		}, []string{"method", "path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*enqueueRequest)
		method := strings.ToUpper(strings.TrimSpace(r.Method))
		return c.Enqueue(ctx, method, r.Path, r.Body, r.IdempotencyKey)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r enqueueRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, c.mcpChain(tool.Name)(endpoint), decode)
}

// --- flush ---

func (c *Client) registerFlushTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relais_flush",
		Description: "Drain the queue now, oldest first. Returns the pass report. A pass already in progress reports skipped.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return c.Flush(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, c.mcpChain(tool.Name)(endpoint), decode)
}

// --- journal ---

func (c *Client) registerJournalTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relais_journal",
		Description: "Read recent pipeline events (enqueued, flushed, conflict, discarded, stopped), newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit":  map[string]any{"type": "integer", "description": "Max entries (default 50)"},
			"offset": map[string]any{"type": "integer", "description": "Entries to skip, for paging"},
		}, nil),
	}

	type journalReq struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*journalReq)
		return c.Journal(ctx, r.Limit, r.Offset)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r journalReq
		// Both fields are optional; calling with no arguments is valid.
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, c.mcpChain(tool.Name)(endpoint), decode)
}
