package boardkeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/kit"
)

var mcpImpl = &mcp.Implementation{Name: "boardkeeper", Version: "1.0.0"}

// MCPServer returns the MCP server whose tools act on ownerID's boards.
// Servers are cached per owner.
func (k *Keeper) MCPServer(ownerID string) *mcp.Server {
	srv, _ := k.mcpServers.LoadOrCompute(ownerID, func() *mcp.Server {
		srv := mcp.NewServer(mcpImpl, nil)
		k.RegisterMCP(srv, ownerID)
		return srv
	})
	return srv
}

// MCPHandler serves MCP over streamable HTTP. The caller's identity comes
// from the auth claims on the request that opens the MCP session.
func (k *Keeper) MCPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		ownerID := kit.GetUserID(r.Context())
		if ownerID == "" {
			return nil
		}
		return k.MCPServer(ownerID)
	}, nil)
}

// RegisterMCP registers the boardkeeper tools on srv, scoped to ownerID.
func (k *Keeper) RegisterMCP(srv *mcp.Server, ownerID string) {
	withOwner := func(ctx context.Context) context.Context { return kit.WithUserID(ctx, ownerID) }
	k.registerSearchTool(srv, withOwner)
	k.registerListBoardsTool(srv, withOwner)
	k.registerGetBoardTool(srv, withOwner)
	k.registerStatsTool(srv)
}

// instrument counts and logs every call of the named tool.
func (k *Keeper) instrument(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			result := "ok"
			if err != nil {
				result = "error"
			}
			k.metrics.toolCalls.WithLabelValues(tool, result).Inc()
			k.logger.Debug("boardkeeper: mcp tool", "tool", tool, "owner", kit.GetUserID(ctx),
				"duration", time.Since(start), "error", err)
			return resp, err
		}
	}
}

// registerTool wraps endpoint with the standard tool middlewares.
func (k *Keeper) registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Chain(k.instrument(tool.Name))(endpoint), decode)
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

// --- search ---

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (k *Keeper) registerSearchTool(srv *mcp.Server, enrich func(context.Context) context.Context) {
	tool := &mcp.Tool{
		Name:        "boardkeeper_search",
		Description: "Semantic search over your whiteboards. Returns boards ranked by similarity with a text excerpt.",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "What to look for"},
			"limit": map[string]any{"type": "integer", "description": "Max results (default 10)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchRequest)
		return k.Search(ctx, kit.GetUserID(ctx), r.Query, r.Limit)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r searchRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrich}, nil
	}

	k.registerTool(srv, tool, endpoint, decode)
}

// --- list_boards ---

func (k *Keeper) registerListBoardsTool(srv *mcp.Server, enrich func(context.Context) context.Context) {
	tool := &mcp.Tool{
		Name:        "boardkeeper_list_boards",
		Description: "List your whiteboards, most recently updated first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max boards (default 100)"},
		}, nil),
	}

	type listReq struct {
		Limit int `json:"limit"`
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listReq)
		return k.ListBoards(ctx, kit.GetUserID(ctx), r.Limit)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r listReq
		json.Unmarshal(req.Params.Arguments, &r)
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrich}, nil
	}

	k.registerTool(srv, tool, endpoint, decode)
}

// --- get_board ---

type boardContent struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Revision int64  `json:"revision"`
	Text     string `json:"text"`
}

func (k *Keeper) registerGetBoardTool(srv *mcp.Server, enrich func(context.Context) context.Context) {
	tool := &mcp.Tool{
		Name:        "boardkeeper_get_board",
		Description: "Get the text content of one whiteboard (shape labels, notes, frame names).",
		InputSchema: inputSchema(map[string]any{
			"board_id": map[string]any{"type": "string", "description": "Board ID"},
		}, []string{"board_id"}),
	}

	type getReq struct {
		BoardID string `json:"board_id"`
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getReq)
		b, err := k.GetBoard(ctx, kit.GetUserID(ctx), r.BoardID)
		if err != nil {
			return nil, err
		}
		return &boardContent{ID: b.ID, Title: b.Title, Revision: b.Revision, Text: board.ExtractText(b.Snapshot)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrich}, nil
	}

	k.registerTool(srv, tool, endpoint, decode)
}

// --- stats ---

func (k *Keeper) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "boardkeeper_stats",
		Description: "Service statistics: boards, indexed boards, open sessions, pending teardown saves.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return k.Stats(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	k.registerTool(srv, tool, endpoint, decode)
}
