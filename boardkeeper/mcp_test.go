package boardkeeper

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazyhaar/boardkeeper/board"
)

var testImpl = &mcp.Implementation{Name: "boardkeeper-test", Version: "0.1.0"}

// mcpSession connects an in-memory client to the owner's MCP server.
func mcpSession(t *testing.T, k *Keeper, ownerID string) *mcp.ClientSession {
	t.Helper()
	srv := k.MCPServer(ownerID)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool invokes a tool and returns the JSON text of the first content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text, result.IsError
}

func seedBoard(t *testing.T, k *Keeper, ownerID, id, title string, labels ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := k.store.GetBoard(ctx, id); err != nil {
		b := &board.Board{ID: id, OwnerID: ownerID, Title: title}
		if err := k.store.CreateBoard(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := k.SaveBoard(ctx, board.SaveRequest{BoardID: id, OwnerID: ownerID, Snapshot: board.Snapshot{Data: doc(labels...)}}); err != nil {
		t.Fatal(err)
	}
}

func TestMCP_ListTools(t *testing.T) {
	k, _ := newTestKeeper(t, nil)
	session := mcpSession(t, k, testOwner)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"boardkeeper_search", "boardkeeper_list_boards", "boardkeeper_get_board", "boardkeeper_stats"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCP_SearchAndGetBoard(t *testing.T) {
	k, _ := newTestKeeper(t, nil)
	seedBoard(t, k, testOwner, "brd_ideas", "Ideas", "offline mode", "dark theme")
	seedBoard(t, k, anotherOwner, "brd_secret", "Secret", "offline mode plans")
	k.indexer.wait()
	session := mcpSession(t, k, testOwner)

	text, isErr := callTool(t, session, "boardkeeper_search", map[string]any{"query": "offline mode"})
	if isErr {
		t.Fatalf("search error: %s", text)
	}
	var results []SearchResult
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		t.Fatalf("decode %s: %v", text, err)
	}
	if len(results) != 1 || results[0].BoardID != "brd_ideas" {
		t.Fatalf("results %+v", results)
	}

	text, isErr = callTool(t, session, "boardkeeper_get_board", map[string]any{"board_id": "brd_ideas"})
	if isErr {
		t.Fatalf("get_board error: %s", text)
	}
	var got boardContent
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "Ideas" || got.Text != "offline mode\ndark theme" || got.Revision != 1 {
		t.Fatalf("board %+v", got)
	}

	text, isErr = callTool(t, session, "boardkeeper_get_board", map[string]any{"board_id": "brd_secret"})
	if !isErr || !strings.Contains(text, "not found") {
		t.Fatalf("foreign board readable: %s", text)
	}

	if got := testutil.ToFloat64(k.metrics.toolCalls.WithLabelValues("boardkeeper_get_board", "error")); got != 1 {
		t.Errorf("get_board error calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(k.metrics.toolCalls.WithLabelValues("boardkeeper_search", "ok")); got != 1 {
		t.Errorf("search ok calls = %v, want 1", got)
	}
}

func TestMCP_ListBoardsAndStats(t *testing.T) {
	k, _ := newTestKeeper(t, nil)
	seedBoard(t, k, testOwner, "brd_a", "A", "one")
	seedBoard(t, k, testOwner, "brd_b", "B", "two")
	session := mcpSession(t, k, testOwner)

	text, isErr := callTool(t, session, "boardkeeper_list_boards", map[string]any{})
	if isErr {
		t.Fatalf("list error: %s", text)
	}
	var boards []board.Board
	if err := json.Unmarshal([]byte(text), &boards); err != nil {
		t.Fatal(err)
	}
	if len(boards) != 2 {
		t.Fatalf("listed %d boards", len(boards))
	}

	text, _ = callTool(t, session, "boardkeeper_stats", map[string]any{})
	var st Stats
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatal(err)
	}
	if st.Boards != 2 {
		t.Fatalf("stats %+v", st)
	}
}

func TestMCP_ServerCachedPerOwner(t *testing.T) {
	k, _ := newTestKeeper(t, nil)
	if k.MCPServer("a") != k.MCPServer("a") {
		t.Fatal("server rebuilt for the same owner")
	}
	if k.MCPServer("a") == k.MCPServer("b") {
		t.Fatal("owners share a server")
	}
}
