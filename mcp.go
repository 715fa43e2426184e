package selwatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the watcher's tools on an MCP server:
// selwatch_list_pages, selwatch_add_watch and selwatch_remove_watch.
func (w *Watcher) RegisterMCP(srv *mcp.Server) {
	registerTool(srv, &mcp.Tool{
		Name:        "selwatch_list_pages",
		Description: "List watched pages with their URL, stealth level and selector watches.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(context.Context, *struct{}) (any, error) {
		return w.Pages(), nil
	})

	registerTool(srv, &mcp.Tool{
		Name:        "selwatch_add_watch",
		Description: "Start reporting elements that begin matching a CSS selector on a watched page.",
		InputSchema: inputSchema(map[string]any{
			"page_id":  map[string]any{"type": "string", "description": "Watched page id"},
			"id":       map[string]any{"type": "string", "description": "Watch id (default: the selector)"},
			"selector": map[string]any{"type": "string", "description": "CSS selector"},
		}, []string{"page_id", "selector"}),
	}, func(ctx context.Context, r *addWatchRequest) (any, error) {
		wc := WatchConfig{ID: r.ID, Selector: r.Selector}
		if err := w.AddWatch(ctx, r.PageID, wc); err != nil {
			return nil, err
		}
		if wc.ID == "" {
			wc.ID = wc.Selector
		}
		return map[string]string{"page_id": r.PageID, "id": wc.ID, "status": "watching"}, nil
	})

	registerTool(srv, &mcp.Tool{
		Name:        "selwatch_remove_watch",
		Description: "Stop a selector watch and remove its rule from the page.",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Watched page id"},
			"id":      map[string]any{"type": "string", "description": "Watch id"},
		}, []string{"page_id", "id"}),
	}, func(_ context.Context, r *removeWatchRequest) (any, error) {
		if err := w.RemoveWatch(r.PageID, r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"page_id": r.PageID, "id": r.ID, "status": "removed"}, nil
	})
}

type addWatchRequest struct {
	PageID   string `json:"page_id"`
	ID       string `json:"id,omitempty"`
	Selector string `json:"selector"`
}

type removeWatchRequest struct {
	PageID string `json:"page_id"`
	ID     string `json:"id"`
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

// registerTool decodes the arguments into In, calls fn and returns its
// result as JSON text. Decode and handler errors become tool errors, not
// protocol errors.
func registerTool[In any](srv *mcp.Server, tool *mcp.Tool, fn func(context.Context, *In) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in In
		if args := req.Params.Arguments; len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		resp, err := fn(ctx, &in)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
