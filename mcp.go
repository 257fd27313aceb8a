package scamscope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/serplab/scamscope/termstore"
)

// RegisterMCP registers the detection tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerClassify(srv)
	s.registerRank(srv)
	s.registerSeedAdd(srv)
	s.registerSeedRemove(srv)
	s.registerStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// addTool wires a typed handler onto the server: decode arguments, run,
// marshal the result as JSON text content. Handler errors become tool
// errors, never protocol errors.
func addTool[Req any](srv *mcp.Server, tool *mcp.Tool, run func(ctx context.Context, req *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, r *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var req Req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &req); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		resp, err := run(ctx, &req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func (s *Service) registerClassify(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
	}
	tool := &mcp.Tool{
		Name:        "scamscope_classify",
		Description: "Classify a search query's semantic zone against known legitimate intent categories",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query text"},
		}, []string{"query"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *req) (any, error) {
		if r.Query == "" {
			return nil, fmt.Errorf("query is required")
		}
		return s.ClassifySemanticZone(ctx, r.Query)
	})
}

func (s *Service) registerRank(srv *mcp.Server) {
	type req struct {
		Days int `json:"days"`
		Page int `json:"page"`
	}
	tool := &mcp.Tool{
		Name:        "scamscope_rank",
		Description: "Rank emerging scam threats from the trailing analytics window",
		InputSchema: inputSchema(map[string]any{
			"days": map[string]any{"type": "integer", "description": "Trailing window in days (default 7)"},
			"page": map[string]any{"type": "integer", "description": "Result page, 1-based"},
		}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, r *req) (any, error) {
		return s.RankEmergingThreats(ctx, r.Days, r.Page)
	})
}

func (s *Service) registerSeedAdd(srv *mcp.Server) {
	type req struct {
		Text     string `json:"text"`
		Category string `json:"category"`
		Severity string `json:"severity"`
	}
	tool := &mcp.Tool{
		Name:        "scamscope_seed_add",
		Description: "Add a scam-indicative seed phrase to the detection vocabulary",
		InputSchema: inputSchema(map[string]any{
			"text":     map[string]any{"type": "string", "description": "Seed phrase text"},
			"category": map[string]any{"type": "string", "description": "Scam category"},
			"severity": map[string]any{"type": "string", "description": "critical, high, medium, low, or info"},
		}, []string{"text"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *req) (any, error) {
		p := termstore.SeedPhrase{Text: r.Text, Category: r.Category, Severity: r.Severity}
		if err := s.AddSeedPhrase(ctx, "mcp", p); err != nil {
			return nil, err
		}
		return map[string]string{"status": "added", "text": p.Text}, nil
	})
}

func (s *Service) registerSeedRemove(srv *mcp.Server) {
	type req struct {
		Text string `json:"text"`
	}
	tool := &mcp.Tool{
		Name:        "scamscope_seed_remove",
		Description: "Remove a seed phrase from the detection vocabulary",
		InputSchema: inputSchema(map[string]any{
			"text": map[string]any{"type": "string", "description": "Seed phrase text"},
		}, []string{"text"}),
	}
	addTool(srv, tool, func(ctx context.Context, r *req) (any, error) {
		if err := s.RemoveSeedPhrase(ctx, "mcp", r.Text); err != nil {
			return nil, err
		}
		return map[string]string{"status": "removed", "text": r.Text}, nil
	})
}

func (s *Service) registerStats(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "scamscope_stats",
		Description: "Report detection service state: vocabulary sizes, cache shape, embedder health",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, _ *req) (any, error) {
		return s.Stats(ctx), nil
	})
}
