package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkoval/oppwatch/internal/opportunity"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Reader      OpportunityReader
	Coordinator Coordinator
	History     HistorySource // optional; history is omitted when nil
}

// OpportunityReader abstracts read access to the opportunity store for
// the MCP layer.
type OpportunityReader interface {
	Get(id string) (opportunity.Opportunity, bool)
	GetAll() []opportunity.Opportunity
	GetByStatus(status opportunity.Status) []opportunity.Opportunity
}

// NewMCPServer creates an MCP server with all oppwatch tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"oppwatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("oppwatch — product opportunity detection and triage over analytics data."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_opportunities",
			mcp.WithDescription("List tracked opportunities, optionally filtered by lifecycle status."),
			mcp.WithString("status", mcp.Description("Filter by status (detected, promoted, investigating, dismissed, spec-generated, shipped)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListOpportunities(deps),
	)

	s.AddTool(
		mcp.NewTool("get_opportunity",
			mcp.WithDescription("Fetch a single opportunity with its full evidence and transition history."),
			mcp.WithString("id", mcp.Description("Opportunity ID"), mcp.Required()),
		),
		mcpGetOpportunity(deps),
	)

	s.AddTool(
		mcp.NewTool("opportunity_action",
			mcp.WithDescription("Apply a triage action (promote, investigate, dismiss) to a detected opportunity."),
			mcp.WithString("id", mcp.Description("Opportunity ID"), mcp.Required()),
			mcp.WithString("action", mcp.Description("One of: promote, investigate, dismiss"), mcp.Required()),
			mcp.WithString("actor", mcp.Description("Who is taking the action")),
		),
		mcpOpportunityAction(deps),
	)

	s.AddTool(
		mcp.NewTool("run_detection",
			mcp.WithDescription("Fetch fresh analytics and run the opportunity detectors now."),
		),
		mcpRunDetection(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"oppwatch://backlog",
			"Opportunity Backlog",
			mcp.WithResourceDescription("All non-terminal opportunities as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBacklog(deps),
	)

	return s
}

func mcpListOpportunities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		var opps []opportunity.Opportunity
		if status := req.GetString("status", ""); status != "" {
			opps = deps.Reader.GetByStatus(opportunity.Status(status))
		} else {
			opps = deps.Reader.GetAll()
		}
		if len(opps) > limit {
			opps = opps[:limit]
		}

		type oppSummary struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Title  string `json:"title"`
			Score  int    `json:"score"`
			Status string `json:"status"`
		}

		summaries := make([]oppSummary, len(opps))
		for i, o := range opps {
			summaries[i] = oppSummary{
				ID:     o.ID,
				Kind:   string(o.Kind),
				Title:  o.Title,
				Score:  o.Score,
				Status: string(o.Status),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal opportunities: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetOpportunity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		opp, ok := deps.Reader.Get(id)
		if !ok {
			return mcpError(fmt.Sprintf("opportunity %s not found", id)), nil
		}

		out := map[string]any{"opportunity": opp}
		if deps.History != nil {
			transitions, err := deps.History.History(id)
			if err == nil {
				out["history"] = transitions
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal opportunity: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpOpportunityAction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		actor := req.GetString("actor", "mcp")

		if err := deps.Coordinator.HandleAction(ctx, id, opportunity.Action(action), actor); err != nil {
			return mcpError(fmt.Sprintf("action failed: %v", err)), nil
		}

		opp, _ := deps.Reader.Get(id)
		return mcpText(fmt.Sprintf("Applied %s to %s; status is now %s", action, id, opp.Status)), nil
	}
}

func mcpRunDetection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := deps.Coordinator.RunDetection(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("detection run failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf(
			"Detection complete: %d candidates, %d created, %d duplicates, %d failed",
			result.Candidates, result.Created, result.Duplicates, result.Failed,
		)), nil
	}
}

func mcpResourceBacklog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		all := deps.Reader.GetAll()
		backlog := make([]opportunity.Opportunity, 0, len(all))
		for _, o := range all {
			if !o.Status.Terminal() {
				backlog = append(backlog, o)
			}
		}

		b, err := json.Marshal(backlog)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal backlog: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
