package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mmry/internal/filestore"
)

// NewMCPServer creates an MCP server exposing the file store to agent
// callers: storing files, reading quota usage, and inspecting pattern
// metrics.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mmry",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("mmry: content-addressable file store with adaptive compression."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("store_file",
			mcp.WithDescription("Store a file in a project. Content is compressed automatically when a learned pattern matches."),
			mcp.WithString("project_id", mcp.Description("Target project id"), mcp.Required()),
			mcp.WithString("path", mcp.Description("File path within the project"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Base64-encoded file content"), mcp.Required()),
			mcp.WithString("file_type", mcp.Description("Category hint for pattern matching, e.g. \"source\"")),
		),
		mcpStoreFile(deps),
	)

	s.AddTool(
		mcp.NewTool("storage_usage",
			mcp.WithDescription("Report a user's storage quota and exact billed usage."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpStorageUsage(deps),
	)

	s.AddTool(
		mcp.NewTool("pattern_stats",
			mcp.WithDescription("Inspect a compression pattern's learned metrics and lineage."),
			mcp.WithString("pattern_id", mcp.Description("Pattern id (hex sha256 of its signature)"), mcp.Required()),
		),
		mcpPatternStats(deps),
	)

	return s
}

func mcpStoreFile(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		encoded, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return mcpError(fmt.Sprintf("content must be base64: %v", err)), nil
		}

		rec, err := deps.Files.SaveFile(ctx, filestore.SaveRequest{
			ProjectID: projectID,
			Path:      path,
			Content:   content,
			FileType:  req.GetString("file_type", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored %s (%d bytes, billed %d, compression %s)",
			rec.Path, rec.OriginalSize, rec.BilledSize(), rec.CompressionType)), nil
	}
}

func mcpStorageUsage(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		usage, err := deps.Ledger.Usage(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read usage: %v", err)), nil
		}

		out, err := json.Marshal(map[string]any{
			"user_id":       usage.UserID,
			"total_quota":   usage.TotalQuota,
			"used_storage":  usage.UsedStorage,
			"used_projects": usage.UsedProjects,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode usage: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpPatternStats(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		patternID, err := req.RequireString("pattern_id")
		if err != nil {
			return mcpError("pattern_id is required"), nil
		}

		chain, err := deps.Catalog.Lineage(ctx, patternID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load pattern: %v", err)), nil
		}

		p := chain[0]
		lineage := make([]string, 0, len(chain)-1)
		for _, ancestor := range chain[1:] {
			lineage = append(lineage, ancestor.ID)
		}
		out, err := json.Marshal(map[string]any{
			"id":                    p.ID,
			"pattern_type":          p.PatternType,
			"file_extension":        p.FileExtension,
			"training_files_count":  p.TrainingFilesCount,
			"avg_compression_ratio": p.AvgCompressionRatio,
			"quality_score":         p.QualityScore,
			"success_rate":          p.SuccessRate,
			"usage_count":           p.UsageCount,
			"adaptation_level":      p.AdaptationLevel,
			"evolution_generation":  p.EvolutionGeneration,
			"lineage":               lineage,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode pattern: %v", err)), nil
		}
		return mcpText(string(out)), nil
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
