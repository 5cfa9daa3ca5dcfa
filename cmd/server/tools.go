package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/orchestrator"
	"github.com/kittclouds/memtiers/internal/semantic"
	"github.com/kittclouds/memtiers/internal/symbolic"
)

// newMCPServer registers one MCP tool per Context Orchestrator
// operation (spec §4.5, §6).
func newMCPServer(orch *orchestrator.Orchestrator, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer("memtiers", "0.1.0")

	s.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List known projects, optionally filtered by status"),
		mcp.WithString("status", mcp.Description("active | archived | deleted")),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		return orch.ListProjects(ctx, r.GetString("status", ""))
	}))

	s.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List ingested source documents for a project"),
		mcp.WithString("project", mcp.Required(), mcp.Description("project name or id")),
		mcp.WithString("content_type", mcp.Description("doc | code | note | article | reference")),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		return orch.ListSources(ctx, r.GetString("project", ""), r.GetString("content_type", ""))
	}))

	s.AddTool(mcp.NewTool("get_context",
		mcp.WithDescription("Fetch a symbolic/episodic/semantic context envelope for a project"),
		mcp.WithString("project", mcp.Required(), mcp.Description("project name or id")),
		mcp.WithString("context_type", mcp.Description("all | symbolic | episodic | semantic")),
		mcp.WithString("query", mcp.Description("required to populate the semantic section")),
		mcp.WithString("trigger", mcp.Description("required when query is set: external_info_needed | symbolic_memory_insufficient | episodic_suggests_retrieval | explicit_retrieval_request")),
		mcp.WithNumber("max_results", mcp.Description("per-section result cap, default 10")),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		contextType := orchestrator.ContextType(r.GetString("context_type", string(orchestrator.ContextAll)))
		maxResults := int(r.GetFloat("max_results", 10))
		return orch.GetContext(ctx, r.GetString("project", ""), contextType, r.GetString("query", ""), r.GetString("trigger", ""), maxResults)
	}))

	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search across memory tiers, returning a single ranked, authority-tagged list"),
		mcp.WithString("project", mcp.Required(), mcp.Description("project name or id")),
		mcp.WithString("query", mcp.Required(), mcp.Description("search query")),
		mcp.WithString("memory_type", mcp.Description("all | symbolic | episodic | semantic")),
		mcp.WithString("trigger", mcp.Description("required when memory_type includes semantic")),
		mcp.WithNumber("top_k", mcp.Description("max results per tier, default 3")),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		memoryType := orchestrator.MemoryType(r.GetString("memory_type", string(orchestrator.MemoryAll)))
		topK := int(r.GetFloat("top_k", 3))
		results, degraded, err := orch.Search(ctx, r.GetString("project", ""), r.GetString("query", ""), memoryType, r.GetString("trigger", ""), topK)
		if err != nil {
			return nil, err
		}
		return struct {
			Results       []orchestrator.SearchResult `json:"results"`
			DegradedTiers []string                     `json:"degraded_tiers,omitempty"`
		}{results, degraded}, nil
	}))

	s.AddTool(mcp.NewTool("ingest_file",
		mcp.WithDescription("Ingest a file on disk into the semantic tier"),
		mcp.WithString("project", mcp.Required(), mcp.Description("project name or id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("path to the source file")),
		mcp.WithString("content_type", mcp.Description("doc | code | note | article | reference, default doc")),
		mcp.WithString("metadata_kind", mcp.Description("marks content that belongs to another tier, e.g. user_preference")),
		mcp.WithString("metadata", mcp.Description(`JSON object of chunk metadata, e.g. {"filename": "readme.md"}`)),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		contentType := semantic.ContentType(r.GetString("content_type", string(semantic.ContentTypeDoc)))
		metadata, err := parseMetadataArg(r.GetString("metadata", ""))
		if err != nil {
			return nil, err
		}
		return orch.IngestFile(ctx, r.GetString("project", ""), r.GetString("path", ""), contentType, r.GetString("metadata_kind", ""), metadata)
	}))

	s.AddTool(mcp.NewTool("add_fact",
		mcp.WithDescription("Store an authoritative key/value fact in the symbolic tier"),
		mcp.WithString("project", mcp.Required(), mcp.Description("project name or id")),
		mcp.WithString("key", mcp.Required(), mcp.Description("fact key")),
		mcp.WithString("value", mcp.Required(), mcp.Description("JSON-encoded fact value")),
		mcp.WithNumber("confidence", mcp.Required(), mcp.Description("confidence in [0, 1]")),
		mcp.WithString("category", mcp.Description("preference | constraint | decision | fact, default fact")),
		mcp.WithString("source", mcp.Description("user | agent | tool, default agent")),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		category := symbolic.Category(r.GetString("category", string(symbolic.CategoryFact)))
		source := symbolic.Source(r.GetString("source", string(symbolic.SourceAgent)))
		value := json.RawMessage(r.GetString("value", "null"))
		return orch.AddFact(ctx, r.GetString("project", ""), r.GetString("key", ""), value, r.GetFloat("confidence", 0), category, source)
	}))

	s.AddTool(mcp.NewTool("add_episode",
		mcp.WithDescription("Store an advisory lesson in the episodic tier"),
		mcp.WithString("project", mcp.Required(), mcp.Description("project name or id")),
		mcp.WithString("situation", mcp.Required(), mcp.Description("what was happening")),
		mcp.WithString("action", mcp.Required(), mcp.Description("what the agent did")),
		mcp.WithString("outcome", mcp.Required(), mcp.Description("what resulted")),
		mcp.WithString("lesson", mcp.Required(), mcp.Description("an abstracted, reusable lesson (not a restatement of situation)")),
		mcp.WithNumber("confidence", mcp.Description("confidence in [0, 1], default 0.5")),
	), toolHandler(logger, func(ctx context.Context, r mcp.CallToolRequest) (any, error) {
		return orch.AddEpisode(ctx, r.GetString("project", ""),
			r.GetString("situation", ""), r.GetString("action", ""), r.GetString("outcome", ""),
			r.GetString("lesson", ""), r.GetFloat("confidence", 0.5))
	}))

	return s
}

func serveStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// parseMetadataArg decodes the ingest_file tool's optional metadata
// argument, empty meaning no metadata, into the map
// internal/semantic.Retrieve ranks against (spec §4.4.3's
// metadata.filename term).
func parseMetadataArg(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, apperr.New(apperr.KindValidationFailed, "metadata is not a JSON object: %v", err)
	}
	return metadata, nil
}

// toolHandler adapts an orchestrator call into an MCP tool handler,
// mapping the apperr taxonomy onto tool-call error results instead of
// letting internals leak to the client (spec §7).
func toolHandler(logger *zap.Logger, fn func(context.Context, mcp.CallToolRequest) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := fn(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(toolErrorMessage(logger, err)), nil
		}
		body, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("marshaling result", err), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// toolErrorMessage renders an *apperr.Error as a stable "Kind: message"
// string, and logs (rather than forwards) anything unrecognized so the
// client never sees raw internal errors.
func toolErrorMessage(logger *zap.Logger, err error) string {
	if ae, ok := err.(*apperr.Error); ok {
		return ae.Error()
	}
	logger.Warn("unclassified error from orchestrator", zap.Error(err))
	return fmt.Sprintf("%s: an internal error occurred", apperr.KindStoreUnavailable)
}
