// Package mcpserver registers MCP tools that expose the synced reading
// data for inspection. It adapts the store and syncer packages to the
// MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/reader-sync/internal/domain"
	rserrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/alexjbarnes/reader-sync/internal/store"
	"github.com/alexjbarnes/reader-sync/internal/syncer"
)

// StatusProvider reports the sync manager's current state. Nil when
// the daemon runs MCP-only.
type StatusProvider interface {
	Status() syncer.Status
}

// RegisterTools adds all reader tools to the given MCP server.
func RegisterTools(server *mcp.Server, stores *store.Set, status StatusProvider) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vocab_list",
		Description: "List saved vocabulary words, most recently added first. Returns id, characters, pinyin, translation, source reference and review scheduling fields.",
	}, vocabListHandler(stores))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "vocab_search",
		Description: "Case-insensitive substring search across vocabulary characters, pinyin, translation and source reference.",
	}, vocabSearchHandler(stores))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the sync daemon's lifecycle phase and per-collection counters (tracked entity count, last successful sync).",
	}, syncStatusHandler(status))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// VocabListInput holds parameters for vocab_list.
type VocabListInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of words to return, defaults to 100, 0 means all"`
}

// VocabSearchInput holds parameters for vocab_search.
type VocabSearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// SyncStatusInput has no parameters.
type SyncStatusInput struct{}

// --- Result types ---

// VocabListResult is the vocab_list output.
type VocabListResult struct {
	Total int           `json:"total"`
	Words []domain.Word `json:"words"`
}

// VocabSearchResult is the vocab_search output.
type VocabSearchResult struct {
	Query   string        `json:"query"`
	Total   int           `json:"total"`
	Matches []domain.Word `json:"matches"`
}

// SyncStatusResult is the sync_status output.
type SyncStatusResult struct {
	Running bool           `json:"running"`
	Status  *syncer.Status `json:"status,omitempty"`
}

// --- Handlers ---

const defaultListLimit = 100

func vocabListHandler(stores *store.Set) mcp.ToolHandlerFor[VocabListInput, *VocabListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input VocabListInput) (*mcp.CallToolResult, *VocabListResult, error) {
		if !stores.Vocabulary.Hydrated() {
			return nil, nil, fmt.Errorf("vocabulary: %w", rserrors.ErrNotHydrated)
		}

		words := stores.Vocabulary.Get()

		sort.SliceStable(words, func(i, j int) bool {
			return words[i].Recency() > words[j].Recency()
		})

		limit := input.Limit
		if limit == 0 {
			limit = defaultListLimit
		}

		result := &VocabListResult{Total: len(words), Words: words}
		if limit > 0 && len(words) > limit {
			result.Words = words[:limit]
		}

		return textResult(result), result, nil
	}
}

func vocabSearchHandler(stores *store.Set) mcp.ToolHandlerFor[VocabSearchInput, *VocabSearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input VocabSearchInput) (*mcp.CallToolResult, *VocabSearchResult, error) {
		if !stores.Vocabulary.Hydrated() {
			return nil, nil, fmt.Errorf("vocabulary: %w", rserrors.ErrNotHydrated)
		}

		if input.Query == "" {
			return nil, nil, fmt.Errorf("query is required")
		}

		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = 20
		}

		query := strings.ToLower(input.Query)
		result := &VocabSearchResult{Query: input.Query}

		for _, w := range stores.Vocabulary.Get() {
			if !wordMatches(w, query) {
				continue
			}

			result.Total++
			if len(result.Matches) < maxResults {
				result.Matches = append(result.Matches, w)
			}
		}

		return textResult(result), result, nil
	}
}

func wordMatches(w domain.Word, query string) bool {
	for _, field := range []string{w.Chinese, w.Pinyin, w.English, w.Reference} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}

	return false
}

func syncStatusHandler(status StatusProvider) mcp.ToolHandlerFor[SyncStatusInput, *SyncStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ SyncStatusInput) (*mcp.CallToolResult, *SyncStatusResult, error) {
		result := &SyncStatusResult{}

		if status != nil {
			st := status.Status()
			result.Running = true
			result.Status = &st
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
