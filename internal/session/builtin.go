package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// builtinFunc is a host-native tool handler. Like sandboxed handlers it
// reports failures as "Error: ..." strings, never as Go errors.
type builtinFunc func(ctx context.Context, args map[string]any) string

// BuiltinSchemas returns the tool schemas for all host-native tools. They
// are merged with the customer's declared tools at configure time.
func BuiltinSchemas() []llm.ToolSchema {
	return []llm.ToolSchema{{
		Name:        "web_search",
		Description: "Search the web and return a short text summary of the top result.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"query"},
		},
	}}
}

// searchEndpoint is the keyless instant-answer API backing web_search.
const searchEndpoint = "https://api.duckduckgo.com/"

// maxSearchResult bounds the summary handed back to the model.
const maxSearchResult = 1000

// searchResponse is the subset of the instant-answer payload we read.
type searchResponse struct {
	AbstractText  string `json:"AbstractText"`
	Answer        string `json:"Answer"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

// webSearch returns the host handler for the web_search built-in.
func webSearch(client *http.Client) builtinFunc {
	return func(ctx context.Context, args map[string]any) string {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "Error: web_search requires a non-empty query"
		}

		u := searchEndpoint + "?" + url.Values{
			"q":           {query},
			"format":      {"json"},
			"no_redirect": {"1"},
			"no_html":     {"1"},
		}.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "Error: " + err.Error()
		}
		resp, err := client.Do(req)
		if err != nil {
			return "Error: " + err.Error()
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Sprintf("Error: search returned status %d", resp.StatusCode)
		}

		var sr searchResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
			return "Error: " + err.Error()
		}

		summary := firstNonEmpty(sr.Answer, sr.AbstractText)
		if summary == "" && len(sr.RelatedTopics) > 0 {
			summary = sr.RelatedTopics[0].Text
		}
		if summary == "" {
			return "No results found for: " + query
		}
		if len(summary) > maxSearchResult {
			summary = summary[:maxSearchResult]
		}
		return summary
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
