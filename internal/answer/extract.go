package answer

import (
	"encoding/json"
	"strings"

	"github.com/quiver0/quiver/internal/vecstore"
)

// noContent is the sentinel shown when no extraction path yields text.
const noContent = "No content"

// Result is one retrieved source presented to the user and usable for
// regeneration. Results live only until the next query.
type Result struct {
	ID          string
	Score       float32
	SourceLabel string
	Content     string
}

func resultsFromMatches(matches []vecstore.Match) []Result {
	out := make([]Result, len(matches))
	for i, m := range matches {
		out[i] = Result{
			ID:          m.ID,
			Score:       m.Score,
			SourceLabel: sourceLabel(m),
			Content:     matchContent(m.Metadata),
		}
	}
	return out
}

// matchContent extracts display text from match metadata. The fallback chain
// never fails a whole query over one malformed match: structured node
// content first (a JSON string with a nested "text" field), then the raw
// "text" field, then the sentinel.
func matchContent(md vecstore.Metadata) string {
	if raw, ok := md["_node_content"].AsString(); ok && raw != "" {
		var node struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &node); err == nil && node.Text != "" {
			return node.Text
		}
	}
	if text, ok := md["text"].AsString(); ok && text != "" {
		return text
	}
	return noContent
}

// sourceLabel picks a human-readable label for citations.
func sourceLabel(m vecstore.Match) string {
	for _, key := range []string{"file_name", "source", "document_title"} {
		if s, ok := m.Metadata[key].AsString(); ok && s != "" {
			return s
		}
	}
	return m.ID
}

// assembleContext renders the top results as source blocks and collects
// their labels as citations, deduplicated in first-seen order.
func assembleContext(results []Result, limit int) (string, []string) {
	if limit > len(results) {
		limit = len(results)
	}
	top := results[:limit]

	blocks := make([]string, len(top))
	seen := make(map[string]bool, len(top))
	var citations []string
	for i, r := range top {
		blocks[i] = "Source: " + r.SourceLabel + "\n" + r.Content
		if !seen[r.SourceLabel] {
			seen[r.SourceLabel] = true
			citations = append(citations, r.SourceLabel)
		}
	}
	return strings.Join(blocks, "\n\n"), citations
}
