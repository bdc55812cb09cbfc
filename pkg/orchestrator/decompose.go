package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doclens/doclens/pkg/llms"
)

// Decomposer breaks a complex query into focused sub-queries.
type Decomposer struct {
	provider llms.Provider
	maxSubs  int
}

// NewDecomposer creates a decomposer.
func NewDecomposer(provider llms.Provider, maxSubqueries int) *Decomposer {
	if maxSubqueries <= 0 {
		maxSubqueries = 3
	}
	return &Decomposer{provider: provider, maxSubs: maxSubqueries}
}

// Decompose asks the model for up to maxSubqueries sub-queries. Model
// failure or an unusable response falls back to the original query, so
// orchestration always has at least one retrieval target.
func (d *Decomposer) Decompose(ctx context.Context, query string) []string {
	prompt := fmt.Sprintf(`Break the following question about a document collection into at most %d focused sub-questions.
Each sub-question should:
- Cover one distinct aspect of the original question
- Be answerable by searching document excerpts
- Stand on its own without referring to the other sub-questions

Original question: "%s"

Respond with only the sub-questions, one per line, without numbering or bullets.`, d.maxSubs, strings.ReplaceAll(query, `"`, ""))

	completion, err := d.provider.Complete(ctx, llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleUser, Content: prompt},
		},
		MaxTokens:   300,
		Temperature: 0.7,
	})
	if err != nil {
		slog.Warn("query decomposition failed, using original query", "error", err)
		return []string{query}
	}

	subs := parseSubqueries(completion.Text, d.maxSubs)
	if len(subs) == 0 {
		slog.Warn("query decomposition produced nothing usable, using original query")
		return []string{query}
	}

	slog.Debug("decomposed query", "subqueries", len(subs))
	return subs
}

// parseSubqueries extracts sub-queries from the model response, one per
// line, stripping list markers and deduplicating.
func parseSubqueries(response string, max int) []string {
	var subs []string
	seen := make(map[string]bool)

	for _, line := range strings.Split(response, "\n") {
		sub := strings.TrimSpace(line)

		prefixes := []string{"-", "•", "*", "1.", "2.", "3.", "4.", "5."}
		for _, prefix := range prefixes {
			sub = strings.TrimPrefix(sub, prefix)
		}
		sub = strings.TrimSpace(sub)
		sub = strings.Trim(sub, `"'`)

		if sub == "" {
			continue
		}
		if seen[strings.ToLower(sub)] {
			continue
		}

		subs = append(subs, sub)
		seen[strings.ToLower(sub)] = true

		if len(subs) >= max {
			break
		}
	}

	return subs
}
