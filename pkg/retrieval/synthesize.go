package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/llms"
	"github.com/doclens/doclens/pkg/observability"
)

const systemPrompt = `You are a document analysis assistant. Answer the user's question using ONLY the provided document excerpts.

Rules:
- Cite every claim with the citation token that follows the excerpt it came from, copied verbatim, e.g. [[doc:12, seg:3]].
- Never invent citation tokens or alter their numbers.
- If the excerpts do not contain the answer, say so plainly.
- Be precise and quote exact wording where the question asks for it.`

// Synthesizer produces the final answer from an assembled context.
type Synthesizer struct {
	provider llms.Provider
	respCfg  config.ResponseConfig
	metrics  *observability.Metrics
}

// NewSynthesizer creates a synthesizer. metrics may be nil.
func NewSynthesizer(provider llms.Provider, respCfg config.ResponseConfig, metrics *observability.Metrics) *Synthesizer {
	return &Synthesizer{provider: provider, respCfg: respCfg, metrics: metrics}
}

// Synthesize runs a single completion over the context. A transient
// provider failure is retried once before giving up.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, evidence *Context, imageURL string) (string, error) {
	userContent := fmt.Sprintf("Document excerpts:\n\n%s\n\nQuestion: %s", evidence.Text, query)

	req := llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: systemPrompt},
			{Role: llms.RoleUser, Content: userContent, ImageURL: imageURL},
		},
		MaxTokens: s.respCfg.MaxResponseTokens,
	}

	completion, err := s.provider.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Warn("synthesis call failed, retrying once", "error", err)
		completion, err = s.provider.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("synthesis failed: %w", err)
		}
	}

	s.metrics.AddTokens(completion.PromptTokens, completion.OutputTokens)
	return completion.Text, nil
}
