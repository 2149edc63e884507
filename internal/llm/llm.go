// Package llm holds the thin clients for the external embedding,
// reranking, and completion services. The providers themselves are
// external collaborators; only their callable surface lives here, plus
// deterministic fakes for tests and development.
package llm

import (
	"context"
)

// Embedder produces dense vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds many texts in one provider round trip. The result
	// is index-aligned with the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the fixed vector width this embedder produces.
	Dimensions() int
}

// Reranker scores (query, candidate) pairs with a cross-encoder model.
// Scores are index-aligned with the candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Completer answers a single prompt. Used by the status-hint and agent
// jobs; never on the search read path.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
