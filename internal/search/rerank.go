package search

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// DefaultRerankDepth is how many head candidates the cross-encoder sees.
const DefaultRerankDepth = 50

// Reranker scores (query, candidate) pairs with an external cross-encoder.
// Implementations live in the llm package; tests use fakes.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// rerankItems reorders the top candidates by cross-encoder relevance.
// Any reranker failure falls back silently to the incoming order; the
// rest of the pipeline never observes the error.
func rerankItems(ctx context.Context, reranker Reranker, logger *zap.Logger, query string, items []Item, depth int) []Item {
	if reranker == nil || len(items) == 0 {
		return items
	}
	if depth <= 0 {
		depth = DefaultRerankDepth
	}
	if depth > len(items) {
		depth = len(items)
	}

	head := items[:depth]
	candidates := make([]string, len(head))
	for i, item := range head {
		text := item.Content
		if text == "" {
			text = item.Snippet
		}
		if text == "" {
			text = item.Name
		}
		candidates[i] = text
	}

	scores, err := reranker.Rerank(ctx, query, candidates)
	if err != nil || len(scores) != len(head) {
		logger.Warn("reranking failed, using original order",
			zap.Int("candidates", len(head)),
			zap.Error(err))
		return items
	}

	reranked := make([]Item, len(head))
	copy(reranked, head)
	for i := range reranked {
		reranked[i].Score = scores[i]
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		if reranked[i].Score != reranked[j].Score {
			return reranked[i].Score > reranked[j].Score
		}
		return reranked[i].ID < reranked[j].ID
	})

	out := make([]Item, 0, len(items))
	out = append(out, reranked...)
	out = append(out, items[depth:]...)
	return out
}
