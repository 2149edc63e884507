package llm

import (
	"context"
	"sort"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
)

// Extractor derives relationships for a freshly written entity from a
// candidate set the caller already narrowed (usually keyword-index hits).
// Direct-mode writes bypass extraction entirely.
type Extractor interface {
	DeriveRelationships(ctx context.Context, entity domain.Entity, candidates []domain.Entity) ([]domain.Relationship, error)
}

// ExtractorConfig tunes similarity-driven extraction.
type ExtractorConfig struct {
	// MinSimilarity is the floor below which no edge is proposed.
	MinSimilarity float64
	// StrongThreshold marks pairs similar enough to be near-duplicates;
	// those get similar_to instead of related_to.
	StrongThreshold float64
	// MaxEdges caps how many relationships one write may derive.
	MaxEdges int
}

// DefaultExtractorConfig mirrors the platform defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MinSimilarity:   0.3,
		StrongThreshold: 0.7,
		MaxEdges:        10,
	}
}

// SimilarityExtractor proposes edges by lexical overlap between the new
// entity and its candidates. It is the default extractor; an LLM-backed
// one can replace it without touching the write path.
type SimilarityExtractor struct {
	config ExtractorConfig
}

// NewSimilarityExtractor builds the default extractor.
func NewSimilarityExtractor(config ExtractorConfig) *SimilarityExtractor {
	if config.MaxEdges <= 0 {
		config = DefaultExtractorConfig()
	}
	return &SimilarityExtractor{config: config}
}

type scoredCandidate struct {
	entity domain.Entity
	score  float64
}

// DeriveRelationships scores each candidate by Jaccard overlap of the
// searchable text tokens and emits edges for the strongest pairs. The
// similarity doubles as the edge weight.
func (e *SimilarityExtractor) DeriveRelationships(ctx context.Context, entity domain.Entity, candidates []domain.Entity) ([]domain.Relationship, error) {
	sourceTokens := tokenSet(entity.SearchableText())
	if len(sourceTokens) == 0 {
		return nil, nil
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.ID == entity.ID || cand.OrganizationID != entity.OrganizationID {
			continue
		}
		score := jaccard(sourceTokens, tokenSet(cand.SearchableText()))
		if score >= e.config.MinSimilarity {
			scored = append(scored, scoredCandidate{entity: cand, score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entity.ID < scored[j].entity.ID
	})
	if len(scored) > e.config.MaxEdges {
		scored = scored[:e.config.MaxEdges]
	}

	edges := make([]domain.Relationship, 0, len(scored))
	for _, sc := range scored {
		relType := domain.RelRelatedTo
		if sc.score >= e.config.StrongThreshold {
			relType = domain.RelSimilarTo
		}
		edges = append(edges, domain.Relationship{
			OrganizationID: entity.OrganizationID,
			SourceID:       entity.ID,
			TargetID:       sc.entity.ID,
			Type:           relType,
			Weight:         sc.score,
		})
	}
	return edges, nil
}

func tokenSet(text string) map[string]struct{} {
	tokens := search.Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	intersection := 0
	for t := range small {
		if _, ok := large[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
