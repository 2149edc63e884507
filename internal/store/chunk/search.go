package chunk

import (
	"context"
	"fmt"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const (
	minK     = 1
	maxK     = 200
	defaultK = 50
)

func coerceK(k int) int {
	if k <= 0 {
		return defaultK
	}
	if k < minK {
		return minK
	}
	if k > maxK {
		return maxK
	}
	return k
}

// condBuilder accumulates WHERE conditions with positional args. Formats
// use %s where a placeholder goes; values append in order.
type condBuilder struct {
	conds []string
	args  []any
}

func (b *condBuilder) add(format string, values ...any) {
	placeholders := make([]any, len(values))
	for i, v := range values {
		b.args = append(b.args, v)
		placeholders[i] = fmt.Sprintf("$%d", len(b.args))
	}
	b.conds = append(b.conds, fmt.Sprintf(format, placeholders...))
}

func (b *condBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " AND " + strings.Join(b.conds, " AND ")
}

// applyFilter renders the tenant/project/source scoping shared by both
// search channels. The accessible-project set becomes a closed IN-list;
// documents without a project ride along only when the shared project is
// readable. A nil set (migration window) adds no project predicate.
func applyFilter(b *condBuilder, filter search.ChunkFilter) error {
	if filter.Access.OrgID == "" {
		return appErrors.NewAuthorization(appErrors.CodeNoOrgContext, "chunk search requires an organization context")
	}
	b.add("c.org_id = %s", filter.Access.OrgID)
	b.add("d.org_id = %s", filter.Access.OrgID)

	if filter.Access.Projects != nil {
		ids := filter.Access.Projects.IDs()
		if filter.Access.AllowsProject("") {
			ids = append(ids, "")
		}
		b.add("d.project_id = ANY(%s)", ids)
	}
	if len(filter.SourceIDs) > 0 {
		b.add("d.source_id = ANY(%s)", filter.SourceIDs)
	}
	if filter.Language != "" {
		b.add("(c.language = %[1]s OR d.language = %[1]s)", filter.Language)
	}
	if filter.ChunkType != "" {
		b.add("c.chunk_type = %s", string(filter.ChunkType))
	}
	if filter.Since != nil {
		b.add("d.updated_at >= %s", filter.Since.UTC())
	}
	return nil
}

const chunkHitColumns = `
	c.id, c.document_id, c.ordinal, c.text, c.context, c.language, c.chunk_type, c.created_at,
	d.title, d.url, d.source_id, d.project_id, d.updated_at`

// VectorSearchChunks returns the k most similar chunks by cosine
// similarity under the filter.
func (s *Store) VectorSearchChunks(ctx context.Context, filter search.ChunkFilter, vector []float32, k int) ([]search.ChunkHit, error) {
	if len(vector) == 0 {
		return nil, appErrors.NewValidation("query vector cannot be empty")
	}
	k = coerceK(k)

	b := &condBuilder{}
	b.add("1 - (c.embedding <=> %s::vector) >= %s", pgvector.NewVector(vector), filter.MinScore)
	embeddingArg := 1 // the vector is the first arg appended above
	if err := applyFilter(b, filter); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s, 1 - (c.embedding <=> $%d::vector) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL%s
		ORDER BY c.embedding <=> $%d::vector, c.id
		LIMIT %d`,
		chunkHitColumns, embeddingArg, b.where(), embeddingArg, k)

	return s.queryHits(ctx, query, b.args)
}

// KeywordSearchChunks ranks chunks by full-text relevance under the
// filter. The query goes through plainto_tsquery, so operator syntax in
// user input matches literally.
func (s *Store) KeywordSearchChunks(ctx context.Context, filter search.ChunkFilter, query string, k int) ([]search.ChunkHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	k = coerceK(k)

	b := &condBuilder{}
	b.add("c.text_search @@ plainto_tsquery('english', %s)", query)
	queryArg := 1
	if err := applyFilter(b, filter); err != nil {
		return nil, err
	}

	// The stored per-chunk term frequencies sharpen ts_rank: chunks
	// where the query terms actually repeat outrank incidental matches.
	terms := search.Tokenize(query)
	if terms == nil {
		terms = []string{}
	}
	b.args = append(b.args, terms)
	termsArg := len(b.args)

	sql := fmt.Sprintf(`
		SELECT %s, ts_rank(c.text_search, plainto_tsquery('english', $%d))
			* (1 + ln(1 + COALESCE((
				SELECT sum(f.value::int)
				FROM jsonb_each_text(c.token_freqs) f
				WHERE f.key = ANY($%d)
			), 0))) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY score DESC, c.id
		LIMIT %d`,
		chunkHitColumns, queryArg, termsArg, strings.Join(b.conds, " AND "), k)

	return s.queryHits(ctx, sql, b.args)
}

func (s *Store) queryHits(ctx context.Context, query string, args []any) ([]search.ChunkHit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "chunk search failed")
	}
	defer rows.Close()

	hits := make([]search.ChunkHit, 0)
	for rows.Next() {
		var (
			hit       search.ChunkHit
			chunkType string
		)
		if err := rows.Scan(
			&hit.Chunk.ID, &hit.Chunk.DocumentID, &hit.Chunk.Ordinal,
			&hit.Chunk.Text, &hit.Chunk.Context, &hit.Chunk.Language,
			&chunkType, &hit.Chunk.CreatedAt,
			&hit.DocumentTitle, &hit.DocumentURL, &hit.SourceID,
			&hit.ProjectID, &hit.UpdatedAt, &hit.Score,
		); err != nil {
			return nil, translate(err, "chunk search failed")
		}
		hit.Chunk.Type = domain.ChunkType(chunkType)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "chunk search failed")
	}
	return hits, nil
}
