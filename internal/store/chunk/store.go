// Package chunk implements the document/chunk side of the platform on
// Postgres with pgvector: replaceable per-document chunk sets, cosine
// vector search, and keyword search over a generated tsvector column.
// Rows are tenant-scoped by org_id on both tables.
package chunk

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Store is the Postgres-backed document/chunk store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a chunk store on an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Compile-time check: the search pipeline reads chunks through this store.
var _ search.ChunkSearcher = (*Store)(nil)

// translate maps pgx failures onto the shared error taxonomy.
func translate(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return appErrors.NewNotFound(notFoundMsg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return appErrors.NewConflict("row already exists")
		case "23503":
			return appErrors.NewValidation("referenced row does not exist")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.NewTimeout("chunk store query timed out", err)
	}
	return appErrors.NewInternal("chunk store query failed", err)
}

// PutDocument upserts one document row keyed by ID.
func (s *Store) PutDocument(ctx context.Context, doc domain.Document) error {
	if doc.ID == "" || doc.OrganizationID == "" || doc.SourceID == "" {
		return appErrors.NewValidation("document requires id, organization, and source")
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, source_id, org_id, project_id, url, title, headings, tags, content_hash, language, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			headings = EXCLUDED.headings,
			tags = EXCLUDED.tags,
			content_hash = EXCLUDED.content_hash,
			language = EXCLUDED.language,
			updated_at = EXCLUDED.updated_at`,
		doc.ID, doc.SourceID, doc.OrganizationID, doc.ProjectID, doc.URL, doc.Title,
		doc.Headings, doc.Tags, doc.ContentHash, doc.Language, doc.ChunkCount,
		doc.CreatedAt, doc.UpdatedAt)
	return translate(err, "document not found")
}

// ReplaceChunks swaps a document's chunk set atomically: the document row
// is upserted, old chunks deleted, new ones batch-inserted, and the chunk
// count updated, all in one transaction. A reader sees either the old set
// or the new set, never a mix.
func (s *Store) ReplaceChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	if doc.ID == "" || doc.OrganizationID == "" {
		return appErrors.NewValidation("document requires id and organization")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate(err, "document not found")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.ChunkCount = len(chunks)

	if _, err := tx.Exec(ctx, `
		INSERT INTO documents (id, source_id, org_id, project_id, url, title, headings, tags, content_hash, language, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			headings = EXCLUDED.headings,
			tags = EXCLUDED.tags,
			content_hash = EXCLUDED.content_hash,
			language = EXCLUDED.language,
			chunk_count = EXCLUDED.chunk_count,
			updated_at = EXCLUDED.updated_at`,
		doc.ID, doc.SourceID, doc.OrganizationID, doc.ProjectID, doc.URL, doc.Title,
		doc.Headings, doc.Tags, doc.ContentHash, doc.Language, doc.ChunkCount,
		doc.CreatedAt, doc.UpdatedAt); err != nil {
		return translate(err, "document not found")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1 AND org_id = $2`,
		doc.ID, doc.OrganizationID); err != nil {
		return translate(err, "document not found")
	}

	if len(chunks) > 0 {
		batch := &pgx.Batch{}
		for i := range chunks {
			c := chunks[i]
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			var embedding any
			if len(c.Vector) > 0 {
				embedding = pgvector.NewVector(c.Vector)
			}
			freqs := c.TokenFreqs
			if freqs == nil {
				freqs = search.TermFrequencies(c.Text)
			}
			if freqs == nil {
				freqs = map[string]int{}
			}
			batch.Queue(`
				INSERT INTO chunks (id, document_id, org_id, ordinal, text, context, embedding, language, chunk_type, token_freqs, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				c.ID, doc.ID, doc.OrganizationID, c.Ordinal, c.Text, c.Context,
				embedding, c.Language, string(c.Type), freqs, c.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < len(chunks); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return appErrors.Wrap(translate(err, "document not found"), "failed to insert chunk")
			}
		}
		if err := br.Close(); err != nil {
			return translate(err, "document not found")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(err, "document not found")
	}
	return nil
}

// GetDocument fetches one document within the org boundary.
func (s *Store) GetDocument(ctx context.Context, orgID, id string) (domain.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_id, org_id, project_id, url, title, headings, tags, content_hash, language, chunk_count, created_at, updated_at
		FROM documents WHERE id = $1 AND org_id = $2`, id, orgID)
	doc, err := scanDocument(row)
	if err != nil {
		return domain.Document{}, translate(err, "document not found")
	}
	return doc, nil
}

// ListDocuments pages a source's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, orgID, sourceID string, limit, offset int) ([]domain.Document, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE org_id = $1 AND source_id = $2`,
		orgID, sourceID).Scan(&total); err != nil {
		return nil, 0, translate(err, "source not found")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, org_id, project_id, url, title, headings, tags, content_hash, language, chunk_count, created_at, updated_at
		FROM documents WHERE org_id = $1 AND source_id = $2
		ORDER BY updated_at DESC, id
		LIMIT $3 OFFSET $4`, orgID, sourceID, limit, offset)
	if err != nil {
		return nil, 0, translate(err, "source not found")
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, translate(err, "source not found")
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

// GetDocumentByURL looks a document up by its source and URL, for
// re-crawl dedup by content hash.
func (s *Store) GetDocumentByURL(ctx context.Context, orgID, sourceID, url string) (domain.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_id, org_id, project_id, url, title, headings, tags, content_hash, language, chunk_count, created_at, updated_at
		FROM documents WHERE org_id = $1 AND source_id = $2 AND url = $3`, orgID, sourceID, url)
	doc, err := scanDocument(row)
	if err != nil {
		return domain.Document{}, translate(err, "document not found")
	}
	return doc, nil
}

// DeleteDocument removes a document; its chunks go with it via cascade.
func (s *Store) DeleteDocument(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return translate(err, "document not found")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("document not found").WithDetail("document_id", id)
	}
	return nil
}

// DeleteSourceDocuments removes every document of a source. Returns how
// many documents were removed.
func (s *Store) DeleteSourceDocuments(ctx context.Context, orgID, sourceID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE source_id = $1 AND org_id = $2`, sourceID, orgID)
	if err != nil {
		return 0, translate(err, "source not found")
	}
	return int(tag.RowsAffected()), nil
}

// CountBySource returns document and chunk counts for one source.
func (s *Store) CountBySource(ctx context.Context, orgID, sourceID string) (documents, chunks int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT d.id), count(c.id)
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.id
		WHERE d.org_id = $1 AND d.source_id = $2`, orgID, sourceID).
		Scan(&documents, &chunks)
	if err != nil {
		return 0, 0, translate(err, "source not found")
	}
	return documents, chunks, nil
}

// Counts returns org-wide document and chunk totals for stats.
func (s *Store) Counts(ctx context.Context, orgID string) (documents, chunks int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM documents WHERE org_id = $1),
			(SELECT count(*) FROM chunks WHERE org_id = $1)`, orgID).
		Scan(&documents, &chunks)
	if err != nil {
		return 0, 0, translate(err, "organization not found")
	}
	return documents, chunks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	err := row.Scan(
		&doc.ID, &doc.SourceID, &doc.OrganizationID, &doc.ProjectID,
		&doc.URL, &doc.Title, &doc.Headings, &doc.Tags, &doc.ContentHash,
		&doc.Language, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	return doc, err
}
