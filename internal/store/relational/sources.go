package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const sourceColumns = `
	id, org_id, project_id, name, kind, url, include_patterns, exclude_patterns,
	max_depth, max_pages, status, document_count, chunk_count, error_count,
	last_error, last_crawled_at, created_at, updated_at`

const (
	defaultMaxDepth = 2
	defaultMaxPages = 100
)

// CreateSource registers a crawl target in the pending state.
func (s *Store) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	if src.OrganizationID == "" || src.URL == "" {
		return nil, appErrors.NewValidation("source requires organization and url")
	}
	switch src.Kind {
	case domain.SourceKindURL, domain.SourceKindRepo, domain.SourceKindLocal:
	default:
		return nil, appErrors.NewValidationf("unknown source kind %q", src.Kind)
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Name == "" {
		src.Name = src.URL
	}
	if src.MaxDepth <= 0 {
		src.MaxDepth = defaultMaxDepth
	}
	if src.MaxPages <= 0 {
		src.MaxPages = defaultMaxPages
	}
	src.Status = domain.SourcePending
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO crawl_sources (id, org_id, project_id, name, kind, url, include_patterns, exclude_patterns, max_depth, max_pages, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		src.ID, src.OrganizationID, src.ProjectID, src.Name, string(src.Kind),
		src.URL, src.IncludePatterns, src.ExcludePatterns, src.MaxDepth,
		src.MaxPages, string(src.Status), src.CreatedAt, src.UpdatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &src, nil
}

// GetSource loads one source within the organization.
func (s *Store) GetSource(ctx context.Context, orgID, id string) (*domain.Source, error) {
	return scanSource(s.q(ctx).QueryRow(ctx, `
		SELECT`+sourceColumns+`
		FROM crawl_sources WHERE org_id = $1 AND id = $2`, orgID, id))
}

// ListSources returns the organization's sources, optionally narrowed to
// a project set, newest first.
func (s *Store) ListSources(ctx context.Context, orgID string, projects *[]string, limit, offset int) ([]domain.Source, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := `org_id = $1`
	args := []any{orgID}
	if projects != nil {
		where += ` AND project_id = ANY($2)`
		args = append(args, *projects)
	}

	var total int
	if err := s.q(ctx).QueryRow(ctx,
		`SELECT count(*) FROM crawl_sources WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, translate(err, "")
	}

	page := fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, offset)
	rows, err := s.q(ctx).Query(ctx, `
		SELECT`+sourceColumns+`
		FROM crawl_sources WHERE `+where+`
		ORDER BY created_at DESC, id`+page, args...)
	if err != nil {
		return nil, 0, translate(err, "")
	}
	defer rows.Close()

	sources := make([]domain.Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, 0, err
		}
		sources = append(sources, *src)
	}
	return sources, total, translate(rows.Err(), "")
}

// TransitionSource moves the source through its status machine under a
// row lock. Invalid moves fail with InvalidTransition listing the
// allowed next states.
func (s *Store) TransitionSource(ctx context.Context, orgID, id string, to domain.SourceStatus) (*domain.Source, error) {
	var out *domain.Source
	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)

		var current string
		err := q.QueryRow(ctx, `
			SELECT status FROM crawl_sources
			WHERE org_id = $1 AND id = $2
			FOR UPDATE`, orgID, id).Scan(&current)
		if err != nil {
			return translate(err, "source not found")
		}
		if err := domain.TransitionSourceStatus(domain.SourceStatus(current), to); err != nil {
			return err
		}

		out, err = scanSource(q.QueryRow(ctx, `
			UPDATE crawl_sources SET status = $3, updated_at = $4
			WHERE org_id = $1 AND id = $2
			RETURNING`+sourceColumns,
			orgID, id, string(to), time.Now().UTC()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FinishCrawl records the outcome of one crawl run on the source row:
// final status, counters, and the crawl timestamp.
func (s *Store) FinishCrawl(ctx context.Context, orgID, id string, status domain.SourceStatus, documents, chunks, errCount int, lastError string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE crawl_sources
		SET status = $3, document_count = $4, chunk_count = $5, error_count = $6,
		    last_error = $7, last_crawled_at = $8, updated_at = $8
		WHERE org_id = $1 AND id = $2`,
		orgID, id, string(status), documents, chunks, errCount, lastError, time.Now().UTC())
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("source not found")
	}
	return nil
}

// DeleteSource removes the source; its documents and chunks cascade.
func (s *Store) DeleteSource(ctx context.Context, orgID, id string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM crawl_sources WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("source not found")
	}
	return nil
}

func scanSource(row rowScanner) (*domain.Source, error) {
	var (
		src    domain.Source
		kind   string
		status string
	)
	err := row.Scan(&src.ID, &src.OrganizationID, &src.ProjectID, &src.Name,
		&kind, &src.URL, &src.IncludePatterns, &src.ExcludePatterns,
		&src.MaxDepth, &src.MaxPages, &status, &src.DocumentCount,
		&src.ChunkCount, &src.ErrorCount, &src.LastError, &src.LastCrawledAt,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, translate(err, "source not found")
	}
	src.Kind = domain.SourceKind(kind)
	src.Status = domain.SourceStatus(status)
	return &src, nil
}

// StartCrawlJob opens a history row for one crawl run.
func (s *Store) StartCrawlJob(ctx context.Context, orgID, sourceID, jobID string) (*domain.CrawlJob, error) {
	job := domain.CrawlJob{
		ID:             jobID,
		SourceID:       sourceID,
		OrganizationID: orgID,
		Status:         domain.SourceRunning,
		StartedAt:      time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO crawl_jobs (id, source_id, org_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, started_at = EXCLUDED.started_at,
			pages_fetched = 0, pages_failed = 0, error = '', finished_at = NULL`,
		job.ID, job.SourceID, job.OrganizationID, string(job.Status), job.StartedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &job, nil
}

// FinishCrawlJob closes a crawl history row.
func (s *Store) FinishCrawlJob(ctx context.Context, orgID, jobID string, status domain.SourceStatus, fetched, failed int, errMsg string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE crawl_jobs
		SET status = $3, pages_fetched = $4, pages_failed = $5, error = $6, finished_at = $7
		WHERE org_id = $1 AND id = $2`,
		orgID, jobID, string(status), fetched, failed, errMsg, time.Now().UTC())
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("crawl job not found")
	}
	return nil
}

// ListCrawlJobs returns a source's crawl history, newest first.
func (s *Store) ListCrawlJobs(ctx context.Context, orgID, sourceID string, limit int) ([]domain.CrawlJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT id, source_id, org_id, status, pages_fetched, pages_failed, error, started_at, finished_at
		FROM crawl_jobs
		WHERE org_id = $1 AND source_id = $2
		ORDER BY started_at DESC, id
		LIMIT %d`, limit), orgID, sourceID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	jobs := make([]domain.CrawlJob, 0)
	for rows.Next() {
		var (
			job    domain.CrawlJob
			status string
		)
		if err := rows.Scan(&job.ID, &job.SourceID, &job.OrganizationID,
			&status, &job.PagesFetched, &job.PagesFailed, &job.Error,
			&job.StartedAt, &job.FinishedAt); err != nil {
			return nil, translate(err, "")
		}
		job.Status = domain.SourceStatus(status)
		jobs = append(jobs, job)
	}
	return jobs, translate(rows.Err(), "")
}
