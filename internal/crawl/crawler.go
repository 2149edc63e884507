package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/llm"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const embedBatchTimeout = 20 * time.Second

// Sources is the slice of the relational store the pipeline drives.
type Sources interface {
	GetSource(ctx context.Context, orgID, id string) (*domain.Source, error)
	TransitionSource(ctx context.Context, orgID, id string, to domain.SourceStatus) (*domain.Source, error)
	FinishCrawl(ctx context.Context, orgID, id string, status domain.SourceStatus, documents, chunks, errCount int, lastError string) error
	StartCrawlJob(ctx context.Context, orgID, sourceID, jobID string) (*domain.CrawlJob, error)
	FinishCrawlJob(ctx context.Context, orgID, jobID string, status domain.SourceStatus, fetched, failed int, errMsg string) error
}

// Documents is the slice of the chunk store the pipeline writes.
type Documents interface {
	GetDocumentByURL(ctx context.Context, orgID, sourceID, url string) (domain.Document, error)
	ReplaceChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error
}

// Crawler runs the source ingestion pipeline. Page failures are recorded
// and the run continues; only a uniformly denied fetch fails the job.
type Crawler struct {
	sources  Sources
	docs     Documents
	embedder llm.Embedder
	fetcher  *Fetcher
	chunker  *Chunker
	emitter  *events.Emitter
	logger   *zap.Logger
}

func NewCrawler(sources Sources, docs Documents, embedder llm.Embedder, fetcher *Fetcher, chunker *Chunker, emitter *events.Emitter, logger *zap.Logger) *Crawler {
	if emitter == nil {
		emitter = events.NewEmitter(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		sources:  sources,
		docs:     docs,
		embedder: embedder,
		fetcher:  fetcher,
		chunker:  chunker,
		emitter:  emitter,
		logger:   logger,
	}
}

// CrawlSource fetches and ingests every admissible page of a source.
func (c *Crawler) CrawlSource(ctx context.Context, orgID, sourceID, jobID string) (*jobs.CrawlReport, error) {
	return c.run(ctx, orgID, sourceID, jobID, false)
}

// SyncSource re-crawls a source but leaves documents whose content hash
// is unchanged alone, so only edited pages are re-embedded.
func (c *Crawler) SyncSource(ctx context.Context, orgID, sourceID, jobID string) (*jobs.CrawlReport, error) {
	return c.run(ctx, orgID, sourceID, jobID, true)
}

func (c *Crawler) run(ctx context.Context, orgID, sourceID, jobID string, skipUnchanged bool) (*jobs.CrawlReport, error) {
	src, err := c.sources.GetSource(ctx, orgID, sourceID)
	if err != nil {
		return nil, err
	}
	if _, err := c.sources.TransitionSource(ctx, orgID, sourceID, domain.SourceRunning); err != nil {
		return nil, err
	}
	if _, err := c.sources.StartCrawlJob(ctx, orgID, sourceID, jobID); err != nil {
		c.finalize(ctx, orgID, sourceID, jobID, domain.SourceFailed, 0, 0, 0, 0, err.Error())
		return nil, err
	}

	c.emitter.CrawlStarted(orgID, sourceID, jobID)
	c.logger.Info("crawl started",
		zap.String("org_id", orgID),
		zap.String("source_id", sourceID),
		zap.String("job_id", jobID),
		zap.String("url", src.URL),
		zap.Bool("sync", skipUnchanged))

	var fetched, failed, documents, chunks int
	var lastErr string

	cfg := FetchConfig{
		IncludePatterns: src.IncludePatterns,
		ExcludePatterns: src.ExcludePatterns,
		MaxDepth:        src.MaxDepth,
		MaxPages:        src.MaxPages,
	}
	_, _, err = c.fetcher.Crawl(ctx, src.URL, cfg, func(res PageResult) error {
		if res.Err != nil {
			failed++
			lastErr = res.Err.Error()
			c.emitter.CrawlProgress(orgID, sourceID, fetched, failed)
			return nil
		}
		fetched++
		n, err := c.ingestPage(ctx, orgID, src, res.Page, skipUnchanged)
		if err != nil {
			return err
		}
		documents++
		chunks += n
		c.emitter.CrawlProgress(orgID, sourceID, fetched, failed)
		return nil
	})
	if err != nil {
		// Infrastructure failure mid-run, not a page-level miss.
		c.finalize(ctx, orgID, sourceID, jobID, domain.SourceFailed, documents, chunks, fetched, failed, err.Error())
		return nil, err
	}

	status := domain.SourceCompleted
	var jobErr error
	switch {
	case fetched == 0 && failed > 0:
		status = domain.SourceFailed
		jobErr = apperrors.NewUnavailable(fmt.Sprintf("crawl fetched nothing: %d pages failed", failed), nil)
		if lastErr != "" {
			jobErr = apperrors.NewUnavailable(fmt.Sprintf("crawl fetched nothing: %d pages failed, last: %s", failed, lastErr), nil)
		}
	case fetched == 0:
		status = domain.SourceFailed
		lastErr = "no pages fetched"
		jobErr = apperrors.NewUnavailable("crawl fetched no pages", nil)
	case failed > 0:
		status = domain.SourcePartial
	}

	c.finalize(ctx, orgID, sourceID, jobID, status, documents, chunks, fetched, failed, lastErr)
	c.logger.Info("crawl finished",
		zap.String("source_id", sourceID),
		zap.String("status", string(status)),
		zap.Int("documents", documents),
		zap.Int("chunks", chunks),
		zap.Int("pages_failed", failed))

	if jobErr != nil {
		return nil, jobErr
	}
	return &jobs.CrawlReport{
		SourceID:  sourceID,
		Status:    string(status),
		Documents: documents,
		Chunks:    chunks,
		Failed:    failed,
	}, nil
}

// ingestPage chunks, embeds, and atomically replaces one document. It
// returns the stored chunk count.
func (c *Crawler) ingestPage(ctx context.Context, orgID string, src *domain.Source, page *Page, skipUnchanged bool) (int, error) {
	hash := contentHash(page)

	docID := ""
	existing, err := c.docs.GetDocumentByURL(ctx, orgID, src.ID, page.URL)
	switch {
	case err == nil:
		if skipUnchanged && existing.ContentHash == hash {
			c.logger.Debug("document unchanged", zap.String("url", page.URL))
			return existing.ChunkCount, nil
		}
		docID = existing.ID
	case apperrors.IsNotFound(err):
		docID = uuid.NewString()
	default:
		return 0, err
	}

	pageChunks := c.chunker.Chunk(page)
	var vectors [][]float32
	if len(pageChunks) > 0 {
		texts := make([]string, len(pageChunks))
		for i := range pageChunks {
			texts[i] = pageChunks[i].Text
		}
		vectors, err = c.embedChunks(ctx, texts)
		if err != nil {
			return 0, err
		}
	}

	now := time.Now().UTC()
	for i := range pageChunks {
		pageChunks[i].ID = uuid.NewString()
		pageChunks[i].DocumentID = docID
		pageChunks[i].Vector = vectors[i]
		pageChunks[i].TokenFreqs = search.TermFrequencies(pageChunks[i].Text)
		pageChunks[i].CreatedAt = now
	}

	title := page.Title
	if title == "" {
		title = page.URL
	}
	doc := domain.Document{
		ID:             docID,
		SourceID:       src.ID,
		OrganizationID: orgID,
		ProjectID:      src.ProjectID,
		URL:            page.URL,
		Title:          title,
		Headings:       page.Headings,
		ContentHash:    hash,
		ChunkCount:     len(pageChunks),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.docs.ReplaceChunks(ctx, doc, pageChunks); err != nil {
		return 0, err
	}
	return len(pageChunks), nil
}

func (c *Crawler) embedChunks(ctx context.Context, texts []string) ([][]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, embedBatchTimeout)
	defer cancel()
	vectors, err := c.embedder.EmbedBatch(ectx, texts)
	if err != nil {
		return nil, apperrors.Wrap(err, "embedding batch failed")
	}
	if len(vectors) != len(texts) {
		return nil, apperrors.NewInternal("embedding batch is not index-aligned", nil)
	}
	return vectors, nil
}

// finalize records the run outcome on the source and the job history row,
// then announces completion. Outcome writes survive a cancelled context.
func (c *Crawler) finalize(ctx context.Context, orgID, sourceID, jobID string, status domain.SourceStatus, documents, chunks, fetched, failed int, lastErr string) {
	book := context.WithoutCancel(ctx)
	if err := c.sources.FinishCrawl(book, orgID, sourceID, status, documents, chunks, failed, lastErr); err != nil {
		c.logger.Error("could not record crawl outcome on source",
			zap.String("source_id", sourceID), zap.Error(err))
	}
	if err := c.sources.FinishCrawlJob(book, orgID, jobID, status, fetched, failed, lastErr); err != nil {
		c.logger.Error("could not record crawl job history",
			zap.String("job_id", jobID), zap.Error(err))
	}
	c.emitter.CrawlComplete(orgID, sourceID, string(status), documents, chunks)
}

// contentHash fingerprints the text a page contributes, so sync runs can
// skip unchanged documents.
func contentHash(page *Page) string {
	var b strings.Builder
	b.WriteString(page.Title)
	b.WriteByte('\n')
	for _, block := range page.Blocks {
		b.WriteString(block.Text)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
