package domain

import (
	"time"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// SourceStatus is the crawl-target state machine:
// pending -> running -> completed | failed | partial.
type SourceStatus string

const (
	SourcePending   SourceStatus = "pending"
	SourceRunning   SourceStatus = "running"
	SourceCompleted SourceStatus = "completed"
	SourceFailed    SourceStatus = "failed"
	SourcePartial   SourceStatus = "partial"
)

var sourceTransitions = map[SourceStatus][]SourceStatus{
	SourcePending:   {SourceRunning},
	SourceRunning:   {SourceCompleted, SourceFailed, SourcePartial},
	SourceCompleted: {SourceRunning},
	SourceFailed:    {SourceRunning},
	SourcePartial:   {SourceRunning},
}

// TransitionSourceStatus validates a status change and returns the allowed
// next states when the change is rejected.
func TransitionSourceStatus(from, to SourceStatus) error {
	allowed := sourceTransitions[from]
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return appErrors.NewInvalidTransition(string(from), string(to), names)
}

// SourceKind names what a crawl target points at.
type SourceKind string

const (
	SourceKindURL   SourceKind = "url"
	SourceKindRepo  SourceKind = "repo"
	SourceKindLocal SourceKind = "local"
)

// Source is a named crawl target. It owns many Documents; each Document
// owns many Chunks.
type Source struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organization_id"`
	ProjectID       string       `json:"project_id,omitempty"`
	Name            string       `json:"name"`
	Kind            SourceKind   `json:"kind"`
	URL             string       `json:"url"`
	IncludePatterns []string     `json:"include_patterns,omitempty"`
	ExcludePatterns []string     `json:"exclude_patterns,omitempty"`
	MaxDepth        int          `json:"max_depth"`
	MaxPages        int          `json:"max_pages"`
	Status          SourceStatus `json:"status"`
	DocumentCount   int          `json:"document_count"`
	ChunkCount      int          `json:"chunk_count"`
	ErrorCount      int          `json:"error_count"`
	LastError       string       `json:"last_error,omitempty"`
	LastCrawledAt   *time.Time   `json:"last_crawled_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CrawlJob is the durable record of one crawl run over a source. The
// live job state lives in the queue; this row is the history.
type CrawlJob struct {
	ID             string       `json:"id"`
	SourceID       string       `json:"source_id"`
	OrganizationID string       `json:"organization_id"`
	Status         SourceStatus `json:"status"`
	PagesFetched   int          `json:"pages_fetched"`
	PagesFailed    int          `json:"pages_failed"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// Document is one fetched page of a source. Replaceable on re-crawl: old
// chunks are discarded and new ones inserted atomically per document.
type Document struct {
	ID             string    `json:"id"`
	SourceID       string    `json:"source_id"`
	OrganizationID string    `json:"organization_id"`
	ProjectID      string    `json:"project_id,omitempty"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Headings       []string  `json:"headings,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	Language       string    `json:"language,omitempty"`
	ChunkCount     int       `json:"chunk_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChunkType classifies a chunk's content.
type ChunkType string

const (
	ChunkProse   ChunkType = "prose"
	ChunkCode    ChunkType = "code"
	ChunkHeading ChunkType = "heading"
)

// Chunk is the unit of retrievable document text. Chunks of a document
// are totally ordered by Ordinal.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Ordinal    int            `json:"ordinal"`
	Text       string         `json:"text"`
	Context    string         `json:"context,omitempty"` // preceding-context sentence
	Vector     []float32      `json:"-"`
	TokenFreqs map[string]int `json:"-"`
	Language   string         `json:"language,omitempty"`
	Type       ChunkType      `json:"chunk_type"`
	CreatedAt  time.Time      `json:"created_at"`
}
