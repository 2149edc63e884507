// Package jobs is the Redis-backed background work layer: a queue with
// deterministic IDs for jobs that must never duplicate, at-least-once
// workers, and the handler set the platform runs on. Handlers must be
// idempotent; a crashed worker's claims are requeued and re-run.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/events"
)

// Status is the externally observable lifecycle of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
	StatusNotFound   Status = "not_found"
)

// Job kinds. Everything the worker fleet knows how to run.
const (
	KindCrawlSource           = "crawl_source"
	KindSyncSource            = "sync_source"
	KindCreateEntity          = "create_entity"
	KindUpdateEntity          = "update_entity"
	KindCreateLearningEpisode = "create_learning_episode"
	KindRunAgentExecution     = "run_agent_execution"
	KindResumeAgentExecution  = "resume_agent_execution"
	KindRunBrainstorming      = "run_brainstorming"
	KindRunSynthesis          = "run_synthesis"
	KindRunMaterialization    = "run_materialization"
	KindGenerateStatusHint    = "generate_status_hint"
)

// CrawlJobID derives the deterministic ID that keeps one crawl per source
// active at a time.
func CrawlJobID(sourceID string) string { return "crawl:" + sourceID }

// SyncJobID is CrawlJobID for sync runs.
func SyncJobID(sourceID string) string { return "sync:" + sourceID }

// Job is the stored state of one unit of work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	OrgID      string          `json:"org_id,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Handler runs one job. The returned value is serialized as the job
// result; a returned error marks the job failed unless it is a Defer.
type Handler func(ctx context.Context, jc *JobContext, args json.RawMessage) (any, error)

// JobContext is what a running handler gets to work with.
type JobContext struct {
	JobID   string
	Kind    string
	OrgID   string
	Attempt int

	Queue *Queue
	Deps  *Deps
}

// Deps carries the collaborators handlers execute against. The interfaces
// are declared here, on the consumer side; the service layer satisfies
// them. Workers act org-trusted: they take the org ID directly instead of
// a resolved auth context.
type Deps struct {
	Knowledge KnowledgeWriter
	Crawler   SourceCrawler
	Agents    AgentRunner
	Hints     HintGenerator
	Emitter   *events.Emitter
	Approvals *events.Approvals
}

// KnowledgeWriter is the slice of the knowledge service jobs mutate through.
type KnowledgeWriter interface {
	AddEntity(ctx context.Context, orgID string, args AddEntityArgs) (string, error)
	UpdateEntity(ctx context.Context, orgID string, args UpdateEntityArgs) error
	CreateEpisode(ctx context.Context, orgID string, args EpisodeArgs) (string, error)
}

// SourceCrawler runs the crawl pipeline for one source.
type SourceCrawler interface {
	CrawlSource(ctx context.Context, orgID, sourceID, jobID string) (*CrawlReport, error)
	SyncSource(ctx context.Context, orgID, sourceID, jobID string) (*CrawlReport, error)
}

// AgentRunner executes the LLM-driven flows.
type AgentRunner interface {
	Run(ctx context.Context, orgID string, args AgentRunArgs) (*AgentReport, error)
	Resume(ctx context.Context, orgID string, args AgentResumeArgs) (*AgentReport, error)
	Brainstorm(ctx context.Context, orgID string, args BrainstormArgs) (*AgentReport, error)
	Synthesize(ctx context.Context, orgID string, args SynthesisArgs) (*AgentReport, error)
	Materialize(ctx context.Context, orgID string, args MaterializeArgs) (*AgentReport, error)
}

// HintGenerator produces the staleness summary behind get_status_hint.
type HintGenerator interface {
	GenerateStatusHint(ctx context.Context, orgID string) (string, error)
}

// Args shapes. These are the wire schema of job arguments; enqueuers and
// handlers share them.

type SourceArgs struct {
	SourceID string `json:"source_id"`
}

type AddEntityArgs struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	// Direct preserves the supplied ID and metadata verbatim and skips
	// relationship extraction.
	Direct bool   `json:"direct,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type UpdateEntityArgs struct {
	EntityID  string            `json:"entity_id"`
	Name      *string           `json:"name,omitempty"`
	Content   *string           `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ProjectID *string           `json:"project_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
}

type EpisodeArgs struct {
	Name      string `json:"name"`
	Body      string `json:"body"`
	EntityID  string `json:"entity_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	ValidFrom string `json:"valid_from,omitempty"`
}

type AgentRunArgs struct {
	SessionID string `json:"session_id,omitempty"`
	Goal      string `json:"goal"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type AgentResumeArgs struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer,omitempty"`
}

type BrainstormArgs struct {
	Topic     string `json:"topic"`
	ProjectID string `json:"project_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type SynthesisArgs struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id,omitempty"`
}

type MaterializeArgs struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// CrawlReport is the serialized result of a crawl or sync job.
type CrawlReport struct {
	SourceID  string `json:"source_id"`
	Status    string `json:"status"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	Failed    int    `json:"failed_pages"`
}

// AgentReport is the serialized result of an agent flow.
type AgentReport struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	Created   int    `json:"created,omitempty"`
}

// deferError reschedules a job instead of finishing it.
type deferError struct {
	delay time.Duration
}

func (e *deferError) Error() string {
	return fmt.Sprintf("job deferred for %s", e.delay)
}

// Defer tells the worker to park the job and requeue it after delay.
// Handlers return it when a dependency is not ready yet.
func Defer(delay time.Duration) error {
	if delay <= 0 {
		delay = time.Second
	}
	return &deferError{delay: delay}
}
