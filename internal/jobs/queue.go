package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const (
	queueKey      = "sibyl:jobs:queue"
	processingKey = "sibyl:jobs:processing"
	deferredKey   = "sibyl:jobs:deferred"
	jobKeyPrefix  = "sibyl:jobs:job:"
)

func jobKey(id string) string { return jobKeyPrefix + id }

// enqueueScript admits a job unless one with the same ID is still active.
// Terminal state from an earlier run is discarded so deterministic IDs can
// be reused once the previous run finishes.
var enqueueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'queued' or status == 'in_progress' or status == 'deferred' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'kind', ARGV[1],
  'args', ARGV[2],
  'org_id', ARGV[3],
  'status', 'queued',
  'enqueued_at', ARGV[4],
  'attempts', '0')
redis.call('LPUSH', KEYS[2], ARGV[5])
return 1
`)

// cancelScript removes a job while it is still waiting in the queue.
// Returns the status that blocked cancellation, or 'cancelled'.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'not_found'
end
if status ~= 'queued' then
  return status
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('DEL', KEYS[1])
return 'cancelled'
`)

// Queue enqueues jobs and answers status questions. Workers share it for
// claim bookkeeping.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewQueue(rdb *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{rdb: rdb, logger: logger}
}

// EnqueueOption tunes one Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	jobID string
	orgID string
}

// WithJobID pins a deterministic job ID. Re-enqueueing while that ID is
// still active returns the existing ID instead of queueing a duplicate.
func WithJobID(id string) EnqueueOption {
	return func(c *enqueueConfig) { c.jobID = id }
}

// WithOrg stamps the job with the tenant it runs for.
func WithOrg(orgID string) EnqueueOption {
	return func(c *enqueueConfig) { c.orgID = orgID }
}

// Enqueue queues a job and returns its ID. args is serialized as the
// handler's input; nil is allowed.
func (q *Queue) Enqueue(ctx context.Context, kind string, args any, opts ...EnqueueOption) (string, error) {
	if kind == "" {
		return "", apperrors.NewValidation("job kind is required")
	}
	cfg := enqueueConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.jobID
	if id == "" {
		id = uuid.NewString()
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return "", apperrors.Wrap(err, "job arguments are not serializable")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	admitted, err := enqueueScript.Run(ctx, q.rdb,
		[]string{jobKey(id), queueKey},
		kind, string(raw), cfg.orgID, now, id,
	).Int()
	if err != nil {
		return "", apperrors.NewUnavailable("could not enqueue job", err)
	}
	if admitted == 0 {
		q.logger.Debug("job already active, reusing",
			zap.String("job_id", id),
			zap.String("kind", kind))
		return id, nil
	}

	q.logger.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("kind", kind),
		zap.String("org_id", cfg.orgID))
	return id, nil
}

// Status reports the current state of a job. Unknown IDs come back with
// StatusNotFound rather than an error.
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &Job{ID: jobID, Status: StatusNotFound}, nil
	}
	return job, nil
}

// Cancel removes a job that has not started. Anything past queued is
// refused with the state that blocked it.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	res, err := cancelScript.Run(ctx, q.rdb,
		[]string{jobKey(jobID), queueKey},
		jobID,
	).Text()
	if err != nil {
		return apperrors.NewUnavailable("could not cancel job", err)
	}
	switch res {
	case "cancelled":
		q.logger.Info("job cancelled", zap.String("job_id", jobID))
		return nil
	case "not_found":
		return apperrors.NewNotFound("job not found")
	default:
		return apperrors.NewInvalidTransition(res, "cancelled", []string{string(StatusQueued)})
	}
}

// load reads the job hash. A missing hash returns (nil, nil).
func (q *Queue) load(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, apperrors.NewUnavailable("could not load job", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:     jobID,
		Kind:   fields["kind"],
		OrgID:  fields["org_id"],
		Status: Status(fields["status"]),
		Error:  fields["error"],
	}
	if v := fields["args"]; v != "" {
		job.Args = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := fields["attempts"]; v != "" {
		job.Attempts, _ = strconv.Atoi(v)
	}
	job.EnqueuedAt = parseTime(fields["enqueued_at"])
	job.StartedAt = parseTime(fields["started_at"])
	job.FinishedAt = parseTime(fields["finished_at"])
	return job, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
