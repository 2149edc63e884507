package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// startWorker runs a worker with the given handlers and fast test timings.
func startWorker(t *testing.T, rdb *redis.Client, handlers map[string]Handler, opts ...WorkerOption) *Queue {
	t.Helper()
	queue := NewQueue(rdb, zap.NewNop())
	base := []WorkerOption{
		WithConcurrency(2),
		WithClaimTimeout(50 * time.Millisecond),
		WithJanitorInterval(20 * time.Millisecond),
	}
	w := NewWorker(queue, &Deps{}, zap.NewNop(), nil, append(base, opts...)...)
	for kind, h := range handlers {
		w.Register(kind, h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("worker did not stop in time")
		}
	})
	return queue
}

func waitForStatus(t *testing.T, queue *Queue, jobID string, want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := queue.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestEnqueueDeterministicIDDeduplicates(t *testing.T) {
	rdb := newTestRedis(t)
	queue := NewQueue(rdb, zap.NewNop())
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, KindCrawlSource, SourceArgs{SourceID: "src-1"},
		WithJobID(CrawlJobID("src-1")), WithOrg("org-1"))
	require.NoError(t, err)
	assert.Equal(t, "crawl:src-1", first)

	second, err := queue.Enqueue(ctx, KindCrawlSource, SourceArgs{SourceID: "src-1"},
		WithJobID(CrawlJobID("src-1")), WithOrg("org-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "active job must be reused, not duplicated")

	pending, err := rdb.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestEnqueueDeterministicIDReusableAfterCompletion(t *testing.T) {
	rdb := newTestRedis(t)
	queue := startWorker(t, rdb, map[string]Handler{
		KindSyncSource: func(context.Context, *JobContext, json.RawMessage) (any, error) {
			return "synced", nil
		},
	})
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, KindSyncSource, SourceArgs{SourceID: "src-9"},
		WithJobID(SyncJobID("src-9")))
	require.NoError(t, err)
	waitForStatus(t, queue, id, StatusComplete)

	again, err := queue.Enqueue(ctx, KindSyncSource, SourceArgs{SourceID: "src-9"},
		WithJobID(SyncJobID("src-9")))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	job := waitForStatus(t, queue, id, StatusComplete)
	assert.Equal(t, 1, job.Attempts, "finished job is re-admitted as a fresh run")
}

func TestEnqueueWithoutIDGetsUniqueIDs(t *testing.T) {
	rdb := newTestRedis(t)
	queue := NewQueue(rdb, zap.NewNop())
	ctx := context.Background()

	a, err := queue.Enqueue(ctx, KindRunSynthesis, SynthesisArgs{Query: "q"}, WithOrg("org-1"))
	require.NoError(t, err)
	b, err := queue.Enqueue(ctx, KindRunSynthesis, SynthesisArgs{Query: "q"}, WithOrg("org-1"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	pending, err := rdb.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}

func TestEnqueueRequiresKind(t *testing.T) {
	queue := NewQueue(newTestRedis(t), zap.NewNop())
	_, err := queue.Enqueue(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestStatusUnknownJob(t *testing.T) {
	queue := NewQueue(newTestRedis(t), zap.NewNop())
	job, err := queue.Status(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, job.Status)
	assert.Equal(t, "no-such-job", job.ID)
}

func TestStatusCarriesJobRecord(t *testing.T) {
	rdb := newTestRedis(t)
	queue := NewQueue(rdb, zap.NewNop())
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, KindCreateEntity,
		AddEntityArgs{Type: "note", Name: "Kingfisher"},
		WithOrg("org-2"))
	require.NoError(t, err)

	job, err := queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, KindCreateEntity, job.Kind)
	assert.Equal(t, "org-2", job.OrgID)
	assert.JSONEq(t, `{"type":"note","name":"Kingfisher"}`, string(job.Args))
	assert.False(t, job.EnqueuedAt.IsZero())
	assert.Equal(t, 0, job.Attempts)
}

func TestCancelQueuedJob(t *testing.T) {
	rdb := newTestRedis(t)
	queue := NewQueue(rdb, zap.NewNop())
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, KindCrawlSource, SourceArgs{SourceID: "src-4"},
		WithJobID(CrawlJobID("src-4")))
	require.NoError(t, err)

	require.NoError(t, queue.Cancel(ctx, id))

	job, err := queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, job.Status)

	pending, err := rdb.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	assert.Zero(t, pending, "cancelled job must leave the queue")
}

func TestCancelUnknownJob(t *testing.T) {
	queue := NewQueue(newTestRedis(t), zap.NewNop())
	err := queue.Cancel(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCancelRunningJobRefused(t *testing.T) {
	rdb := newTestRedis(t)
	release := make(chan struct{})
	queue := startWorker(t, rdb, map[string]Handler{
		KindRunAgentExecution: func(ctx context.Context, _ *JobContext, _ json.RawMessage) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "ran", nil
		},
	})
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, KindRunAgentExecution, AgentRunArgs{Goal: "review"})
	require.NoError(t, err)
	waitForStatus(t, queue, id, StatusInProgress)

	err = queue.Cancel(ctx, id)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidTransition(err))

	close(release)
	waitForStatus(t, queue, id, StatusComplete)
}
