package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const (
	defaultConcurrency     = 4
	defaultClaimTimeout    = time.Second
	defaultJanitorInterval = 5 * time.Second
	defaultStaleAfter      = 30 * time.Minute
)

// Worker claims jobs off the queue and runs registered handlers. Claims
// move to a processing list first, so work survives a worker crash: the
// janitor requeues anything that stays in_progress past staleAfter.
type Worker struct {
	queue    *Queue
	deps     *Deps
	logger   *zap.Logger
	metrics  *observability.Metrics
	handlers map[string]Handler

	concurrency     int
	claimTimeout    time.Duration
	janitorInterval time.Duration
	staleAfter      time.Duration
}

// WorkerOption tunes a Worker.
type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithClaimTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.claimTimeout = d
		}
	}
}

func WithJanitorInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.janitorInterval = d
		}
	}
}

// WithStaleAfter sets how long a claim may sit in_progress before the
// janitor assumes its worker died and requeues it.
func WithStaleAfter(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.staleAfter = d
		}
	}
}

func NewWorker(queue *Queue, deps *Deps, logger *zap.Logger, metrics *observability.Metrics, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps == nil {
		deps = &Deps{}
	}
	w := &Worker{
		queue:           queue,
		deps:            deps,
		logger:          logger,
		metrics:         metrics,
		handlers:        make(map[string]Handler),
		concurrency:     defaultConcurrency,
		claimTimeout:    defaultClaimTimeout,
		janitorInterval: defaultJanitorInterval,
		staleAfter:      defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a handler to a job kind. Later registrations win.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run claims and executes jobs until ctx is cancelled. A job in flight at
// shutdown finishes recording its outcome; one cut off mid-handler stays
// on the processing list and is requeued by the next janitor pass.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("job worker starting",
		zap.Int("concurrency", w.concurrency),
		zap.Int("handlers", len(w.handlers)))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.janitorLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	w.logger.Info("job worker stopped")
	return nil
}

func (w *Worker) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := w.queue.rdb.BRPopLPush(ctx, queueKey, processingKey, w.claimTimeout).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			w.logger.Warn("job claim failed", zap.Error(err))
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		w.execute(ctx, jobID)
	}
}

func (w *Worker) execute(ctx context.Context, jobID string) {
	// Bookkeeping must land even when ctx is cancelled mid-job.
	book := context.WithoutCancel(ctx)

	job, err := w.queue.load(book, jobID)
	if err != nil {
		w.logger.Error("claimed job unreadable", zap.String("job_id", jobID), zap.Error(err))
		w.release(book, jobID)
		return
	}
	if job == nil {
		// Cancelled between claim and load.
		w.release(book, jobID)
		return
	}

	attempt := job.Attempts + 1
	now := time.Now().UTC()
	if err := w.queue.rdb.HSet(book, jobKey(jobID),
		"status", string(StatusInProgress),
		"started_at", now.Format(time.RFC3339Nano),
		"attempts", strconv.Itoa(attempt),
	).Err(); err != nil {
		w.logger.Error("could not mark job in progress", zap.String("job_id", jobID), zap.Error(err))
	}

	jc := &JobContext{
		JobID:   jobID,
		Kind:    job.Kind,
		OrgID:   job.OrgID,
		Attempt: attempt,
		Queue:   w.queue,
		Deps:    w.deps,
	}

	w.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.String("kind", job.Kind),
		zap.String("org_id", job.OrgID),
		zap.Int("attempt", attempt))

	start := time.Now()
	var result any
	h, ok := w.handlers[job.Kind]
	if !ok {
		err = apperrors.NewInternal(fmt.Sprintf("no handler registered for %q", job.Kind), nil)
	} else {
		result, err = w.runHandler(ctx, h, jc, job.Args)
	}
	elapsed := time.Since(start)

	var outcome string
	var def *deferError
	switch {
	case errors.As(err, &def):
		outcome = string(StatusDeferred)
		w.deferJob(book, jobID, def.delay)
	case err != nil:
		outcome = string(StatusFailed)
		w.finish(book, jobID, StatusFailed, nil, err)
	default:
		outcome = string(StatusComplete)
		w.finish(book, jobID, StatusComplete, result, nil)
	}
	w.release(book, jobID)
	w.countExecution(job.Kind, outcome, elapsed)

	w.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("kind", job.Kind),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
}

func (w *Worker) runHandler(ctx context.Context, h Handler, jc *JobContext, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternal(fmt.Sprintf("job handler panic: %v", r), nil)
		}
	}()
	return h(ctx, jc, args)
}

func (w *Worker) finish(ctx context.Context, jobID string, status Status, result any, jobErr error) {
	fields := []any{
		"status", string(status),
		"finished_at", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if jobErr != nil {
		fields = append(fields, "error", jobErr.Error())
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			w.logger.Warn("job result not serializable", zap.String("job_id", jobID), zap.Error(err))
		} else {
			fields = append(fields, "result", string(raw))
		}
	}
	if err := w.queue.rdb.HSet(ctx, jobKey(jobID), fields...).Err(); err != nil {
		w.logger.Error("could not record job outcome", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) deferJob(ctx context.Context, jobID string, delay time.Duration) {
	readyAt := time.Now().Add(delay)
	pipe := w.queue.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(StatusDeferred))
	pipe.ZAdd(ctx, deferredKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("could not defer job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, jobID string) {
	if err := w.queue.rdb.LRem(ctx, processingKey, 0, jobID).Err(); err != nil {
		w.logger.Warn("could not release claim", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(w.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDeferred(ctx)
			w.requeueStale(ctx)
		}
	}
}

// promoteDeferred moves jobs whose delay elapsed back onto the queue.
func (w *Worker) promoteDeferred(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := w.queue.rdb.ZRangeByScore(ctx, deferredKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("deferred scan failed", zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		removed, err := w.queue.rdb.ZRem(ctx, deferredKey, id).Result()
		if err != nil || removed == 0 {
			continue // another node promoted it
		}
		pipe := w.queue.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "status", string(StatusQueued))
		pipe.LPush(ctx, queueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			w.logger.Error("could not promote deferred job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		w.logger.Info("deferred job requeued", zap.String("job_id", id))
	}
}

// requeueStale returns claims from dead workers to the queue. Handlers are
// idempotent, so requeueing a slow but alive job only costs a re-run.
func (w *Worker) requeueStale(ctx context.Context) {
	ids, err := w.queue.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("processing scan failed", zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		job, err := w.queue.load(ctx, id)
		if err != nil {
			continue
		}
		if job == nil {
			w.queue.rdb.LRem(ctx, processingKey, 0, id)
			continue
		}
		if job.Status != StatusInProgress || job.StartedAt.IsZero() {
			continue
		}
		if time.Since(job.StartedAt) < w.staleAfter {
			continue
		}
		removed, err := w.queue.rdb.LRem(ctx, processingKey, 0, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := w.queue.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "status", string(StatusQueued))
		pipe.LPush(ctx, queueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			w.logger.Error("could not requeue stale job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		w.logger.Warn("stale claim requeued",
			zap.String("job_id", id),
			zap.String("kind", job.Kind),
			zap.Time("started_at", job.StartedAt))
	}
}

func (w *Worker) countExecution(kind, outcome string, elapsed time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.JobExecutions.WithLabelValues(kind, outcome).Inc()
	w.metrics.JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
