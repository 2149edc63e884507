// Package graph implements the property-graph store on the Neo4j Bolt
// protocol: labeled entity nodes, typed relationship edges, bulk UNWIND
// operations, fulltext and vector retrieval, and bounded traversal. Every
// operation is parameterized by group_id (the organization ID) and the
// store refuses cross-group reads and writes by construction.
package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const (
	// Read retry policy: idempotent reads only, exponential backoff.
	readAttempts     = 3
	readBackoffBase  = 500 * time.Millisecond
	defaultQueryTime = 30 * time.Second
)

// Config parameterizes the graph store.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	// QueryTimeout bounds every round trip.
	QueryTimeout time.Duration
	// SemaphoreLimit is the per-org write concurrency; 1 serializes all
	// writes within one org.
	SemaphoreLimit int64
	// EmbeddingDimensions is the fixed entity-vector width, used when the
	// vector index is created.
	EmbeddingDimensions int
}

// Store is the Neo4j-backed graph store. One instance serves all tenants;
// per-org write semaphores serialize writes inside each tenant while
// different tenants proceed in parallel.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
	dims     int

	semLimit int64
	sems     sync.Map // orgID -> *semaphore.Weighted

	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option tunes store construction.
type Option func(*Store)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore connects the driver and verifies connectivity.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.URI == "" {
		return nil, appErrors.NewValidation("graph URI cannot be empty")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTime
	}
	if cfg.SemaphoreLimit < 1 {
		cfg.SemaphoreLimit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, appErrors.NewUnavailable("failed to create graph driver", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, appErrors.NewUnavailable("graph store unreachable", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("graph breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	s := &Store{
		driver:   driver,
		database: cfg.Database,
		timeout:  cfg.QueryTimeout,
		dims:     cfg.EmbeddingDimensions,
		semLimit: cfg.SemaphoreLimit,
		breaker:  breaker,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// orgSemaphore returns the write semaphore for one org, creating it
// lazily. sync.Map keeps orgs independent without a global lock.
func (s *Store) orgSemaphore(orgID string) *semaphore.Weighted {
	if sem, ok := s.sems.Load(orgID); ok {
		return sem.(*semaphore.Weighted)
	}
	sem, _ := s.sems.LoadOrStore(orgID, semaphore.NewWeighted(s.semLimit))
	return sem.(*semaphore.Weighted)
}

// withOrgWriteLock serializes fn against all other writes for the same
// org. The lock covers the entire compound write so derived edges land
// with their entity and duplicate-edge races cannot happen.
func (s *Store) withOrgWriteLock(ctx context.Context, orgID string, fn func(context.Context) error) error {
	sem := s.orgSemaphore(orgID)
	waitStart := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return appErrors.NewTimeout("cancelled waiting for graph write lock", err)
	}
	defer sem.Release(1)
	if s.metrics != nil {
		s.metrics.GraphWriteWaits.Observe(time.Since(waitStart).Seconds())
	}
	return fn(ctx)
}

// txWork is transaction work that receives the deadline-bounded context
// alongside the managed transaction.
type txWork func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error)

// collectQuery wraps one query into txWork that collects all records.
func collectQuery(query string, params map[string]any) txWork {
	return func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	}
}

// read runs a single query with bounded retries on connectivity failures.
func (s *Store) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	out, err := s.readTx(ctx, collectQuery(query, params))
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

// readTx runs transaction work in a read session, retrying the whole
// transaction on connectivity failures. Only idempotent reads go through
// here.
func (s *Store) readTx(ctx context.Context, work txWork) (any, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			backoff := readBackoffBase << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return nil, appErrors.NewTimeout("graph read cancelled", ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}
		out, err := s.session(ctx, neo4j.AccessModeRead, work)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !appErrors.IsRetryable(err) {
			return nil, err
		}
		s.logger.Warn("graph read failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// write runs a single query in a write session. Writes are never
// auto-retried.
func (s *Store) write(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	out, err := s.writeTx(ctx, collectQuery(query, params))
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

// writeTx runs transaction work in a write session. Compound writes use
// this to land multiple statements atomically.
func (s *Store) writeTx(ctx context.Context, work txWork) (any, error) {
	return s.session(ctx, neo4j.AccessModeWrite, work)
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode, work txWork) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.breaker.Execute(func() (any, error) {
		session := s.driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   mode,
			DatabaseName: s.database,
		})
		defer session.Close(ctx)

		wrapped := func(tx neo4j.ManagedTransaction) (any, error) {
			return work(ctx, tx)
		}
		if mode == neo4j.AccessModeRead {
			return session.ExecuteRead(ctx, wrapped)
		}
		return session.ExecuteWrite(ctx, wrapped)
	})
	if err != nil {
		return nil, s.translate(err)
	}
	return result, nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return appErrors.NewUnavailable("graph store unreachable", err)
	}
	return nil
}

// translate maps driver failures onto the shared error taxonomy.
func (s *Store) translate(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return appErrors.NewUnavailable("graph store circuit open", err)
	case neo4j.IsConnectivityError(err):
		return appErrors.NewUnavailable("graph store connection failed", err)
	case neo4j.IsTransactionExecutionLimit(err):
		return appErrors.NewUnavailable("graph transaction retries exhausted", err)
	default:
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.NewInternal("graph query failed", err)
	}
}

// EnsureSchema creates the constraints and indexes the store depends on:
// the uuid uniqueness constraint, tenancy lookups, the fulltext indexes
// behind search_nodes/search_edges, and the entity vector index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	alternation, err := relationshipAlternation(nil)
	if err != nil {
		return err
	}
	dims := s.dims
	if dims <= 0 {
		dims = 1024
	}

	statements := []string{
		"CREATE CONSTRAINT entity_uuid IF NOT EXISTS FOR (n:Entity) REQUIRE n.uuid IS UNIQUE",
		"CREATE INDEX entity_group IF NOT EXISTS FOR (n:Entity) ON (n.group_id)",
		"CREATE INDEX entity_group_project IF NOT EXISTS FOR (n:Entity) ON (n.group_id, n.project_id)",
		"CREATE INDEX entity_valid_from IF NOT EXISTS FOR (n:Entity) ON (n.group_id, n.valid_from)",
		"CREATE FULLTEXT INDEX entity_text IF NOT EXISTS FOR (n:Entity) ON EACH [n.name, n.description, n.content]",
		fmt.Sprintf("CREATE FULLTEXT INDEX edge_text IF NOT EXISTS FOR ()-[r:%s]-() ON EACH [r.name, r.fact]",
			strings.ReplaceAll(alternation, "`", "")),
		fmt.Sprintf("CREATE VECTOR INDEX entity_embedding IF NOT EXISTS FOR (n:Entity) ON (n.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", dims),
	}
	for _, stmt := range statements {
		if _, err := s.write(ctx, stmt, nil); err != nil {
			return appErrors.Wrap(err, "failed to ensure graph schema")
		}
	}
	return nil
}
