// Package di owns process wiring: explicit providers, ordered
// construction, and a LIFO shutdown pass. Mains build a Container and run
// what they need; library packages never construct their own
// collaborators.
package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/interfaces/rest"
	"github.com/zhangjihua396/sibyl-sub003/interfaces/websocket"
	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/config"
	"github.com/zhangjihua396/sibyl-sub003/internal/crawl"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/llm"
	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/agent"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/knowledge"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/manage"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/chunk"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/graph"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/relational"
)

// Role selects which process the container serves. The API carries the
// socket hub and the HTTP edge; the worker carries the job fleet.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

// Container holds every constructed component of one process.
type Container struct {
	Config *config.Config
	Logger *zap.Logger
	Role   Role

	Metrics *observability.Metrics
	Tracing *observability.TracerProvider

	Redis      *redis.Client
	Pool       *pgxpool.Pool
	Relational *relational.Store
	Chunks     *chunk.Store
	Graph      *graph.Store

	Embedder  llm.Embedder
	Reranker  llm.Reranker
	Completer llm.Completer
	Extractor llm.Extractor

	BM25   *search.BM25Index
	Engine *search.Engine

	Tokens   *auth.TokenService
	Resolver *auth.Resolver
	Roles    *auth.RoleService

	Hub       *websocket.Hub
	Sockets   *websocket.Server
	Bridge    *events.Bridge
	Emitter   *events.Emitter
	Approvals *events.Approvals

	Queue     *jobs.Queue
	Knowledge *knowledge.Service
	Manage    *manage.Service
	Agents    *agent.Service
	Crawler   *crawl.Crawler

	// bg is the lifetime of the container's own goroutines (hub loop,
	// bridge pump); Shutdown cancels it before the cleanup pass.
	bg     context.Context
	cancel context.CancelFunc

	cleanups []func(context.Context) error
}

// NewContainer constructs the full dependency graph for one process and
// verifies connectivity to every backing store. Construction order follows
// the dependency order; failures tear down what was already built.
func NewContainer(ctx context.Context, cfg *config.Config, logger *zap.Logger, role Role) (c *Container, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("di: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bg, cancel := context.WithCancel(context.Background())
	c = &Container{Config: cfg, Logger: logger, Role: role, bg: bg, cancel: cancel}
	defer func() {
		if err != nil {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = c.Shutdown(shutdownCtx)
		}
	}()

	c.Metrics = observability.NewMetrics()

	c.Tracing, err = observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "sibyl-" + string(role),
		Environment: string(cfg.Environment),
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.EnableTracing,
	})
	if err != nil {
		return nil, fmt.Errorf("di: tracing: %w", err)
	}
	c.onShutdown(c.Tracing.Shutdown)

	if err = c.provideClients(ctx); err != nil {
		return nil, err
	}
	if err = c.provideStores(ctx); err != nil {
		return nil, err
	}
	c.provideModels()
	if err = c.provideAuth(); err != nil {
		return nil, err
	}
	if err = c.provideFabric(); err != nil {
		return nil, err
	}
	if err = c.provideSearch(); err != nil {
		return nil, err
	}
	c.provideServices()
	if role == RoleAPI {
		c.provideSockets()
	}

	logger.Info("container initialized",
		zap.String("role", string(role)),
		zap.String("environment", string(cfg.Environment)))
	return c, nil
}

func (c *Container) provideClients(ctx context.Context) error {
	redisOpts, err := redis.ParseURL(c.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("di: redis url: %w", err)
	}
	c.Redis = redis.NewClient(redisOpts)
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("di: redis ping: %w", err)
	}
	c.onShutdown(func(context.Context) error { return c.Redis.Close() })

	c.Pool, err = relational.NewPool(ctx, c.Config.Postgres)
	if err != nil {
		return fmt.Errorf("di: postgres pool: %w", err)
	}
	c.onShutdown(func(context.Context) error { c.Pool.Close(); return nil })
	return nil
}

func (c *Container) provideStores(ctx context.Context) error {
	c.Relational = relational.NewStore(c.Pool, c.Logger)
	if err := c.Relational.Migrate(ctx, c.Config.Embedding.Dimensions); err != nil {
		return fmt.Errorf("di: relational schema: %w", err)
	}
	c.Chunks = chunk.NewStore(c.Pool, c.Logger)

	gs, err := graph.NewStore(ctx, graph.Config{
		URI:                 c.Config.Graph.URI,
		Username:            c.Config.Graph.Username,
		Password:            c.Config.Graph.Password,
		Database:            c.Config.Graph.Database,
		QueryTimeout:        c.Config.Graph.QueryTimeout,
		SemaphoreLimit:      c.Config.Graph.SemaphoreLimit,
		EmbeddingDimensions: c.Config.Graph.EmbeddingDimensions,
	}, c.Logger, graph.WithMetrics(c.Metrics))
	if err != nil {
		return fmt.Errorf("di: graph store: %w", err)
	}
	c.Graph = gs
	c.onShutdown(gs.Close)
	if err := gs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("di: graph schema: %w", err)
	}
	return nil
}

// provideModels wires the external model clients. A blank base URL falls
// back to deterministic fakes so development environments run without a
// provider; config validation keeps that out of production.
func (c *Container) provideModels() {
	if c.Config.Embedding.BaseURL == "" {
		c.Embedder = llm.NewFakeEmbedder(c.Config.Embedding.Dimensions)
	} else {
		embedder, err := llm.NewHTTPEmbedder(llm.EmbedderConfig{
			BaseURL:    c.Config.Embedding.BaseURL,
			APIKey:     c.Config.Embedding.APIKey,
			Model:      c.Config.Embedding.Model,
			Dimensions: c.Config.Embedding.Dimensions,
			Timeout:    c.Config.Embedding.Timeout,
		}, c.Logger)
		if err != nil {
			c.Logger.Warn("embedding client rejected config, using fake", zap.Error(err))
			c.Embedder = llm.NewFakeEmbedder(c.Config.Embedding.Dimensions)
		} else {
			c.Embedder = embedder
		}
	}

	if c.Config.LLM.BaseURL != "" {
		if completer, err := llm.NewHTTPCompleter(llm.CompleterConfig{
			BaseURL: c.Config.LLM.BaseURL,
			APIKey:  c.Config.LLM.APIKey,
			Model:   c.Config.LLM.Model,
			Timeout: c.Config.LLM.Timeout,
		}, c.Logger); err != nil {
			c.Logger.Warn("completion client rejected config", zap.Error(err))
		} else {
			c.Completer = completer
		}
		if c.Config.LLM.RerankModel != "" {
			if reranker, err := llm.NewHTTPReranker(llm.RerankerConfig{
				BaseURL: c.Config.LLM.BaseURL,
				APIKey:  c.Config.LLM.APIKey,
				Model:   c.Config.LLM.RerankModel,
				Timeout: c.Config.LLM.Timeout,
			}, c.Logger); err != nil {
				c.Logger.Warn("rerank client rejected config", zap.Error(err))
			} else {
				c.Reranker = reranker
			}
		}
	}

	c.Extractor = llm.NewSimilarityExtractor(llm.DefaultExtractorConfig())
}

func (c *Container) provideAuth() error {
	expiry := time.Duration(c.Config.Auth.JWTExpiryHours) * time.Hour
	secret := c.Config.Auth.JWTSecret
	if secret == "" {
		// Outside production only; Validate rejects the empty secret there.
		secret = "sibyl-development-secret"
	}
	tokens, err := auth.NewTokenService(secret, expiry)
	if err != nil {
		return fmt.Errorf("di: token service: %w", err)
	}
	c.Tokens = tokens
	c.Resolver = auth.NewResolver(tokens, c.Relational, c.Logger)
	c.Roles = auth.NewRoleService(c.Relational)
	return nil
}

func (c *Container) provideFabric() error {
	// The worker has no local registry; its bridge only publishes.
	var local events.LocalBroadcaster
	if c.Role == RoleAPI {
		c.Hub = websocket.NewHub(c.Logger, c.Metrics)
		go c.Hub.Run()
		c.onShutdown(func(context.Context) error { c.Hub.Stop(); return nil })
		local = c.Hub
	}

	c.Bridge = events.NewBridge(c.Redis, local, c.Logger)
	go func() {
		if err := c.Bridge.Run(c.bg); err != nil && c.bg.Err() == nil {
			c.Logger.Error("event bridge stopped", zap.Error(err))
		}
	}()
	select {
	case <-c.Bridge.Ready():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("di: event bridge did not become ready")
	}

	c.Emitter = events.NewEmitter(c.Bridge)
	c.Approvals = events.NewApprovals(c.Redis, c.Bridge, c.Logger)
	c.Queue = jobs.NewQueue(c.Redis, c.Logger)
	return nil
}

func (c *Container) provideSearch() error {
	c.BM25 = search.NewBM25Index(c.Graph.LoadIndexDocs, search.DefaultBM25Parameters)

	engine, err := search.NewEngine(c.BM25, c.Graph, c.Chunks, c.Embedder, c.Reranker, c.Logger,
		search.WithMetrics(c.Metrics),
		search.WithTracer(c.Tracing.Tracer()))
	if err != nil {
		return fmt.Errorf("di: search engine: %w", err)
	}
	c.Engine = engine
	return nil
}

func (c *Container) provideServices() {
	c.Knowledge = knowledge.NewService(c.Graph, c.Roles, c.Extractor, c.Embedder, c.Logger,
		knowledge.WithEmitter(c.Emitter),
		knowledge.WithAuditor(c.Relational),
		knowledge.WithKeywordIndex(c.BM25))

	manageOpts := []manage.Option{
		manage.WithEmitter(c.Emitter),
		manage.WithAuditor(c.Relational),
	}
	if c.Completer != nil {
		manageOpts = append(manageOpts, manage.WithCompleter(c.Completer))
	}
	c.Manage = manage.NewService(c.Graph, c.Roles, c.Relational, c.Logger, manageOpts...)

	c.Agents = agent.NewService(c.Relational, c.Completer, c.Logger,
		agent.WithSearcher(c.Engine),
		agent.WithWriter(c.Knowledge),
		agent.WithApprovals(c.Approvals),
		agent.WithEmitter(c.Emitter),
		agent.WithWaitTimeout(c.Config.ApprovalTimeout))

	fetcher := crawl.NewFetcher(&http.Client{}, c.Logger, c.Metrics)
	chunker := crawl.NewChunker(crawl.ChunkerConfig{
		MaxTokens:     c.Config.Crawl.ChunkMaxTokens,
		OverlapTokens: c.Config.Crawl.ChunkOverlapTokens,
	})
	c.Crawler = crawl.NewCrawler(c.Relational, c.Chunks, c.Embedder, fetcher, chunker, c.Emitter, c.Logger)
}

func (c *Container) provideSockets() {
	cfg := websocket.DefaultServerConfig()
	cfg.DisableAuth = c.Config.Auth.DisableAuth
	c.Sockets = websocket.NewServer(c.Hub, c.Resolver, cfg, c.Logger)
}

// JobDeps bundles the handler collaborators for a worker fleet.
func (c *Container) JobDeps() *jobs.Deps {
	return &jobs.Deps{
		Knowledge: c.Knowledge,
		Crawler:   c.Crawler,
		Agents:    c.Agents,
		Hints:     c.Manage,
		Emitter:   c.Emitter,
		Approvals: c.Approvals,
	}
}

// NewWorker builds a worker fleet with the default handler set registered.
func (c *Container) NewWorker() *jobs.Worker {
	w := jobs.NewWorker(c.Queue, c.JobDeps(), c.Logger, c.Metrics)
	w.RegisterDefaults()
	return w
}

// Handler assembles the HTTP edge. API role only.
func (c *Container) Handler() http.Handler {
	router := rest.NewRouter(rest.Deps{
		Config:    c.Config,
		Logger:    c.Logger,
		Resolver:  c.Resolver,
		Roles:     c.Roles,
		Knowledge: c.Knowledge,
		Manage:    c.Manage,
		Engine:    c.Engine,
		Sockets:   c.Sockets,
		Metrics:   c.Metrics,
		Emitter:   c.Emitter,
		Ready:     c.Ready,
	})
	return router.Setup()
}

// Ready probes every backing store; used by the readiness endpoint.
func (c *Container) Ready(ctx context.Context) error {
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := c.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := c.Graph.Ping(ctx); err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	return nil
}

func (c *Container) onShutdown(fn func(context.Context) error) {
	c.cleanups = append(c.cleanups, fn)
}

// Shutdown stops the container's goroutines and runs cleanups in reverse
// construction order. Errors are logged and collected, never short-circuit.
func (c *Container) Shutdown(ctx context.Context) error {
	c.cancel()

	var failed int
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](ctx); err != nil {
			failed++
			c.Logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	c.cleanups = nil
	if failed > 0 {
		return fmt.Errorf("shutdown completed with %d errors", failed)
	}
	return nil
}
