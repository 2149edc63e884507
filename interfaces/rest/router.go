package rest

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/interfaces/websocket"
	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/config"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/knowledge"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/manage"
)

// Deps collects everything the edge serves. Sockets and Metrics may stay
// nil; their routes are simply not mounted.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Resolver  *auth.Resolver
	Roles     *auth.RoleService
	Knowledge *knowledge.Service
	Manage    *manage.Service
	Engine    *search.Engine
	Sockets   *websocket.Server
	Metrics   *observability.Metrics
	// Emitter announces edge activity on the event fabric. nil drops
	// the announcements.
	Emitter *events.Emitter
	// Ready probes the backing stores for the readiness endpoint. nil
	// means always ready.
	Ready func(ctx context.Context) error
}

// Router creates and configures the HTTP edge.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	resolver  *auth.Resolver
	roles     *auth.RoleService
	knowledge *knowledge.Service
	manage    *manage.Service
	engine    *search.Engine
	sockets   *websocket.Server
	metrics   *observability.Metrics
	emitter   *events.Emitter
	ready     func(ctx context.Context) error
}

// NewRouter creates a new router instance around its collaborators.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(nil)
	}
	return &Router{
		cfg:       deps.Config,
		logger:    logger,
		resolver:  deps.Resolver,
		roles:     deps.Roles,
		knowledge: deps.Knowledge,
		manage:    deps.Manage,
		engine:    deps.Engine,
		sockets:   deps.Sockets,
		metrics:   deps.Metrics,
		emitter:   emitter,
		ready:     deps.Ready,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(Recovery(rt.logger))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{rt.cfg.PublicURL, "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	if rt.metrics != nil && rt.cfg.EnableMetrics {
		router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(rt.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// The socket route stays outside the timeout chain; connections are
	// long-lived.
	if rt.sockets != nil {
		router.Get("/ws", rt.sockets.HandleSocket)
	}

	// API v1 routes
	router.Route("/api/v1", func(r chi.Router) {
		if rt.cfg.SearchTimeout > 0 {
			r.Use(Timeout(rt.cfg.SearchTimeout))
		}
		r.Use(Authenticator(rt.resolver, rt.cfg.Auth.DisableAuth, rt.logger))

		r.Group(func(r chi.Router) {
			r.Use(requireScopes(false, rt.logger))
			r.Post("/search", rt.handleSearch)
			r.Post("/explore", rt.handleExplore)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireScopes(true, rt.logger))
			r.Post("/add", rt.handleAdd)
			r.Post("/manage", rt.handleManage)
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if rt.ready != nil {
		if err := rt.ready(req.Context()); err != nil {
			rt.logger.Warn("readiness probe failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
