package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/config"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/llm"
	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/knowledge"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/manage"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/chunk"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/graph"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/relational"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const ownerUserID = "user-owner"

// fabricRecorder captures fabric broadcasts without a hub or Redis.
type fabricRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name    string
	payload json.RawMessage
	orgID   *string
}

func (r *fabricRecorder) Broadcast(event string, payload any, orgID *string) {
	raw, _ := json.Marshal(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: event, payload: raw, orgID: orgID})
}

func (r *fabricRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *fabricRecorder) last() recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// fixture runs the full edge against in-memory stores: real engine, real
// services, real resolver, fake storage.
type fixture struct {
	graph   *graph.Fake
	chunks  *chunk.Fake
	store   *relational.Fake
	tokens  *auth.TokenService
	fabric  *fabricRecorder
	handler http.Handler

	org    *domain.Organization
	shared *domain.Project
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	store := relational.NewFake()
	org, err := store.CreateOrganization(ctx, "Acme", "acme", ownerUserID)
	require.NoError(t, err)
	shared, err := store.GetSharedProject(ctx, org.ID)
	require.NoError(t, err)

	graphFake := graph.NewFake()
	chunkFake := chunk.NewFake()
	embedder := llm.NewFakeEmbedder(8)
	index := search.NewBM25Index(graphFake.LoadIndexDocs, search.DefaultBM25Parameters)
	engine, err := search.NewEngine(index, graphFake, chunkFake, embedder, llm.NewFakeReranker(), nil)
	require.NoError(t, err)

	roles := auth.NewRoleService(store)
	knowledgeSvc := knowledge.NewService(
		graphFake,
		roles,
		llm.NewSimilarityExtractor(llm.DefaultExtractorConfig()),
		embedder,
		zap.NewNop(),
		knowledge.WithKeywordIndex(index),
	)
	manageSvc := manage.NewService(graphFake, roles, store, zap.NewNop())

	tokens, err := auth.NewTokenService("router-test-secret", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		PublicURL:     "http://localhost:8080",
		SearchTimeout: 5 * time.Second,
		EnableMetrics: true,
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	fabric := &fabricRecorder{}
	router := NewRouter(Deps{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Resolver:  auth.NewResolver(tokens, store, nil),
		Roles:     roles,
		Knowledge: knowledgeSvc,
		Manage:    manageSvc,
		Engine:    engine,
		Metrics:   observability.NewMetrics(),
		Emitter:   events.NewEmitter(fabric),
	})

	return &fixture{
		graph:   graphFake,
		chunks:  chunkFake,
		store:   store,
		tokens:  tokens,
		fabric:  fabric,
		handler: router.Setup(),
		org:     org,
		shared:  shared,
	}
}

func (f *fixture) mintToken(t *testing.T, userID string, scopes []string) string {
	t.Helper()
	token, err := f.tokens.Mint(userID, f.org.ID, scopes)
	require.NoError(t, err)
	return token
}

// member registers a plain org member and returns their session token.
func (f *fixture) member(t *testing.T, userID string) string {
	t.Helper()
	err := f.store.UpsertMembership(context.Background(), domain.Membership{
		OrganizationID: f.org.ID,
		UserID:         userID,
		Role:           domain.OrgRoleMember,
	})
	require.NoError(t, err)
	return f.mintToken(t, userID, nil)
}

// apiKey seeds a stored key with the given scopes and returns the
// plaintext credential.
func (f *fixture) apiKey(t *testing.T, scopes ...string) string {
	t.Helper()
	generated, err := auth.GenerateAPIKey(auth.KeyTest)
	require.NoError(t, err)
	_, err = f.store.CreateAPIKey(context.Background(), domain.APIKey{
		OrganizationID: f.org.ID,
		UserID:         ownerUserID,
		Name:           "edge test key",
		Prefix:         generated.Prefix,
		SaltHex:        generated.SaltHex,
		HashHex:        generated.HashHex,
		Scopes:         scopes,
	})
	require.NoError(t, err)
	return generated.Plaintext
}

func (f *fixture) privateProject(t *testing.T, name, slug, graphID string) *domain.Project {
	t.Helper()
	p, err := f.store.CreateProject(context.Background(), domain.Project{
		OrganizationID: f.org.ID,
		Name:           name,
		Slug:           slug,
		Visibility:     domain.VisibilityPrivate,
		DefaultRole:    domain.ProjectRoleViewer,
		GraphID:        graphID,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) seedEntity(t *testing.T, id string, entityType domain.EntityType, name, content, projectID string) domain.Entity {
	t.Helper()
	stored, created, err := f.graph.CreateEntity(context.Background(), domain.Entity{
		ID:             id,
		OrganizationID: f.org.ID,
		ProjectID:      projectID,
		Type:           entityType,
		Name:           name,
		Content:        content,
	})
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func (f *fixture) seedTask(t *testing.T, id, name, status string) domain.Entity {
	t.Helper()
	var meta map[string]any
	if status != "" {
		meta = map[string]any{"status": status}
	}
	stored, created, err := f.graph.CreateEntity(context.Background(), domain.Entity{
		ID:             id,
		OrganizationID: f.org.ID,
		Type:           domain.EntityTask,
		Name:           name,
		Metadata:       meta,
	})
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

// do performs one request against the router. A non-empty token rides the
// Authorization header.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestReadinessReportsFailingStores(t *testing.T) {
	rt := NewRouter(Deps{
		Config: &config.Config{PublicURL: "http://localhost:8080", SearchTimeout: time.Second},
		Ready: func(ctx context.Context) error {
			return apperrors.NewUnavailable("graph store unreachable", nil)
		},
	})
	handler := rt.Setup()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
}

func TestAPIRequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/search", "", map[string]string{"query": "anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "AUTHENTICATION", body.Type)
	assert.Equal(t, "missing authentication token", body.Message)

	rec = f.do(t, http.MethodPost, "/api/v1/search", "not-a-real-token", map[string]string{"query": "anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTHENTICATION", decodeErrorBody(t, rec).Type)
}

func TestAuthCookieFallback(t *testing.T) {
	f := newFixture(t)
	token := f.mintToken(t, ownerUserID, nil)

	raw, err := json.Marshal(map[string]string{"query": "anything"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDisabledAuthSynthesizesDevContext(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Auth.DisableAuth = true })

	// Anonymous requests land in the dev org.
	rec := f.do(t, http.MethodPost, "/api/v1/search", "", map[string]string{"query": "anything"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Items)

	// A presented credential still goes through full resolution.
	rec = f.do(t, http.MethodPost, "/api/v1/search", "not-a-real-token", map[string]string{"query": "anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	f := newFixture(t)
	token := f.mintToken(t, ownerUserID, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "VALIDATION", body.Type)
	assert.Equal(t, "request body is not valid JSON", body.Message)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	f := newFixture(t)
	token := f.mintToken(t, ownerUserID, nil)
	f.graph.SetError("ListByType", apperrors.NewInternal("neo4j session dropped", nil))

	rec := f.do(t, http.MethodPost, "/api/v1/explore", token, map[string]string{"mode": "list"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "INTERNAL", body.Type)
	assert.Equal(t, "internal error", body.Message)
	assert.NotEmpty(t, body.Reference)
	assert.NotContains(t, rec.Body.String(), "neo4j")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := newFixture(t, func(cfg *config.Config) { cfg.EnableMetrics = false })
	rec = disabled.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/search", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
