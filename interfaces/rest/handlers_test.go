package rest

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/knowledge"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/manage"
)

func TestAddAndSearchRoundTrip(t *testing.T) {
	f := newFixture(t)
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/add", token, map[string]any{
		"type":    "pattern",
		"name":    "Retry backoff",
		"content": "Use exponential backoff with jitter for flaky upstreams.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var added knowledge.AddResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.True(t, added.Success)
	assert.True(t, added.Created)
	require.NotEmpty(t, added.ID)

	// The same request replays onto the deterministic ID.
	rec = f.do(t, http.MethodPost, "/api/v1/add", token, map[string]any{
		"type":    "pattern",
		"name":    "Retry backoff",
		"content": "Use exponential backoff with jitter for flaky upstreams.",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replay knowledge.AddResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.Equal(t, added.ID, replay.ID)
	assert.False(t, replay.Created)

	rec = f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query": "exponential backoff jitter",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, added.ID, resp.Items[0].ID)
	assert.Equal(t, "Retry backoff", resp.Items[0].Name)
	assert.Equal(t, search.OriginGraph, resp.Items[0].Origin)
}

func TestSearchDeniesForeignProject(t *testing.T) {
	f := newFixture(t)
	f.privateProject(t, "Skunkworks", "skunk", "graph-skunk")
	token := f.member(t, "user-outsider")

	rec := f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query":   "anything",
		"project": "graph-skunk",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "AUTHORIZATION", body.Type)
	assert.Equal(t, "project_access_denied", body.Code)
	assert.Equal(t, "graph-skunk", body.Details["project_id"])
}

func TestSearchRejectsUnknownEntityType(t *testing.T) {
	f := newFixture(t)
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query": "anything",
		"types": []string{"blueprint"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "VALIDATION", body.Type)
	assert.Contains(t, body.Message, "blueprint")
}

func TestSearchWithBothStoresOffReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.seedEntity(t, "pat-1", domain.EntityPattern, "Circuit breaking", "Trip the breaker on consecutive upstream failures.", "")
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query":             "circuit breaking",
		"include_graph":     false,
		"include_documents": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Items)
	assert.Zero(t, resp.Total)
}

func TestSearchAnnouncesOnFabric(t *testing.T) {
	f := newFixture(t)
	f.seedEntity(t, "pat-1", domain.EntityPattern, "Circuit breaking", "Trip the breaker on consecutive upstream failures.", "")
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query": "circuit breaking",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, []string{events.EventSearchComplete}, f.fabric.names())
	last := f.fabric.last()
	require.NotNil(t, last.orgID)
	assert.Equal(t, f.org.ID, *last.orgID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(last.payload, &payload))
	assert.Equal(t, "circuit breaking", payload["query"])
	assert.Equal(t, float64(1), payload["total"])
	assert.Contains(t, payload, "took_ms")
}

func TestSearchLimitZero(t *testing.T) {
	f := newFixture(t)
	f.seedEntity(t, "pat-lim", domain.EntityPattern, "Circuit breaking", "Trip the breaker on consecutive upstream failures.", "")
	token := f.mintToken(t, ownerUserID, nil)

	// limit 0 in the body is explicit, not omitted: counts come back
	// without a page and without a has_more tease.
	rec := f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query": "circuit breaking",
		"limit": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Items)
	assert.Equal(t, 1, resp.Total)
	assert.False(t, resp.HasMore)

	// Leaving the field out still serves a default page.
	rec = f.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"query": "circuit breaking",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)
}

func TestAPIKeyScopeEnforcement(t *testing.T) {
	f := newFixture(t)
	f.seedEntity(t, "pat-1", domain.EntityPattern, "Graceful shutdown", "Drain in-flight requests before closing listeners.", "")

	readKey := f.apiKey(t, domain.ScopeAPIRead)
	rec := f.do(t, http.MethodPost, "/api/v1/search", readKey, map[string]any{"query": "graceful shutdown"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/add", readKey, map[string]any{
		"type": "pattern",
		"name": "Should not land",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "insufficient_permissions", body.Code)

	// Write scope covers both directions.
	writeKey := f.apiKey(t, domain.ScopeAPIWrite)
	rec = f.do(t, http.MethodPost, "/api/v1/add", writeKey, map[string]any{
		"type": "pattern",
		"name": "Lands fine",
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/search", writeKey, map[string]any{"query": "graceful shutdown"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExploreListsEntities(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-a", "Ship the exporter", "")
	f.seedTask(t, "task-b", "Tune the reranker", "doing")
	f.seedEntity(t, "pat-1", domain.EntityPattern, "Bulkhead isolation", "", "")
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/explore", token, map[string]any{
		"mode": "list",
		"type": "task",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp search.ExploreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Items, 2)
	for _, item := range resp.Items {
		assert.Equal(t, domain.EntityTask, item.Entity.Type)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/explore", token, map[string]any{"mode": "spelunk"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decodeErrorBody(t, rec).Type)
}

func TestManageTransitionsTask(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-1", "Ship the exporter", "")
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/manage", token, map[string]any{
		"action":    "transition_task",
		"entity_id": "task-1",
		"data":      map[string]string{"to": "doing"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result manage.TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "task-1", result.EntityID)
	assert.Equal(t, "todo", result.From)
	assert.Equal(t, "doing", result.NewState)
	assert.Contains(t, result.AllowedStates, "review")
}

func TestManageRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-done", "Archived work", "done")
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/manage", token, map[string]any{
		"action":    "transition_task",
		"entity_id": "task-done",
		"data":      map[string]string{"to": "doing"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "INVALID_TRANSITION", body.Type)
	assert.Equal(t, "done", body.Details["current_state"])
	assert.Empty(t, body.Details["allowed_states"])
}

func TestManageRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	token := f.mintToken(t, ownerUserID, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/manage", token, map[string]any{
		"action": "reticulate_splines",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decodeErrorBody(t, rec).Type)
}
