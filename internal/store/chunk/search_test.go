package chunk

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

func TestCondBuilder(t *testing.T) {
	b := &condBuilder{}
	b.add("c.org_id = %s", "org-1")
	b.add("d.source_id = ANY(%s)", []string{"s1"})
	b.add("(c.language = %[1]s OR d.language = %[1]s)", "go")

	assert.Equal(t, []string{
		"c.org_id = $1",
		"d.source_id = ANY($2)",
		"(c.language = $3 OR d.language = $3)",
	}, b.conds)
	assert.Len(t, b.args, 3)
	assert.Equal(t, " AND c.org_id = $1 AND d.source_id = ANY($2) AND (c.language = $3 OR d.language = $3)", b.where())
}

func TestApplyFilter(t *testing.T) {
	t.Run("RequiresOrg", func(t *testing.T) {
		b := &condBuilder{}
		err := applyFilter(b, search.ChunkFilter{})
		require.Error(t, err)
		assert.True(t, appErrors.IsAuthorization(err))
	})

	t.Run("MigrationModeSkipsProjectClause", func(t *testing.T) {
		b := &condBuilder{}
		err := applyFilter(b, search.ChunkFilter{
			Access: domain.AccessFilter{OrgID: "org-1", Projects: nil},
		})
		require.NoError(t, err)
		for _, cond := range b.conds {
			assert.NotContains(t, cond, "project_id")
		}
	})

	t.Run("ClosedSetAddsProjectClause", func(t *testing.T) {
		b := &condBuilder{}
		err := applyFilter(b, search.ChunkFilter{
			Access: domain.AccessFilter{
				OrgID:           "org-1",
				Projects:        domain.NewProjectSet("p1", "shared"),
				SharedProjectID: "shared",
			},
		})
		require.NoError(t, err)
		found := false
		for i, cond := range b.conds {
			if cond == "d.project_id = ANY($3)" {
				found = true
				ids := b.args[i].([]string)
				assert.ElementsMatch(t, []string{"p1", "shared", ""}, ids,
					"shared-project access lets unassigned documents ride along")
			}
		}
		assert.True(t, found, "expected a project predicate")
	})

	t.Run("InaccessibleSharedProjectExcludesUnassigned", func(t *testing.T) {
		b := &condBuilder{}
		err := applyFilter(b, search.ChunkFilter{
			Access: domain.AccessFilter{
				OrgID:           "org-1",
				Projects:        domain.NewProjectSet("p1"),
				SharedProjectID: "shared",
			},
		})
		require.NoError(t, err)
		for i, cond := range b.conds {
			if cond == "d.project_id = ANY($3)" {
				ids := b.args[i].([]string)
				assert.ElementsMatch(t, []string{"p1"}, ids)
			}
		}
	})
}

func seedFake(t *testing.T) (*Fake, domain.Document) {
	t.Helper()
	store := NewFake()
	doc := domain.Document{
		ID:             uuid.NewString(),
		SourceID:       "src-1",
		OrganizationID: "org-1",
		ProjectID:      "p1",
		URL:            "https://docs.example.com/pools",
		Title:          "Connection pools",
		Language:       "en",
	}
	chunks := []domain.Chunk{
		{ID: uuid.NewString(), Ordinal: 0, Text: "Connection pools bound concurrent database sessions", Type: domain.ChunkProse, Vector: []float32{1, 0}},
		{ID: uuid.NewString(), Ordinal: 1, Text: "pool := pgxpool.New(ctx, dsn)", Type: domain.ChunkCode, Language: "go", Vector: []float32{0, 1}},
	}
	require.NoError(t, store.ReplaceChunks(context.Background(), doc, chunks))
	return store, doc
}

func TestFakeReplaceChunks(t *testing.T) {
	ctx := context.Background()
	store, doc := seedFake(t)

	t.Run("ReplacementSwapsWholeSet", func(t *testing.T) {
		replacement := []domain.Chunk{
			{ID: uuid.NewString(), Ordinal: 0, Text: "rewritten content only", Type: domain.ChunkProse},
		}
		require.NoError(t, store.ReplaceChunks(ctx, doc, replacement))

		got, err := store.GetDocument(ctx, "org-1", doc.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ChunkCount)

		hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
			Access: domain.AccessFilter{OrgID: "org-1"},
		}, "pgxpool", 10)
		require.NoError(t, err)
		assert.Empty(t, hits, "old chunks must be gone after replacement")
	})
}

func TestReplaceChunksFillsTokenFrequencies(t *testing.T) {
	ctx := context.Background()
	store := NewFake()
	doc := domain.Document{
		ID:             uuid.NewString(),
		SourceID:       "src-1",
		OrganizationID: "org-1",
		URL:            "https://docs.example.com/retries",
		Title:          "Retries",
	}
	precomputed := map[string]int{"retry": 3, "backoff": 1}
	require.NoError(t, store.ReplaceChunks(ctx, doc, []domain.Chunk{
		{ID: uuid.NewString(), Ordinal: 0, Text: "retry retry retry backoff", Type: domain.ChunkProse, TokenFreqs: precomputed},
		{ID: uuid.NewString(), Ordinal: 1, Text: "jitter spreads retry storms", Type: domain.ChunkProse},
	}))

	hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
		Access: domain.AccessFilter{OrgID: "org-1"},
	}, "retry", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// Frequencies arriving with the chunk are kept; missing ones are
	// derived from the text on write.
	assert.Equal(t, precomputed, hits[0].Chunk.TokenFreqs)
	for _, h := range hits {
		assert.NotEmpty(t, h.Chunk.TokenFreqs)
	}
}

func TestKeywordSearchBoostsByStoredFrequency(t *testing.T) {
	ctx := context.Background()
	store := NewFake()
	doc := domain.Document{
		ID:             uuid.NewString(),
		SourceID:       "src-1",
		OrganizationID: "org-1",
		URL:            "https://docs.example.com/timeouts",
		Title:          "Timeouts",
	}
	dense := uuid.NewString()
	sparse := uuid.NewString()
	require.NoError(t, store.ReplaceChunks(ctx, doc, []domain.Chunk{
		{ID: sparse, Ordinal: 0, Text: "a timeout ends the call", Type: domain.ChunkProse},
		{ID: dense, Ordinal: 1, Text: "timeout after timeout after timeout budgets the request", Type: domain.ChunkProse},
	}))

	hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
		Access: domain.AccessFilter{OrgID: "org-1"},
	}, "timeout", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, dense, hits[0].Chunk.ID, "the chunk where the term repeats outranks the incidental match")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestFakeSearchScoping(t *testing.T) {
	ctx := context.Background()
	store, doc := seedFake(t)

	foreign := domain.Document{
		ID:             uuid.NewString(),
		SourceID:       "src-2",
		OrganizationID: "org-2",
		URL:            "https://other.example.com",
		Title:          "Foreign doc",
	}
	require.NoError(t, store.ReplaceChunks(ctx, foreign, []domain.Chunk{
		{ID: uuid.NewString(), Ordinal: 0, Text: "Connection pools elsewhere", Type: domain.ChunkProse, Vector: []float32{1, 0}},
	}))

	t.Run("KeywordScopesToOrg", func(t *testing.T) {
		hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
			Access: domain.AccessFilter{OrgID: "org-1"},
		}, "connection pools", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, doc.Title, hits[0].DocumentTitle)
	})

	t.Run("VectorScopesToOrg", func(t *testing.T) {
		hits, err := store.VectorSearchChunks(ctx, search.ChunkFilter{
			Access: domain.AccessFilter{OrgID: "org-1"},
		}, []float32{1, 0}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		for _, h := range hits {
			assert.NotEqual(t, foreign.ID, h.Chunk.DocumentID)
		}
	})

	t.Run("ProjectSetFilters", func(t *testing.T) {
		hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
			Access: domain.AccessFilter{
				OrgID:           "org-1",
				Projects:        domain.NewProjectSet("other-project"),
				SharedProjectID: "shared",
			},
		}, "connection", 10)
		require.NoError(t, err)
		assert.Empty(t, hits, "document in p1 is invisible to a viewer without p1")
	})

	t.Run("SourceFilter", func(t *testing.T) {
		hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
			Access:    domain.AccessFilter{OrgID: "org-1"},
			SourceIDs: []string{"src-other"},
		}, "connection", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("ChunkTypeFilter", func(t *testing.T) {
		hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
			Access:    domain.AccessFilter{OrgID: "org-1"},
			ChunkType: domain.ChunkCode,
		}, "pgxpool", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, domain.ChunkCode, hits[0].Chunk.Type)
	})

	t.Run("SinceFilter", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		hits, err := store.KeywordSearchChunks(ctx, search.ChunkFilter{
			Access: domain.AccessFilter{OrgID: "org-1"},
			Since:  &future,
		}, "connection", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestFakeDeleteSourceDocuments(t *testing.T) {
	ctx := context.Background()
	store, doc := seedFake(t)

	removed, err := store.DeleteSourceDocuments(ctx, "org-1", doc.SourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetDocument(ctx, "org-1", doc.ID)
	assert.True(t, appErrors.IsNotFound(err))
}
