package search

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

func TestTokenize(t *testing.T) {
	t.Run("LowercasesAndSplits", func(t *testing.T) {
		assert.Equal(t, []string{"redis", "connection", "pool"}, Tokenize("Redis Connection-Pool"))
	})

	t.Run("DropsStopwordsAndShortTokens", func(t *testing.T) {
		assert.Equal(t, []string{"pool", "leaking"}, Tokenize("the pool is leaking"))
		assert.Empty(t, Tokenize("a I at"))
	})

	t.Run("KeepsDigits", func(t *testing.T) {
		assert.Equal(t, []string{"http2", "tls13"}, Tokenize("HTTP2 + TLS13"))
	})

	t.Run("EmptyInput", func(t *testing.T) {
		assert.Nil(t, Tokenize(""))
	})
}

func TestTermFrequencies(t *testing.T) {
	freqs := TermFrequencies("pool pool timeout")
	assert.Equal(t, map[string]int{"pool": 2, "timeout": 1}, freqs)
	assert.Nil(t, TermFrequencies("of the"))
}

func staticLoader(docs map[string][]IndexDoc) DocumentLoader {
	return func(ctx context.Context, orgID string) ([]IndexDoc, error) {
		return docs[orgID], nil
	}
}

func TestBM25Relevance(t *testing.T) {
	ctx := context.Background()
	idx := NewBM25Index(staticLoader(map[string][]IndexDoc{
		"org-1": {
			{Ref: "heavy", Text: "redis redis redis cache"},
			{Ref: "light", Text: "redis appears once in this much longer text about unrelated configuration concerns"},
			{Ref: "none", Text: "postgres connection pooling"},
		},
	}), DefaultBM25Parameters)

	t.Run("TermFrequencyAndLengthRank", func(t *testing.T) {
		refs, err := idx.Search(ctx, "org-1", "redis", 10)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "heavy", refs[0].Ref)
		assert.Equal(t, "light", refs[1].Ref)
		assert.Greater(t, refs[0].Score, refs[1].Score)
	})

	t.Run("NoMatchesMeansEmpty", func(t *testing.T) {
		refs, err := idx.Search(ctx, "org-1", "kubernetes", 10)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("StopwordOnlyQueryIsEmpty", func(t *testing.T) {
		refs, err := idx.Search(ctx, "org-1", "the a of", 10)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("KBounds", func(t *testing.T) {
		refs, err := idx.Search(ctx, "org-1", "redis", 1)
		require.NoError(t, err)
		assert.Len(t, refs, 1)

		refs, err = idx.Search(ctx, "org-1", "redis", 0)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("UnknownOrgIsEmpty", func(t *testing.T) {
		refs, err := idx.Search(ctx, "org-404", "redis", 10)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})
}

func TestBM25RareTermOutweighsCommon(t *testing.T) {
	ctx := context.Background()
	idx := NewBM25Index(staticLoader(map[string][]IndexDoc{
		"org-1": {
			{Ref: "d1", Text: "shared shared niche"},
			{Ref: "d2", Text: "shared shared shared"},
			{Ref: "d3", Text: "shared word salad"},
		},
	}), DefaultBM25Parameters)

	refs, err := idx.Search(ctx, "org-1", "shared niche", 10)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	// "niche" appears in one of three docs; its IDF dominates the extra
	// "shared" occurrences in d2.
	assert.Equal(t, "d1", refs[0].Ref)
}

func TestBM25LazyRebuild(t *testing.T) {
	ctx := context.Background()
	var loads atomic.Int32
	docs := []IndexDoc{{Ref: "e1", Text: "alpha"}}
	idx := NewBM25Index(func(ctx context.Context, orgID string) ([]IndexDoc, error) {
		loads.Add(1)
		return docs, nil
	}, DefaultBM25Parameters)

	_, err := idx.Search(ctx, "org-1", "alpha", 10)
	require.NoError(t, err)
	_, err = idx.Search(ctx, "org-1", "alpha", 10)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load(), "second search reuses the built index")

	docs = []IndexDoc{{Ref: "e1", Text: "alpha"}, {Ref: "e2", Text: "beta"}}
	idx.Invalidate("org-1")

	refs, err := idx.Search(ctx, "org-1", "beta", 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "e2", refs[0].Ref)
	assert.Equal(t, int32(2), loads.Load(), "invalidation forces exactly one rebuild")
}

func TestBM25IncrementalAddRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewBM25Index(staticLoader(map[string][]IndexDoc{
		"org-1": {{Ref: "e1", Text: "gamma ray"}},
	}), DefaultBM25Parameters)

	// Build, then mutate in place without touching the loader.
	_, err := idx.Search(ctx, "org-1", "gamma", 10)
	require.NoError(t, err)

	idx.Add("org-1", "e2", "gamma burst")
	refs, err := idx.Search(ctx, "org-1", "gamma", 10)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	idx.Add("org-1", "e2", "delta only now")
	refs, err = idx.Search(ctx, "org-1", "gamma", 10)
	require.NoError(t, err)
	assert.Len(t, refs, 1, "reindexing a ref replaces its terms")

	idx.Remove("org-1", "e1")
	refs, err = idx.Search(ctx, "org-1", "gamma", 10)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestBM25LoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	idx := NewBM25Index(func(ctx context.Context, orgID string) ([]IndexDoc, error) {
		return nil, appErrors.NewUnavailable("graph down", nil)
	}, DefaultBM25Parameters)

	_, err := idx.Search(ctx, "org-1", "anything", 10)
	require.Error(t, err)
	assert.True(t, appErrors.IsUnavailable(err))
}

func TestBM25OrgsAreIndependent(t *testing.T) {
	ctx := context.Background()
	idx := NewBM25Index(staticLoader(map[string][]IndexDoc{
		"org-1": {{Ref: "mine", Text: "tenancy isolation"}},
		"org-2": {{Ref: "theirs", Text: "tenancy isolation"}},
	}), DefaultBM25Parameters)

	refs, err := idx.Search(ctx, "org-1", "tenancy", 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "mine", refs[0].Ref)
}
