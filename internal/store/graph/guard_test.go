package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

func TestEntityLabel(t *testing.T) {
	t.Run("ValidType", func(t *testing.T) {
		label, err := entityLabel(domain.EntityTask)
		require.NoError(t, err)
		assert.Equal(t, "`task`", label)
	})

	t.Run("RejectsUnknownType", func(t *testing.T) {
		_, err := entityLabel(domain.EntityType("task` ) DETACH DELETE (n"))
		require.Error(t, err)
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("RejectsEmptyType", func(t *testing.T) {
		_, err := entityLabel("")
		require.Error(t, err)
		assert.True(t, appErrors.IsValidation(err))
	})
}

func TestRelationshipAlternation(t *testing.T) {
	t.Run("RendersPipeSeparated", func(t *testing.T) {
		alt, err := relationshipAlternation([]domain.RelationshipType{
			domain.RelDependsOn, domain.RelBlocks,
		})
		require.NoError(t, err)
		assert.Equal(t, "`depends_on`|`blocks`", alt)
	})

	t.Run("EmptyExpandsToAllTypes", func(t *testing.T) {
		alt, err := relationshipAlternation(nil)
		require.NoError(t, err)
		for _, rt := range domain.AllRelationshipTypes {
			assert.Contains(t, alt, "`"+string(rt)+"`")
		}
	})

	t.Run("DeduplicatesRepeats", func(t *testing.T) {
		alt, err := relationshipAlternation([]domain.RelationshipType{
			domain.RelBlocks, domain.RelBlocks,
		})
		require.NoError(t, err)
		assert.Equal(t, "`blocks`", alt)
	})

	t.Run("RejectsUnknownType", func(t *testing.T) {
		_, err := relationshipAlternation([]domain.RelationshipType{"MATCH (n)"})
		require.Error(t, err)
		assert.True(t, appErrors.IsValidation(err))
	})
}

func TestCoercions(t *testing.T) {
	assert.Equal(t, 50, coerceLimit(0, 50))
	assert.Equal(t, 50, coerceLimit(-3, 50))
	assert.Equal(t, MaxLimit, coerceLimit(10000, 50))
	assert.Equal(t, 25, coerceLimit(25, 50))

	assert.Equal(t, 0, coerceOffset(-1))
	assert.Equal(t, 40, coerceOffset(40))

	assert.Equal(t, 1, coerceDepth(0))
	assert.Equal(t, 1, coerceDepth(-5))
	assert.Equal(t, MaxTraversalDepth, coerceDepth(50))
	assert.Equal(t, 3, coerceDepth(3))
}

func TestPageClause(t *testing.T) {
	assert.Equal(t, " SKIP 20 LIMIT 10", pageClause(10, 20))
}

func TestDirectionArrows(t *testing.T) {
	left, right, err := directionArrows(domain.DirectionOutgoing)
	require.NoError(t, err)
	assert.Equal(t, "-", left)
	assert.Equal(t, "->", right)

	left, right, err = directionArrows(domain.DirectionIncoming)
	require.NoError(t, err)
	assert.Equal(t, "<-", left)
	assert.Equal(t, "-", right)

	left, right, err = directionArrows(domain.DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, "-", left)
	assert.Equal(t, "-", right)

	_, _, err = directionArrows("sideways")
	require.Error(t, err)
	assert.True(t, appErrors.IsValidation(err))
}

func TestSanitizeFulltext(t *testing.T) {
	t.Run("EscapesQueryOperators", func(t *testing.T) {
		assert.Equal(t, `foo\:bar`, sanitizeFulltext("foo:bar"))
		assert.Equal(t, `a\+b \-c`, sanitizeFulltext("a+b -c"))
		assert.Equal(t, `\(x\) AND y`, sanitizeFulltext("(x) AND y"))
		assert.Equal(t, `wild\*card\?`, sanitizeFulltext("wild*card?"))
	})

	t.Run("PassesPlainTermsThrough", func(t *testing.T) {
		assert.Equal(t, "redis connection pool", sanitizeFulltext("redis connection pool"))
	})

	t.Run("TrimsWhitespace", func(t *testing.T) {
		assert.Equal(t, "query", sanitizeFulltext("  query  "))
	})
}
