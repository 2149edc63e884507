package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
)

func edge(source, target string) domain.Relationship {
	return domain.Relationship{
		SourceID: source,
		TargetID: target,
		Type:     domain.RelDependsOn,
	}
}

func TestDetectCycles(t *testing.T) {
	t.Run("AcyclicChain", func(t *testing.T) {
		cycles := DetectCycles([]domain.Relationship{
			edge("a", "b"), edge("b", "c"), edge("a", "c"),
		})
		assert.Empty(t, cycles)
	})

	t.Run("SimpleLoop", func(t *testing.T) {
		cycles := DetectCycles([]domain.Relationship{
			edge("b", "c"), edge("c", "a"), edge("a", "b"),
		})
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{"a", "b", "c"}, cycles[0])
	})

	t.Run("SelfLoop", func(t *testing.T) {
		cycles := DetectCycles([]domain.Relationship{edge("a", "a")})
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{"a"}, cycles[0])
	})

	t.Run("CycleWithTail", func(t *testing.T) {
		// t -> a -> b -> a: only the loop is reported, not the tail.
		cycles := DetectCycles([]domain.Relationship{
			edge("t", "a"), edge("a", "b"), edge("b", "a"),
		})
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{"a", "b"}, cycles[0])
	})

	t.Run("TwoDisjointLoops", func(t *testing.T) {
		cycles := DetectCycles([]domain.Relationship{
			edge("a", "b"), edge("b", "a"),
			edge("x", "y"), edge("y", "x"),
		})
		require.Len(t, cycles, 2)
		assert.Equal(t, []string{"a", "b"}, cycles[0])
		assert.Equal(t, []string{"x", "y"}, cycles[1])
	})

	t.Run("DiamondIsNotACycle", func(t *testing.T) {
		cycles := DetectCycles([]domain.Relationship{
			edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"),
		})
		assert.Empty(t, cycles)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		assert.Empty(t, DetectCycles(nil))
	})
}

func TestRotateCycle(t *testing.T) {
	assert.Equal(t, []string{"a", "c", "b"}, rotateCycle([]string{"c", "b", "a"}))
	assert.Equal(t, []string{"z"}, rotateCycle([]string{"z"}))
	assert.Nil(t, rotateCycle(nil))
}

func TestExploreDepthClamp(t *testing.T) {
	assert.Equal(t, 1, exploreDepth(0))
	assert.Equal(t, 1, exploreDepth(-2))
	assert.Equal(t, 3, exploreDepth(3))
	assert.Equal(t, MaxExploreDepth, exploreDepth(50))
}

func TestExplorePage(t *testing.T) {
	limit, offset := explorePage(0, -5)
	assert.Equal(t, DefaultLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = explorePage(10000, 30)
	assert.Equal(t, MaxLimit, limit)
	assert.Equal(t, 30, offset)
}

func TestListProjectFilter(t *testing.T) {
	t.Run("ExplicitProjectWins", func(t *testing.T) {
		access := domain.AccessFilter{OrgID: "org-1", Projects: domain.NewProjectSet("p1")}
		assert.Equal(t, []string{"p2"}, listProjectFilter(access, "p2"))
	})

	t.Run("MigrationModeIsNil", func(t *testing.T) {
		access := domain.AccessFilter{OrgID: "org-1"}
		assert.Nil(t, listProjectFilter(access, ""))
	})

	t.Run("SharedAccessAdmitsUnassigned", func(t *testing.T) {
		access := domain.AccessFilter{
			OrgID:           "org-1",
			Projects:        domain.NewProjectSet("p1", "shared"),
			SharedProjectID: "shared",
		}
		ids := listProjectFilter(access, "")
		assert.ElementsMatch(t, []string{"p1", "shared", ""}, ids)
	})

	t.Run("NoSharedAccessExcludesUnassigned", func(t *testing.T) {
		access := domain.AccessFilter{
			OrgID:           "org-1",
			Projects:        domain.NewProjectSet("p1"),
			SharedProjectID: "shared",
		}
		ids := listProjectFilter(access, "")
		assert.ElementsMatch(t, []string{"p1"}, ids)
	})
}

func TestMakeSnippet(t *testing.T) {
	assert.Equal(t, "short text", makeSnippet("  short text  "))

	long := ""
	for i := 0; i < 40; i++ {
		long += "abcdefghi "
	}
	snippet := makeSnippet(long)
	assert.LessOrEqual(t, len([]rune(snippet)), snippetLength+3)
	assert.Contains(t, snippet, "...")
}

func TestPaginate(t *testing.T) {
	items := []Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	t.Run("FirstPage", func(t *testing.T) {
		resp := paginate(items, 2, 0)
		assert.Len(t, resp.Items, 2)
		assert.Equal(t, 3, resp.Total)
		assert.True(t, resp.HasMore)
	})

	t.Run("LastPage", func(t *testing.T) {
		resp := paginate(items, 2, 2)
		assert.Len(t, resp.Items, 1)
		assert.False(t, resp.HasMore)
	})

	t.Run("OffsetPastEnd", func(t *testing.T) {
		resp := paginate(items, 2, 10)
		assert.Empty(t, resp.Items)
		assert.Equal(t, 3, resp.Total)
		assert.False(t, resp.HasMore)
	})
}
