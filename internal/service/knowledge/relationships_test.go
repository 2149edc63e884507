package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

func TestCreateRelationshipDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seedEntity(t, "ent-a", domain.EntityTask, "Task A", "", "")
	b := f.seedEntity(t, "ent-b", domain.EntityTask, "Task B", "", "")

	first, created, err := f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: b.ID,
		Type:     domain.RelDependsOn,
		Fact:     "A needs B's schema",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1.0, first.Weight, "manual edges default to full weight")

	second, created, err := f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: b.ID,
		Type:     domain.RelDependsOn,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "the stored edge comes back instead of a duplicate")

	edges, err := f.graph.ListEdges(ctx, f.org.ID, a.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	// A different type between the same pair is a distinct edge.
	_, created, err = f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: b.ID,
		Type:     domain.RelBlocks,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateRelationshipValidatesEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seedEntity(t, "ent-a", domain.EntityTask, "Task A", "", "")
	b := f.seedEntity(t, "ent-b", domain.EntityTask, "Task B", "", "")

	_, _, err := f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: "ent-missing",
		Type:     domain.RelBlocks,
	})
	assert.True(t, apperrors.IsNotFound(err))

	_, _, err = f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: a.ID,
		Type:     domain.RelRelatedTo,
	})
	assert.True(t, apperrors.IsValidation(err), "self loops are rejected")

	_, _, err = f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: b.ID,
		Type:     "points_at",
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateRelationshipGatesBothEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	private := f.privateProject(t, "Skunkworks", "skunkworks", "proj-skunk")
	member := f.member(t, "user-plain")

	shared := f.seedEntity(t, "ent-shared", domain.EntityTask, "Shared task", "", f.shared.GraphID)
	hidden := f.seedEntity(t, "ent-hidden", domain.EntityTask, "Hidden task", "", private.GraphID)

	_, _, err := f.svc.CreateRelationship(ctx, member, RelationshipRequest{
		SourceID: shared.ID,
		TargetID: hidden.ID,
		Type:     domain.RelDependsOn,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthorization(err), "contributor is needed on the target's project too")

	_, created, err := f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: shared.ID,
		TargetID: hidden.ID,
		Type:     domain.RelDependsOn,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestListRelationshipsGatedLikeARead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	private := f.privateProject(t, "Skunkworks", "skunkworks", "proj-skunk")
	member := f.member(t, "user-plain")

	hidden := f.seedEntity(t, "ent-hidden", domain.EntityTask, "Hidden task", "", private.GraphID)

	_, err := f.svc.ListRelationships(ctx, member, hidden.ID)
	assert.True(t, apperrors.IsAuthorization(err))

	edges, err := f.svc.ListRelationships(ctx, f.owner, hidden.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDeleteRelationshipScopedToEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seedEntity(t, "ent-a", domain.EntityTask, "Task A", "", "")
	b := f.seedEntity(t, "ent-b", domain.EntityTask, "Task B", "", "")
	c := f.seedEntity(t, "ent-c", domain.EntityTask, "Task C", "", "")

	stored, _, err := f.svc.CreateRelationship(ctx, f.owner, RelationshipRequest{
		SourceID: a.ID,
		TargetID: b.ID,
		Type:     domain.RelBlocks,
	})
	require.NoError(t, err)

	// The edge does not touch c, so c cannot address it.
	err = f.svc.DeleteRelationship(ctx, f.owner, c.ID, stored.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, f.svc.DeleteRelationship(ctx, f.owner, a.ID, stored.ID))

	edges, err := f.graph.ListEdges(ctx, f.org.ID, a.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)

	err = f.svc.DeleteRelationship(ctx, f.owner, a.ID, stored.ID)
	assert.True(t, apperrors.IsNotFound(err), "a deleted edge is gone for good")
}
