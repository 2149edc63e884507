package knowledge

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// RelationshipRequest asserts one typed edge between two entities. A zero
// weight defaults to 1: a manually asserted fact is a full-strength link.
type RelationshipRequest struct {
	SourceID string                  `json:"source_id"`
	TargetID string                  `json:"target_id"`
	Type     domain.RelationshipType `json:"type"`
	Weight   float64                 `json:"weight,omitempty"`
	Fact     string                  `json:"fact,omitempty"`
}

// CreateRelationship links two existing entities. The caller needs
// contributor on both endpoints' projects. Duplicate (source, target,
// type) triples return the stored edge with created false.
func (s *Service) CreateRelationship(ctx context.Context, ac *auth.Context, req RelationshipRequest) (*domain.Relationship, bool, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, false, err
	}

	source, err := s.graph.GetEntity(ctx, orgID, req.SourceID)
	if err != nil {
		return nil, false, err
	}
	target, err := s.graph.GetEntity(ctx, orgID, req.TargetID)
	if err != nil {
		return nil, false, err
	}
	if err := s.requireProjectRole(ctx, ac, source.ProjectID, domain.ProjectRoleContributor); err != nil {
		return nil, false, err
	}
	if target.ProjectID != source.ProjectID {
		if err := s.requireProjectRole(ctx, ac, target.ProjectID, domain.ProjectRoleContributor); err != nil {
			return nil, false, err
		}
	}

	weight := req.Weight
	if weight == 0 {
		weight = 1
	}
	rel := domain.Relationship{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		SourceID:       req.SourceID,
		TargetID:       req.TargetID,
		Type:           req.Type,
		Weight:         weight,
		Fact:           strings.TrimSpace(req.Fact),
	}
	stored, created, err := s.graph.CreateRelationship(ctx, rel)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.auditMutation(ctx, orgID, ac.UserID, "relationship.create", "relationship", stored.ID, map[string]any{
			"source_id": stored.SourceID,
			"target_id": stored.TargetID,
			"type":      string(stored.Type),
		})
	}
	return &stored, created, nil
}

// ListRelationships returns the edges touching one entity, gated like a
// read of the entity itself.
func (s *Service) ListRelationships(ctx context.Context, ac *auth.Context, entityID string) ([]domain.Relationship, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, err
	}
	entity, err := s.graph.GetEntity(ctx, orgID, entityID)
	if err != nil {
		return nil, err
	}
	if err := s.requireProjectRole(ctx, ac, entity.ProjectID, domain.ProjectRoleViewer); err != nil {
		return nil, err
	}
	return s.graph.ListEdges(ctx, orgID, entityID)
}

// DeleteRelationship removes one edge, addressed through an entity it
// touches so the project gate has an anchor.
func (s *Service) DeleteRelationship(ctx context.Context, ac *auth.Context, entityID, edgeID string) error {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return err
	}
	entity, err := s.graph.GetEntity(ctx, orgID, entityID)
	if err != nil {
		return err
	}
	if err := s.requireProjectRole(ctx, ac, entity.ProjectID, domain.ProjectRoleContributor); err != nil {
		return err
	}

	edges, err := s.graph.ListEdges(ctx, orgID, entityID)
	if err != nil {
		return apperrors.Wrap(err, "failed to load entity relationships")
	}
	found := false
	for _, edge := range edges {
		if edge.ID == edgeID {
			found = true
			break
		}
	}
	if !found {
		return apperrors.NewNotFound("relationship not found").
			WithDetail("relationship_id", edgeID).
			WithDetail("entity_id", entityID)
	}

	if err := s.graph.DeleteRelationship(ctx, orgID, edgeID); err != nil {
		return err
	}
	s.auditMutation(ctx, orgID, ac.UserID, "relationship.delete", "relationship", edgeID, nil)
	return nil
}
