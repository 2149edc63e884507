package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// The methods below are the job-queue write path. A job carries the
// tenant that enqueued it, so workers run inside that boundary and the
// per-project role gates stay off; validation, extraction, events, and
// audit behave exactly like the interactive path.

var _ jobs.KnowledgeWriter = (*Service)(nil)

// AddEntity satisfies the queue's entity-creation contract.
func (s *Service) AddEntity(ctx context.Context, orgID string, args jobs.AddEntityArgs) (string, error) {
	if orgID == "" {
		return "", apperrors.NewValidation("entity must belong to an organization")
	}
	stored, _, _, err := s.write(ctx, orgID, args.UserID, AddRequest{
		ID:        args.ID,
		Type:      domain.EntityType(args.Type),
		Name:      args.Name,
		Content:   args.Content,
		Metadata:  stringMapToAny(args.Metadata),
		ProjectID: args.ProjectID,
		Direct:    args.Direct,
	})
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// UpdateEntity satisfies the queue's entity-update contract.
func (s *Service) UpdateEntity(ctx context.Context, orgID string, args jobs.UpdateEntityArgs) error {
	if strings.TrimSpace(args.EntityID) == "" {
		return apperrors.NewValidation("entity ID cannot be empty")
	}
	existing, err := s.graph.GetEntity(ctx, orgID, args.EntityID)
	if err != nil {
		return err
	}
	_, err = s.applyUpdate(ctx, orgID, args.UserID, existing, UpdateRequest{
		EntityID:  args.EntityID,
		Name:      args.Name,
		Content:   args.Content,
		Metadata:  stringMapToAny(args.Metadata),
		ProjectID: args.ProjectID,
	})
	return err
}

// CreateEpisode appends one learning episode, optionally referencing the
// entity it was learned about. Episodes are append-only records: every
// call mints a fresh ID, and valid_from is kept in metadata so temporal
// decay can read when the event took effect rather than when it was
// written down.
func (s *Service) CreateEpisode(ctx context.Context, orgID string, args jobs.EpisodeArgs) (string, error) {
	if orgID == "" {
		return "", apperrors.NewValidation("episode must belong to an organization")
	}
	validFrom := time.Now().UTC()
	if args.ValidFrom != "" {
		parsed, err := time.Parse(time.RFC3339, args.ValidFrom)
		if err != nil {
			return "", apperrors.NewValidationf("episode valid_from is not RFC3339: %v", err)
		}
		validFrom = parsed.UTC()
	}

	entity := domain.Entity{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		ProjectID:      args.ProjectID,
		Type:           domain.EntityEpisode,
		Name:           strings.TrimSpace(args.Name),
		Content:        args.Body,
		Metadata: map[string]any{
			"valid_from": validFrom.Format(time.RFC3339),
			"kind":       string(domain.EpisodeLearning),
		},
	}
	if err := entity.Validate(); err != nil {
		return "", err
	}
	s.embed(ctx, &entity)

	var rels []domain.Relationship
	if args.EntityID != "" {
		rels = append(rels, domain.Relationship{
			ID:             uuid.NewString(),
			OrganizationID: orgID,
			SourceID:       entity.ID,
			TargetID:       args.EntityID,
			Type:           domain.RelReferences,
			Weight:         1,
		})
	}

	stored, _, _, err := s.graph.CreateEntityWithRelationships(ctx, entity, rels)
	if err != nil {
		return "", err
	}
	s.invalidate(orgID)
	s.emitter.EntityCreated(orgID, &stored)
	s.auditMutation(ctx, orgID, "", "episode.create", "entity", stored.ID, nil)
	return stored.ID, nil
}

func stringMapToAny(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
