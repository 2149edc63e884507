package manage

import (
	"context"
	"strings"
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const maxEstimateLength = 64

// TransitionResult reports a landed state change: where the entity came
// from, where it is now, and which states remain reachable. Rejected
// moves never produce one; they return an invalid-transition error that
// enumerates the same reachable set.
type TransitionResult struct {
	EntityID      string   `json:"entity_id"`
	From          string   `json:"from"`
	NewState      string   `json:"new_state"`
	AllowedStates []string `json:"allowed_states"`
}

// TransitionTask moves a task through its workflow. The caller needs
// contributor on the task's project; the move itself must be legal in the
// task state machine.
func (s *Service) TransitionTask(ctx context.Context, ac *auth.Context, entityID string, to domain.TaskStatus) (*TransitionResult, error) {
	entity, err := s.loadEntity(ctx, ac, entityID, domain.ProjectRoleContributor)
	if err != nil {
		return nil, err
	}
	if entity.Type != domain.EntityTask {
		return nil, apperrors.NewValidationf("entity %s is a %s, not a task", entity.ID, entity.Type)
	}

	from, err := taskStatusOf(entity)
	if err != nil {
		return nil, err
	}
	// Unblocking resumes the state the task was in when it got blocked,
	// not whatever the caller happened to name.
	if from == domain.TaskBlocked && to != domain.TaskCancelled {
		if prior, ok := entity.Metadata[metaBlockedFrom].(string); ok && prior != "" {
			to = domain.TaskStatus(prior)
		}
	}
	if err := domain.TransitionTask(from, to); err != nil {
		return nil, err
	}

	updates := map[string]any{"status": string(to)}
	if to == domain.TaskBlocked {
		updates[metaBlockedFrom] = string(from)
	} else if from == domain.TaskBlocked {
		updates[metaBlockedFrom] = nil
	}
	stored, err := s.persistMeta(ctx, entity, updates)
	if err != nil {
		return nil, err
	}

	s.emitter.TaskTransitioned(entity.OrganizationID, stored.ID, string(from), string(to))
	s.auditMutation(ctx, entity.OrganizationID, ac.UserID, "task.transition", stored.ID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return &TransitionResult{
		EntityID:      stored.ID,
		From:          string(from),
		NewState:      string(to),
		AllowedStates: taskStateNames(domain.AllowedTaskTransitions(to)),
	}, nil
}

// TransitionEpic moves an epic through its workflow. Epics and tasks keep
// separate state enums; "doing" belongs to tasks, "in_progress" to epics.
func (s *Service) TransitionEpic(ctx context.Context, ac *auth.Context, entityID string, to domain.EpicStatus) (*TransitionResult, error) {
	entity, err := s.loadEntity(ctx, ac, entityID, domain.ProjectRoleContributor)
	if err != nil {
		return nil, err
	}
	if entity.Type != domain.EntityEpic {
		return nil, apperrors.NewValidationf("entity %s is a %s, not an epic", entity.ID, entity.Type)
	}

	from, err := epicStatusOf(entity)
	if err != nil {
		return nil, err
	}
	if err := domain.TransitionEpic(from, to); err != nil {
		return nil, err
	}

	stored, err := s.persistMetadata(ctx, entity, "status", string(to))
	if err != nil {
		return nil, err
	}

	s.emitter.TaskTransitioned(entity.OrganizationID, stored.ID, string(from), string(to))
	s.auditMutation(ctx, entity.OrganizationID, ac.UserID, "epic.transition", stored.ID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return &TransitionResult{
		EntityID:      stored.ID,
		From:          string(from),
		NewState:      string(to),
		AllowedStates: epicStateNames(domain.AllowedEpicTransitions(to)),
	}, nil
}

// EstimateResult reports a stored estimate.
type EstimateResult struct {
	EntityID string `json:"entity_id"`
	Estimate string `json:"estimate"`
}

// SetEstimate records a free-form effort estimate on a task or epic.
func (s *Service) SetEstimate(ctx context.Context, ac *auth.Context, entityID, estimate string) (*EstimateResult, error) {
	estimate = strings.TrimSpace(estimate)
	if estimate == "" {
		return nil, apperrors.NewValidation("estimate cannot be empty")
	}
	if len(estimate) > maxEstimateLength {
		return nil, apperrors.NewValidationf("estimate exceeds %d characters", maxEstimateLength)
	}

	entity, err := s.loadEntity(ctx, ac, entityID, domain.ProjectRoleContributor)
	if err != nil {
		return nil, err
	}
	if entity.Type != domain.EntityTask && entity.Type != domain.EntityEpic {
		return nil, apperrors.NewValidationf("estimates apply to tasks and epics, not %s", entity.Type)
	}

	stored, err := s.persistMetadata(ctx, entity, "estimate", estimate)
	if err != nil {
		return nil, err
	}

	s.emitter.EntityUpdated(entity.OrganizationID, &stored)
	s.auditMutation(ctx, entity.OrganizationID, ac.UserID, "entity.estimate", stored.ID, map[string]any{
		"estimate": estimate,
	})
	return &EstimateResult{EntityID: stored.ID, Estimate: estimate}, nil
}

// metaBlockedFrom remembers the workflow state a task held when it was
// blocked, so unblocking can put it back.
const metaBlockedFrom = "blocked_from"

// persistMetadata writes one metadata key back to the graph. The entity
// text never changes on this path, so the stored embedding stays valid.
func (s *Service) persistMetadata(ctx context.Context, entity domain.Entity, key string, value any) (domain.Entity, error) {
	return s.persistMeta(ctx, entity, map[string]any{key: value})
}

// persistMeta applies a batch of metadata updates; a nil value removes
// the key.
func (s *Service) persistMeta(ctx context.Context, entity domain.Entity, updates map[string]any) (domain.Entity, error) {
	meta := make(map[string]any, len(entity.Metadata)+len(updates))
	for k, v := range entity.Metadata {
		meta[k] = v
	}
	for k, v := range updates {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}
	entity.Metadata = meta
	entity.UpdatedAt = time.Now().UTC()
	return s.graph.UpdateEntity(ctx, entity)
}

// taskStatusOf reads the workflow state off the entity metadata. Absent
// means the initial state: tasks start at todo without an explicit write.
func taskStatusOf(entity domain.Entity) (domain.TaskStatus, error) {
	raw, ok := entity.Metadata["status"]
	if !ok || raw == nil || raw == "" {
		return domain.TaskTodo, nil
	}
	str, ok := raw.(string)
	if !ok {
		return "", apperrors.NewValidationf("entity %s has a non-string status", entity.ID)
	}
	return domain.TaskStatus(str), nil
}

// epicStatusOf reads the workflow state off the entity metadata. Epics
// start at planned.
func epicStatusOf(entity domain.Entity) (domain.EpicStatus, error) {
	raw, ok := entity.Metadata["status"]
	if !ok || raw == nil || raw == "" {
		return domain.EpicPlanned, nil
	}
	str, ok := raw.(string)
	if !ok {
		return "", apperrors.NewValidationf("entity %s has a non-string status", entity.ID)
	}
	return domain.EpicStatus(str), nil
}

func taskStateNames(states []domain.TaskStatus) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}

func epicStateNames(states []domain.EpicStatus) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
