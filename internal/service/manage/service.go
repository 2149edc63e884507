// Package manage is the workflow surface over task and epic entities:
// guarded status transitions, estimates, dependency health checks, and
// the cached organization status hint. Transitions go through the domain
// state machines, so a rejected move always reports the states the
// entity could still reach.
package manage

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/llm"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Manage action names, as they arrive on the wire.
const (
	ActionTransitionTask = "transition_task"
	ActionTransitionEpic = "transition_epic"
	ActionSetEstimate    = "set_estimate"
	ActionDetectCycles   = "detect_cycles"
	ActionStatusHint     = "get_status_hint"
)

// Graph is the slice of the graph store the workflow surface touches.
type Graph interface {
	GetEntity(ctx context.Context, orgID, id string) (domain.Entity, error)
	GetEntities(ctx context.Context, orgID string, ids []string) ([]domain.Entity, error)
	UpdateEntity(ctx context.Context, e domain.Entity) (domain.Entity, error)
	ListByType(ctx context.Context, orgID string, entityType domain.EntityType, projectIDs []string, limit, offset int) ([]domain.Entity, int, error)
	ListEdgesByTypes(ctx context.Context, orgID string, types []domain.RelationshipType, projectID string) ([]domain.Relationship, error)
}

// Settings is the relational store slice holding the cached status hint.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Auditor appends mutation records. Audit failures never fail the write.
type Auditor interface {
	AppendAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// Service runs the manage actions against the graph and the settings
// store.
type Service struct {
	graph     Graph
	roles     *auth.RoleService
	settings  Settings
	completer llm.Completer
	audit     Auditor
	emitter   *events.Emitter
	logger    *zap.Logger
}

// Option adjusts optional service collaborators.
type Option func(*Service)

// WithEmitter publishes transition events through the fabric.
func WithEmitter(emitter *events.Emitter) Option {
	return func(s *Service) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithAuditor appends an audit row per mutation.
func WithAuditor(audit Auditor) Option {
	return func(s *Service) { s.audit = audit }
}

// WithCompleter lets the status-hint job phrase its summary through the
// LLM. Without one the job falls back to the deterministic digest.
func WithCompleter(completer llm.Completer) Option {
	return func(s *Service) { s.completer = completer }
}

func NewService(graph Graph, roles *auth.RoleService, settings Settings, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		graph:    graph,
		roles:    roles,
		settings: settings,
		emitter:  events.NewEmitter(nil),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is one manage call: the action name, the entity it targets when
// the action takes one, and the action-specific data payload.
type Request struct {
	Action   string          `json:"action"`
	EntityID string          `json:"entity_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type transitionData struct {
	To string `json:"to"`
}

type estimateData struct {
	Estimate string `json:"estimate"`
}

type cyclesData struct {
	ProjectID string `json:"project,omitempty"`
}

// Do dispatches one manage request to its action. Unknown actions are a
// validation error, not a 404: the surface is a closed verb set.
func (s *Service) Do(ctx context.Context, ac *auth.Context, req Request) (any, error) {
	switch req.Action {
	case ActionTransitionTask:
		data, err := decodeData[transitionData](req.Action, req.Data)
		if err != nil {
			return nil, err
		}
		return s.TransitionTask(ctx, ac, req.EntityID, domain.TaskStatus(data.To))
	case ActionTransitionEpic:
		data, err := decodeData[transitionData](req.Action, req.Data)
		if err != nil {
			return nil, err
		}
		return s.TransitionEpic(ctx, ac, req.EntityID, domain.EpicStatus(data.To))
	case ActionSetEstimate:
		data, err := decodeData[estimateData](req.Action, req.Data)
		if err != nil {
			return nil, err
		}
		return s.SetEstimate(ctx, ac, req.EntityID, data.Estimate)
	case ActionDetectCycles:
		var data cyclesData
		if len(req.Data) > 0 {
			decoded, err := decodeData[cyclesData](req.Action, req.Data)
			if err != nil {
				return nil, err
			}
			data = decoded
		}
		return s.DetectCycles(ctx, ac, data.ProjectID)
	case ActionStatusHint:
		return s.StatusHint(ctx, ac)
	default:
		return nil, apperrors.NewValidationf("unknown manage action %q", req.Action)
	}
}

func decodeData[T any](action string, raw json.RawMessage) (T, error) {
	var data T
	if len(raw) == 0 {
		return data, apperrors.NewValidationf("%s: missing data", action)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, apperrors.NewValidationf("%s: malformed data: %v", action, err)
	}
	return data, nil
}

// loadEntity fetches the target and enforces a minimum role on its
// project. Every manage action addresses an existing entity this way.
func (s *Service) loadEntity(ctx context.Context, ac *auth.Context, entityID string, required domain.ProjectRole) (domain.Entity, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return domain.Entity{}, err
	}
	if strings.TrimSpace(entityID) == "" {
		return domain.Entity{}, apperrors.NewValidation("entity ID cannot be empty")
	}
	entity, err := s.graph.GetEntity(ctx, orgID, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := s.requireProjectRole(ctx, ac, entity.ProjectID, required); err != nil {
		return domain.Entity{}, err
	}
	return entity, nil
}

// requireProjectRole enforces a minimum effective role on the project
// identified by its graph-side ID. A missing project row passes: entities
// older than the project registry carry no row, and org membership is
// the gate for those.
func (s *Service) requireProjectRole(ctx context.Context, ac *auth.Context, graphProjectID string, required domain.ProjectRole) error {
	role, project, err := s.roles.EffectiveProjectRole(ctx, ac, graphProjectID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !role.AtLeast(required) {
		return projectDenied(required, role, project.GraphID)
	}
	return nil
}

func projectDenied(required, actual domain.ProjectRole, graphProjectID string) error {
	denied := apperrors.NewAuthorization(apperrors.CodeProjectAccessDenied, "insufficient project role").
		WithDetail("required_role", string(required)).
		WithDetail("project_id", graphProjectID)
	if actual != "" {
		denied = denied.WithDetail("actual_role", string(actual))
	}
	return denied
}

// auditMutation appends a best-effort audit row. The mutation already
// landed, so the append survives caller cancellation.
func (s *Service) auditMutation(ctx context.Context, orgID, actorID, action, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := domain.AuditLog{
		OrganizationID: orgID,
		UserID:         actorID,
		Action:         action,
		ResourceType:   "entity",
		ResourceID:     resourceID,
		Details:        details,
	}
	if err := s.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("audit append failed",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}
