// Package knowledge is the entity write surface of the platform: add with
// relationship extraction or direct mode, role-gated reads, updates,
// deletes, and manual relationship management. The interactive methods
// take the caller's auth context and resolve effective project roles
// before touching the graph; the job-queue methods trust the worker's
// tenant and skip the gates.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/llm"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const defaultExtractCandidates = 25

// Graph is the slice of the graph store the service reads and writes.
type Graph interface {
	CreateEntityWithRelationships(ctx context.Context, e domain.Entity, rels []domain.Relationship) (domain.Entity, bool, []domain.Relationship, error)
	GetEntity(ctx context.Context, orgID, id string) (domain.Entity, error)
	UpdateEntity(ctx context.Context, e domain.Entity) (domain.Entity, error)
	DeleteEntity(ctx context.Context, orgID, id string) (int, error)
	SearchEntities(ctx context.Context, orgID, query string, k int) ([]search.EntityHit, error)
	CreateRelationship(ctx context.Context, r domain.Relationship) (domain.Relationship, bool, error)
	ListEdges(ctx context.Context, orgID, entityID string) ([]domain.Relationship, error)
	DeleteRelationship(ctx context.Context, orgID, edgeID string) error
}

// Auditor appends mutation records. Audit failures never fail the write.
type Auditor interface {
	AppendAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// Invalidator marks a tenant's keyword index stale after a mutation.
type Invalidator interface {
	Invalidate(orgID string)
}

// Service orchestrates entity writes across the graph store, the
// extractor, and the event fabric.
type Service struct {
	graph     Graph
	roles     *auth.RoleService
	extractor llm.Extractor
	embedder  llm.Embedder
	index     Invalidator
	audit     Auditor
	emitter   *events.Emitter
	logger    *zap.Logger

	extractCandidates int
}

// Option adjusts optional service collaborators.
type Option func(*Service)

// WithEmitter publishes entity lifecycle events through the fabric.
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

// WithKeywordIndex invalidates the per-org BM25 index on every mutation.
func WithKeywordIndex(index Invalidator) Option {
	return func(s *Service) { s.index = index }
}

// WithExtractCandidates caps how many fulltext hits feed the extractor.
func WithExtractCandidates(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.extractCandidates = n
		}
	}
}

func NewService(graph Graph, roles *auth.RoleService, extractor llm.Extractor, embedder llm.Embedder, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		graph:             graph,
		roles:             roles,
		extractor:         extractor,
		embedder:          embedder,
		emitter:           events.NewEmitter(nil),
		logger:            logger,
		extractCandidates: defaultExtractCandidates,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRequest carries one add call. Direct mode preserves the supplied ID
// and metadata verbatim and skips relationship extraction; otherwise the
// extractor proposes edges to existing entities and the ID defaults to
// the deterministic (org, type, name) derivation so retries never
// duplicate.
type AddRequest struct {
	ID        string            `json:"id,omitempty"`
	Type      domain.EntityType `json:"type"`
	Name      string            `json:"name"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	ProjectID string            `json:"project,omitempty"`
	Direct    bool              `json:"direct,omitempty"`
}

// AddResult reports the outcome of one add call.
type AddResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Created bool   `json:"created"`
	// Relationships are the edges the extractor derived and stored
	// alongside the entity. Empty in direct mode.
	Relationships []domain.Relationship `json:"relationships,omitempty"`
}

// Add writes one entity for the authenticated caller. Writing into a
// project requires at least the contributor role on it; an explicit
// project that does not exist is an error, never a silent fallback.
func (s *Service) Add(ctx context.Context, ac *auth.Context, req AddRequest) (*AddResult, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, err
	}

	role, project, err := s.roles.EffectiveProjectRole(ctx, ac, req.ProjectID)
	switch {
	case apperrors.IsNotFound(err) && req.ProjectID == "":
		// The org predates the project registry. Membership is the gate.
	case err != nil:
		return nil, err
	case !role.AtLeast(domain.ProjectRoleContributor):
		return nil, projectDenied(domain.ProjectRoleContributor, role, project.GraphID)
	}

	entity, created, rels, err := s.write(ctx, orgID, ac.UserID, req)
	if err != nil {
		return nil, err
	}
	return &AddResult{
		ID:            entity.ID,
		Success:       true,
		Message:       addMessage(created, len(rels)),
		Created:       created,
		Relationships: rels,
	}, nil
}

// write is the shared core of the interactive and job-queue add paths.
func (s *Service) write(ctx context.Context, orgID, actorID string, req AddRequest) (domain.Entity, bool, []domain.Relationship, error) {
	entity := domain.Entity{
		ID:             strings.TrimSpace(req.ID),
		OrganizationID: orgID,
		ProjectID:      req.ProjectID,
		Type:           req.Type,
		Name:           strings.TrimSpace(req.Name),
		Content:        req.Content,
		Metadata:       req.Metadata,
	}
	if err := entity.Validate(); err != nil {
		return domain.Entity{}, false, nil, err
	}
	if entity.ID == "" {
		entity.ID = domain.DeterministicEntityID(orgID, entity.Type, entity.Name)
	}

	s.embed(ctx, &entity)

	var derived []domain.Relationship
	if !req.Direct && s.extractor != nil {
		derived = s.deriveRelationships(ctx, entity)
	}

	stored, created, storedRels, err := s.graph.CreateEntityWithRelationships(ctx, entity, derived)
	if err != nil {
		return domain.Entity{}, false, nil, err
	}

	s.invalidate(orgID)
	if created {
		s.emitter.EntityCreated(orgID, &stored)
		s.auditMutation(ctx, orgID, actorID, "entity.create", "entity", stored.ID, map[string]any{
			"entity_type":   string(stored.Type),
			"relationships": len(storedRels),
		})
	}
	return stored, created, storedRels, nil
}

// embed attaches a dense vector, best effort. Entities without a vector
// stay findable through the keyword channel.
func (s *Service) embed(ctx context.Context, entity *domain.Entity) {
	if s.embedder == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, entity.SearchableText())
	if err != nil {
		s.logger.Warn("entity embedding failed, writing without vector",
			zap.String("entity_id", entity.ID),
			zap.Error(err))
		return
	}
	entity.Embedding = vec
}

// deriveRelationships asks the extractor for edges against the tenant's
// closest fulltext matches. Extraction failures degrade to an unlinked
// entity rather than failing the write.
func (s *Service) deriveRelationships(ctx context.Context, entity domain.Entity) []domain.Relationship {
	hits, err := s.graph.SearchEntities(ctx, entity.OrganizationID, extractionQuery(entity), s.extractCandidates)
	if err != nil {
		s.logger.Warn("extraction candidate search failed",
			zap.String("entity_id", entity.ID),
			zap.Error(err))
		return nil
	}
	candidates := make([]domain.Entity, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, hit.Entity)
	}

	rels, err := s.extractor.DeriveRelationships(ctx, entity, candidates)
	if err != nil {
		s.logger.Warn("relationship extraction failed",
			zap.String("entity_id", entity.ID),
			zap.Error(err))
		return nil
	}
	for i := range rels {
		if rels[i].ID == "" {
			rels[i].ID = uuid.NewString()
		}
	}
	return rels
}

const maxExtractionQueryLen = 1024

// extractionQuery is the fulltext probe used to narrow extraction
// candidates. Long content is cut off; the head of a document carries
// its vocabulary.
func extractionQuery(entity domain.Entity) string {
	text := entity.SearchableText()
	if len(text) > maxExtractionQueryLen {
		text = text[:maxExtractionQueryLen]
	}
	return text
}

func addMessage(created bool, edges int) string {
	switch {
	case !created:
		return "entity already exists"
	case edges == 1:
		return "entity created with 1 derived relationship"
	case edges > 1:
		return fmt.Sprintf("entity created with %d derived relationships", edges)
	default:
		return "entity created"
	}
}

// Get returns one entity with its direct edges. Reading requires at
// least the viewer role on the entity's project.
func (s *Service) Get(ctx context.Context, ac *auth.Context, entityID string) (*domain.Entity, []domain.Relationship, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, nil, apperrors.NewValidation("entity ID cannot be empty")
	}

	entity, err := s.graph.GetEntity(ctx, orgID, entityID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireProjectRole(ctx, ac, entity.ProjectID, domain.ProjectRoleViewer); err != nil {
		return nil, nil, err
	}

	edges, err := s.graph.ListEdges(ctx, orgID, entityID)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, "failed to load entity relationships")
	}
	return &entity, edges, nil
}

// UpdateRequest mutates an existing entity. Nil pointer fields stay
// untouched; metadata keys merge over the stored map, with an explicit
// nil value deleting the key.
type UpdateRequest struct {
	EntityID  string         `json:"entity_id"`
	Name      *string        `json:"name,omitempty"`
	Content   *string        `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ProjectID *string        `json:"project,omitempty"`
}

// Update applies a partial mutation. The caller needs contributor on the
// entity's current project, and on the target project when moving it.
func (s *Service) Update(ctx context.Context, ac *auth.Context, req UpdateRequest) (*domain.Entity, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return nil, apperrors.NewValidation("entity ID cannot be empty")
	}

	existing, err := s.graph.GetEntity(ctx, orgID, req.EntityID)
	if err != nil {
		return nil, err
	}
	if err := s.requireProjectRole(ctx, ac, existing.ProjectID, domain.ProjectRoleContributor); err != nil {
		return nil, err
	}
	if req.ProjectID != nil && *req.ProjectID != existing.ProjectID {
		if err := s.requireProjectRole(ctx, ac, *req.ProjectID, domain.ProjectRoleContributor); err != nil {
			return nil, err
		}
	}

	stored, err := s.applyUpdate(ctx, orgID, ac.UserID, existing, req)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// applyUpdate is the shared core of the interactive and job-queue update
// paths. It merges the request into the stored entity and writes it back.
func (s *Service) applyUpdate(ctx context.Context, orgID, actorID string, existing domain.Entity, req UpdateRequest) (*domain.Entity, error) {
	updated := existing
	reembed := false
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
		reembed = true
	}
	if req.Content != nil {
		updated.Content = *req.Content
		reembed = true
	}
	if req.ProjectID != nil {
		updated.ProjectID = *req.ProjectID
	}
	if len(req.Metadata) > 0 {
		merged := make(map[string]any, len(existing.Metadata)+len(req.Metadata))
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range req.Metadata {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		updated.Metadata = merged
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	if reembed {
		updated.Embedding = nil
		s.embed(ctx, &updated)
	}

	stored, err := s.graph.UpdateEntity(ctx, updated)
	if err != nil {
		return nil, err
	}

	s.invalidate(orgID)
	s.emitter.EntityUpdated(orgID, &stored)
	s.auditMutation(ctx, orgID, actorID, "entity.update", "entity", stored.ID, nil)
	return &stored, nil
}

// Delete removes an entity and every edge touching it. Deleting is a
// maintainer-level action on the entity's project.
func (s *Service) Delete(ctx context.Context, ac *auth.Context, entityID string) (int, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(entityID) == "" {
		return 0, apperrors.NewValidation("entity ID cannot be empty")
	}

	existing, err := s.graph.GetEntity(ctx, orgID, entityID)
	if err != nil {
		return 0, err
	}
	if err := s.requireProjectRole(ctx, ac, existing.ProjectID, domain.ProjectRoleMaintainer); err != nil {
		return 0, err
	}

	removedEdges, err := s.graph.DeleteEntity(ctx, orgID, entityID)
	if err != nil {
		return 0, err
	}

	s.invalidate(orgID)
	s.emitter.EntityDeleted(orgID, entityID)
	s.auditMutation(ctx, orgID, ac.UserID, "entity.delete", "entity", entityID, map[string]any{
		"removed_edges": removedEdges,
	})
	return removedEdges, nil
}

// requireProjectRole enforces a minimum effective role on the project
// identified by its graph-side ID. Entities written before the project
// registry existed resolve to no project row; org membership already
// vouches for those reads and edits, so a missing row passes.
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

func (s *Service) invalidate(orgID string) {
	if s.index != nil {
		s.index.Invalidate(orgID)
	}
}

// auditMutation appends a best-effort audit row. The mutation already
// landed, so the append survives caller cancellation.
func (s *Service) auditMutation(ctx context.Context, orgID, actorID, action, resourceType, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := domain.AuditLog{
		OrganizationID: orgID,
		UserID:         actorID,
		Action:         action,
		ResourceType:   resourceType,
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
