// Package domain holds the core types shared by the graph, chunk, and
// relational stores. Entities are one discriminated structure: EntityType
// is the discriminator and subtype fields live in Metadata, with a narrow
// set promoted to first-class columns for indexed filtering.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// EntityType discriminates the semantic kind of a graph entity.
// Immutable after creation.
type EntityType string

const (
	EntityPattern         EntityType = "pattern"
	EntityRule            EntityType = "rule"
	EntityTemplate        EntityType = "template"
	EntityTask            EntityType = "task"
	EntityProject         EntityType = "project"
	EntityEpic            EntityType = "epic"
	EntityEpisode         EntityType = "episode"
	EntityTopic           EntityType = "topic"
	EntityLanguage        EntityType = "language"
	EntityTool            EntityType = "tool"
	EntityConfigFile      EntityType = "config_file"
	EntitySlashCommand    EntityType = "slash_command"
	EntityKnowledgeSource EntityType = "knowledge_source"
	EntityDocument        EntityType = "document"
	EntityCommunity       EntityType = "community"
	EntitySource          EntityType = "source"
)

// AllEntityTypes is the closed set of valid entity types.
var AllEntityTypes = []EntityType{
	EntityPattern, EntityRule, EntityTemplate, EntityTask, EntityProject,
	EntityEpic, EntityEpisode, EntityTopic, EntityLanguage, EntityTool,
	EntityConfigFile, EntitySlashCommand, EntityKnowledgeSource,
	EntityDocument, EntityCommunity, EntitySource,
}

var entityTypeSet = func() map[EntityType]struct{} {
	s := make(map[EntityType]struct{}, len(AllEntityTypes))
	for _, t := range AllEntityTypes {
		s[t] = struct{}{}
	}
	return s
}()

// IsValidEntityType reports whether t names a known entity type.
func IsValidEntityType(t EntityType) bool {
	_, ok := entityTypeSet[t]
	return ok
}

const (
	MaxEntityNameLength    = 200
	MaxEntityContentLength = 50000
)

// PromotedMetadataFields are the metadata keys stored as first-class node
// properties so graph filters can index them.
var PromotedMetadataFields = []string{
	"status", "priority", "project_id", "assignees", "category", "languages",
}

// Entity is a semantic record in the knowledge graph.
type Entity struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ProjectID      string         `json:"project_id,omitempty"` // empty = unassigned, resolves to shared-project permissions
	Type           EntityType     `json:"entity_type"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Embedding      []float32      `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Validate checks the invariants every entity must satisfy before it is
// written to the graph.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return appErrors.NewValidation("entity name cannot be empty")
	}
	if len(e.Name) > MaxEntityNameLength {
		return appErrors.NewValidationf("entity name exceeds %d characters", MaxEntityNameLength)
	}
	if len(e.Content) > MaxEntityContentLength {
		return appErrors.NewValidationf("entity content exceeds %d characters", MaxEntityContentLength)
	}
	if !IsValidEntityType(e.Type) {
		return appErrors.NewValidationf("unknown entity type %q", e.Type)
	}
	if e.OrganizationID == "" {
		return appErrors.NewValidation("entity must belong to an organization")
	}
	return nil
}

// SearchableText is the text BM25 indexes for this entity.
func (e *Entity) SearchableText() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Name, e.Description, e.Content} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// DeterministicEntityID derives a stable ID from the tenant, type, and
// name. Writers that must not duplicate on retry use it instead of a
// random UUID.
func DeterministicEntityID(orgID string, entityType EntityType, name string) string {
	sum := sha256.Sum256([]byte(orgID + ":" + string(entityType) + ":" + strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(sum[:16])
}
