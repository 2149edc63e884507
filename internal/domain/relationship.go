package domain

import (
	"time"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// RelationshipType names a directed edge kind. The set doubles as the
// allow-list for relationship literals interpolated into graph queries.
type RelationshipType string

const (
	RelAppliesTo  RelationshipType = "applies_to"
	RelRelatedTo  RelationshipType = "related_to"
	RelDependsOn  RelationshipType = "depends_on"
	RelBlocks     RelationshipType = "blocks"
	RelReferences RelationshipType = "references"
	RelContains   RelationshipType = "contains"
	RelSupersedes RelationshipType = "supersedes"
	RelSimilarTo  RelationshipType = "similar_to"
)

// AllRelationshipTypes is the closed set of valid edge types.
var AllRelationshipTypes = []RelationshipType{
	RelAppliesTo, RelRelatedTo, RelDependsOn, RelBlocks,
	RelReferences, RelContains, RelSupersedes, RelSimilarTo,
}

var relationshipTypeSet = func() map[RelationshipType]struct{} {
	s := make(map[RelationshipType]struct{}, len(AllRelationshipTypes))
	for _, t := range AllRelationshipTypes {
		s[t] = struct{}{}
	}
	return s
}()

// IsValidRelationshipType reports whether t names a known edge type.
func IsValidRelationshipType(t RelationshipType) bool {
	_, ok := relationshipTypeSet[t]
	return ok
}

// Relationship is a directed typed edge between two entities of the same
// tenant. (SourceID, TargetID, Type) is unique per tenant; creating a
// duplicate returns the existing edge.
type Relationship struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	SourceID       string           `json:"source_id"`
	TargetID       string           `json:"target_id"`
	Type           RelationshipType `json:"type"`
	Weight         float64          `json:"weight"`
	Fact           string           `json:"fact,omitempty"`
	ValidFrom      *time.Time       `json:"valid_from,omitempty"`
	ValidTo        *time.Time       `json:"valid_to,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Validate checks edge invariants before the write reaches the graph.
func (r *Relationship) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return appErrors.NewValidation("relationship requires source and target IDs")
	}
	if r.SourceID == r.TargetID {
		return appErrors.NewValidation("relationship cannot connect an entity to itself")
	}
	if !IsValidRelationshipType(r.Type) {
		return appErrors.NewValidationf("unknown relationship type %q", r.Type)
	}
	if r.Weight < 0.0 || r.Weight > 1.0 {
		return appErrors.NewValidation("relationship weight must be between 0.0 and 1.0")
	}
	if r.OrganizationID == "" {
		return appErrors.NewValidation("relationship must belong to an organization")
	}
	return nil
}

// TraversalDirection selects which edge ends a graph walk follows.
type TraversalDirection string

const (
	DirectionOutgoing TraversalDirection = "outgoing"
	DirectionIncoming TraversalDirection = "incoming"
	DirectionBoth     TraversalDirection = "both"
)

// IsValidDirection reports whether d names a traversal direction.
func IsValidDirection(d TraversalDirection) bool {
	switch d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return true
	}
	return false
}
