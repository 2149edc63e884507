package graph

import (
	"fmt"
	"strings"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Labels and relationship types appear literally in Cypher; parameters
// cannot stand in for them. Everything interpolated that way passes
// through this guard first: enum values against their allow-lists,
// pagination integers through bounds coercion. Non-matching input fails
// with a validation error before any query is issued.

const (
	// MinLimit..MaxLimit bound page sizes interpolated into queries.
	MinLimit = 1
	MaxLimit = 200

	// MaxTraversalDepth bounds variable-length path expansion.
	MaxTraversalDepth = 5
)

// entityLabel validates an entity type and returns it as a backtick-quoted
// Cypher label.
func entityLabel(t domain.EntityType) (string, error) {
	if !domain.IsValidEntityType(t) {
		return "", appErrors.NewValidationf("unknown entity type %q", t)
	}
	return "`" + string(t) + "`", nil
}

// relationshipLiteral validates one edge type for literal interpolation.
func relationshipLiteral(t domain.RelationshipType) (string, error) {
	if !domain.IsValidRelationshipType(t) {
		return "", appErrors.NewValidationf("unknown relationship type %q", t)
	}
	return "`" + string(t) + "`", nil
}

// relationshipAlternation validates a set of edge types and renders the
// Cypher alternation `a`|`b`|`c`. An empty set expands to every known
// type, so traversals never walk unlabelled edges.
func relationshipAlternation(types []domain.RelationshipType) (string, error) {
	if len(types) == 0 {
		types = domain.AllRelationshipTypes
	}
	parts := make([]string, 0, len(types))
	seen := make(map[domain.RelationshipType]struct{}, len(types))
	for _, t := range types {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		lit, err := relationshipLiteral(t)
		if err != nil {
			return "", err
		}
		parts = append(parts, lit)
	}
	return strings.Join(parts, "|"), nil
}

// coerceLimit clamps a page size into [MinLimit, MaxLimit]. Zero and
// negative values take the default.
func coerceLimit(limit, defaultLimit int) int {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit < MinLimit {
		limit = MinLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

// coerceOffset clamps an offset to be non-negative.
func coerceOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// coerceDepth clamps a traversal depth into [1, MaxTraversalDepth].
func coerceDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > MaxTraversalDepth {
		return MaxTraversalDepth
	}
	return depth
}

// pageClause renders the literal SKIP/LIMIT tail from coerced integers.
func pageClause(limit, offset int) string {
	return fmt.Sprintf(" SKIP %d LIMIT %d", offset, limit)
}

// directionArrows renders the left and right ends of a relationship
// pattern for a traversal direction.
func directionArrows(d domain.TraversalDirection) (string, string, error) {
	switch d {
	case domain.DirectionOutgoing, "":
		return "-", "->", nil
	case domain.DirectionIncoming:
		return "<-", "-", nil
	case domain.DirectionBoth:
		return "-", "-", nil
	default:
		return "", "", appErrors.NewValidationf("unknown traversal direction %q", d)
	}
}

// luceneSpecials are the characters with operator meaning in fulltext
// query syntax.
const luceneSpecials = `+-&|!(){}[]^"~*?:\/`

// sanitizeFulltext escapes user input for the fulltext indexes so terms
// match literally instead of being parsed as query operators.
func sanitizeFulltext(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	for _, r := range query {
		if strings.ContainsRune(luceneSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
