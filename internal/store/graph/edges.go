package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// maxEdgeScan bounds unpaged edge listings such as cycle detection input.
const maxEdgeScan = 10000

// edgeProps renders relationship properties. The type string is stored
// twice: as the relationship type itself and as the name property the
// fulltext edge index covers.
func edgeProps(r domain.Relationship) map[string]any {
	props := map[string]any{
		"uuid":       r.ID,
		"group_id":   r.OrganizationID,
		"weight":     r.Weight,
		"name":       string(r.Type),
		"created_at": r.CreatedAt.UTC(),
	}
	if r.Fact != "" {
		props["fact"] = r.Fact
	}
	if r.ValidFrom != nil {
		props["valid_from"] = r.ValidFrom.UTC()
	}
	if r.ValidTo != nil {
		props["valid_to"] = r.ValidTo.UTC()
	}
	return props
}

// parseRelationship rebuilds a domain relationship. Endpoint IDs come
// from the query (startNode/endNode reads), not the driver's element IDs.
func parseRelationship(rel neo4j.Relationship, source, target string) domain.Relationship {
	props := rel.Props
	out := domain.Relationship{
		ID:             asString(props["uuid"]),
		OrganizationID: asString(props["group_id"]),
		SourceID:       source,
		TargetID:       target,
		Type:           domain.RelationshipType(rel.Type),
		Weight:         asFloat(props["weight"]),
		Fact:           asString(props["fact"]),
		CreatedAt:      asTime(props["created_at"]),
	}
	if t := asTime(props["valid_from"]); !t.IsZero() {
		out.ValidFrom = &t
	}
	if t := asTime(props["valid_to"]); !t.IsZero() {
		out.ValidTo = &t
	}
	return out
}

func recordRelationship(rec *neo4j.Record, key string) (neo4j.Relationship, bool) {
	raw, ok := rec.Get(key)
	if !ok {
		return neo4j.Relationship{}, false
	}
	rel, ok := raw.(neo4j.Relationship)
	return rel, ok
}

// mergeEdgesInTx upserts edges inside an open write transaction, one
// UNWIND per relationship type. (source, target, type) is the merge key:
// a duplicate returns the stored edge instead of creating a parallel one.
// Rows whose endpoints are missing from the org drop out silently.
func mergeEdgesInTx(ctx context.Context, tx neo4j.ManagedTransaction, orgID string, rels []domain.Relationship) ([]domain.Relationship, error) {
	now := time.Now().UTC()
	byType := make(map[domain.RelationshipType][]map[string]any)
	for i := range rels {
		r := rels[i]
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		byType[r.Type] = append(byType[r.Type], map[string]any{
			"source": r.SourceID,
			"target": r.TargetID,
			"props":  edgeProps(r),
		})
	}

	merged := make([]domain.Relationship, 0, len(rels))
	for relType, rows := range byType {
		literal, err := relationshipLiteral(relType)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf(`
UNWIND $rows AS row
MATCH (a:Entity {uuid: row.source, group_id: $org})
MATCH (b:Entity {uuid: row.target, group_id: $org})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r = row.props
RETURN r, a.uuid AS source, b.uuid AS target`, literal)
		res, err := tx.Run(ctx, query, map[string]any{"rows": rows, "org": orgID})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			rel, ok := recordRelationship(rec, "r")
			if !ok {
				continue
			}
			source, _ := rec.Get("source")
			target, _ := rec.Get("target")
			merged = append(merged, parseRelationship(rel, asString(source), asString(target)))
		}
	}
	return merged, nil
}

// CreateRelationship upserts one edge under the org write lock. When an
// edge of the same type already connects the pair, the stored edge comes
// back with created false and keeps its original ID.
func (s *Store) CreateRelationship(ctx context.Context, r domain.Relationship) (domain.Relationship, bool, error) {
	if err := r.Validate(); err != nil {
		return domain.Relationship{}, false, err
	}
	if r.ID == "" {
		return domain.Relationship{}, false, appErrors.NewValidation("relationship ID cannot be empty")
	}

	var stored domain.Relationship
	err := s.withOrgWriteLock(ctx, r.OrganizationID, func(ctx context.Context) error {
		_, txErr := s.writeTx(ctx, func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error) {
			merged, err := mergeEdgesInTx(ctx, tx, r.OrganizationID, []domain.Relationship{r})
			if err != nil {
				return nil, err
			}
			if len(merged) == 0 {
				return nil, appErrors.NewNotFound("source or target entity not found").
					WithDetail("source_id", r.SourceID).
					WithDetail("target_id", r.TargetID)
			}
			stored = merged[0]
			return nil, nil
		})
		return txErr
	})
	if err != nil {
		return domain.Relationship{}, false, err
	}
	return stored, stored.ID == r.ID, nil
}

// ListEdges returns every edge touching one entity, newest first.
func (s *Store) ListEdges(ctx context.Context, orgID, entityID string) ([]domain.Relationship, error) {
	records, err := s.read(ctx, fmt.Sprintf(`
MATCH (a:Entity {uuid: $uuid, group_id: $org})-[r]-(b:Entity {group_id: $org})
RETURN r, startNode(r).uuid AS source, endNode(r).uuid AS target
ORDER BY r.created_at DESC
LIMIT %d`, maxEdgeScan),
		map[string]any{"uuid": entityID, "org": orgID})
	if err != nil {
		return nil, err
	}
	return collectRelationships(records), nil
}

// ListEdgesByTypes returns every edge of the given types in one org,
// optionally restricted to endpoints inside one project. Cycle detection
// reads its dependency graph through here.
func (s *Store) ListEdgesByTypes(ctx context.Context, orgID string, types []domain.RelationshipType, projectID string) ([]domain.Relationship, error) {
	alternation, err := relationshipAlternation(types)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
MATCH (a:Entity {group_id: $org})-[r:%s]->(b:Entity {group_id: $org})`, alternation)
	params := map[string]any{"org": orgID}
	if projectID != "" {
		query += "\nWHERE a.project_id = $project AND b.project_id = $project"
		params["project"] = projectID
	}
	query += fmt.Sprintf(`
RETURN r, a.uuid AS source, b.uuid AS target
LIMIT %d`, maxEdgeScan)

	records, err := s.read(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return collectRelationships(records), nil
}

// FulltextSearchEdges runs the relationship fulltext index over edge
// names and facts, reading endpoint IDs straight off the index match so
// no second hop is needed.
func (s *Store) FulltextSearchEdges(ctx context.Context, orgID, query string, k int) ([]search.EdgeHit, error) {
	sanitized := sanitizeFulltext(query)
	if sanitized == "" {
		return nil, nil
	}
	k = coerceLimit(k, defaultListLimit)

	records, err := s.read(ctx, fmt.Sprintf(`
CALL db.index.fulltext.queryRelationships('edge_text', $query)
YIELD relationship, score
WHERE relationship.group_id = $org
RETURN relationship,
       startNode(relationship).uuid AS source,
       endNode(relationship).uuid AS target,
       score
ORDER BY score DESC
LIMIT %d`, k),
		map[string]any{"query": sanitized, "org": orgID})
	if err != nil {
		return nil, err
	}

	hits := make([]search.EdgeHit, 0, len(records))
	for _, rec := range records {
		rel, ok := recordRelationship(rec, "relationship")
		if !ok {
			continue
		}
		source, _ := rec.Get("source")
		target, _ := rec.Get("target")
		score, _ := rec.Get("score")
		hits = append(hits, search.EdgeHit{
			Edge:  parseRelationship(rel, asString(source), asString(target)),
			Score: asFloat(score),
		})
	}
	return hits, nil
}

// DeleteRelationship removes one edge by its ID.
func (s *Store) DeleteRelationship(ctx context.Context, orgID, edgeID string) error {
	return s.withOrgWriteLock(ctx, orgID, func(ctx context.Context) error {
		records, err := s.write(ctx, `
MATCH ()-[r {uuid: $uuid, group_id: $org}]->()
DELETE r
RETURN count(*) AS deleted`,
			map[string]any{"uuid": edgeID, "org": orgID})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return appErrors.NewNotFound("relationship not found").WithDetail("edge_id", edgeID)
		}
		deleted, _ := records[0].Get("deleted")
		if asInt(deleted) == 0 {
			return appErrors.NewNotFound("relationship not found").WithDetail("edge_id", edgeID)
		}
		return nil
	})
}

// CountEdges returns the number of edges in one org.
func (s *Store) CountEdges(ctx context.Context, orgID string) (int, error) {
	records, err := s.read(ctx, `
MATCH (:Entity {group_id: $org})-[r]->(:Entity)
WHERE r.group_id = $org
RETURN count(r) AS total`,
		map[string]any{"org": orgID})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	total, _ := records[0].Get("total")
	return asInt(total), nil
}

func collectRelationships(records []*neo4j.Record) []domain.Relationship {
	out := make([]domain.Relationship, 0, len(records))
	for _, rec := range records {
		rel, ok := recordRelationship(rec, "r")
		if !ok {
			continue
		}
		source, _ := rec.Get("source")
		target, _ := rec.Get("target")
		out = append(out, parseRelationship(rel, asString(source), asString(target)))
	}
	return out
}
