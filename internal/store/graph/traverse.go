package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// maxTraversalNodes bounds how many distinct nodes one traversal returns.
const maxTraversalNodes = 500

// Traverse walks typed edges from one entity up to maxDepth hops and
// returns each reached node once, at its minimum depth, with the relation
// path that got there first, plus the union of edges on those shortest
// paths. Every node and edge on a path must belong to the org; paths
// never cross the tenant boundary even through intermediate hops.
func (s *Store) Traverse(ctx context.Context, orgID, sourceID string, types []domain.RelationshipType, maxDepth int, direction domain.TraversalDirection) (search.TraversalResult, error) {
	alternation, err := relationshipAlternation(types)
	if err != nil {
		return search.TraversalResult{}, err
	}
	left, right, err := directionArrows(direction)
	if err != nil {
		return search.TraversalResult{}, err
	}
	maxDepth = coerceDepth(maxDepth)

	pathQuery := fmt.Sprintf(`
MATCH (start:Entity {uuid: $uuid, group_id: $org})
MATCH path = (start)%s[:%s*1..%d]%s(n:Entity)
WHERE n.uuid <> start.uuid
  AND all(x IN nodes(path) WHERE x.group_id = $org)
  AND all(rel IN relationships(path) WHERE rel.group_id = $org)
WITH n, path
ORDER BY length(path) ASC
WITH n, head(collect(path)) AS shortest
RETURN n,
       length(shortest) AS depth,
       [rel IN relationships(shortest) | type(rel)] AS relpath,
       [rel IN relationships(shortest) | {
         uuid: rel.uuid, reltype: type(rel), weight: rel.weight, fact: rel.fact,
         created_at: rel.created_at,
         source: startNode(rel).uuid, target: endNode(rel).uuid
       }] AS pathedges
ORDER BY depth ASC, n.uuid
LIMIT %d`, left, alternation, maxDepth, right, maxTraversalNodes)

	params := map[string]any{"uuid": sourceID, "org": orgID}

	out, err := s.readTx(ctx, func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error) {
		startRes, err := tx.Run(ctx,
			"MATCH (start:Entity {uuid: $uuid, group_id: $org}) RETURN start", params)
		if err != nil {
			return nil, err
		}
		startRecords, err := startRes.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(startRecords) == 0 {
			return nil, appErrors.NewNotFound("entity not found").WithDetail("entity_id", sourceID)
		}
		startNode, ok := recordNode(startRecords[0], "start")
		if !ok {
			return nil, appErrors.NewInternal("traversal start missing node", nil)
		}

		pathRes, err := tx.Run(ctx, pathQuery, params)
		if err != nil {
			return nil, err
		}
		records, err := pathRes.Collect(ctx)
		if err != nil {
			return nil, err
		}

		result := search.TraversalResult{
			Nodes: make([]search.TraversalNode, 0, len(records)+1),
		}
		result.Nodes = append(result.Nodes, search.TraversalNode{
			Entity: parseEntityNode(startNode),
			Depth:  0,
		})

		seenEdges := make(map[string]struct{})
		for _, rec := range records {
			node, ok := recordNode(rec, "n")
			if !ok {
				continue
			}
			depth, _ := rec.Get("depth")
			relpath, _ := rec.Get("relpath")
			result.Nodes = append(result.Nodes, search.TraversalNode{
				Entity:       parseEntityNode(node),
				Depth:        asInt(depth),
				RelationPath: asStringList(relpath),
			})

			pathedges, _ := rec.Get("pathedges")
			for _, raw := range asAnyList(pathedges) {
				edge, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				id := asString(edge["uuid"])
				if id == "" {
					continue
				}
				if _, dup := seenEdges[id]; dup {
					continue
				}
				seenEdges[id] = struct{}{}
				result.Edges = append(result.Edges, domain.Relationship{
					ID:             id,
					OrganizationID: orgID,
					SourceID:       asString(edge["source"]),
					TargetID:       asString(edge["target"]),
					Type:           domain.RelationshipType(asString(edge["reltype"])),
					Weight:         asFloat(edge["weight"]),
					Fact:           asString(edge["fact"]),
					CreatedAt:      asTime(edge["created_at"]),
				})
			}
		}
		return result, nil
	})
	if err != nil {
		return search.TraversalResult{}, err
	}
	return out.(search.TraversalResult), nil
}

func asAnyList(v any) []any {
	list, _ := v.([]any)
	return list
}

func asStringList(v any) []string {
	list := asAnyList(v)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
