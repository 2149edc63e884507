package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const defaultListLimit = 50

// nodeProps renders the full property map for entity creation. Metadata
// is stored twice: the whole map as one JSON string (the source of truth
// reads rebuild from) and a narrow promoted subset as discrete properties
// so graph filters can index them.
func nodeProps(e domain.Entity) map[string]any {
	props := map[string]any{
		"uuid":        e.ID,
		"group_id":    e.OrganizationID,
		"project_id":  e.ProjectID,
		"entity_type": string(e.Type),
		"name":        e.Name,
		"description": e.Description,
		"content":     e.Content,
		"created_at":  e.CreatedAt.UTC(),
		"updated_at":  e.UpdatedAt.UTC(),
	}
	applyMetadataProps(props, e.Metadata)
	if e.Embedding != nil {
		props["embedding"] = floatList(e.Embedding)
	}
	return props
}

// mutableProps renders the property subset UpdateEntity may change.
// Cleared promoted fields are explicit nulls so `SET n +=` removes them.
// Identity properties (uuid, group_id, entity_type, created_at) never
// appear here.
func mutableProps(e domain.Entity) map[string]any {
	props := map[string]any{
		"project_id":  e.ProjectID,
		"name":        e.Name,
		"description": e.Description,
		"content":     e.Content,
		"updated_at":  e.UpdatedAt.UTC(),
		"metadata":    nil,
		"valid_from":  nil,
	}
	for _, f := range promotedFields {
		props[f] = nil
	}
	applyMetadataProps(props, e.Metadata)
	if e.Embedding != nil {
		props["embedding"] = floatList(e.Embedding)
	}
	return props
}

// promotedFields is the metadata subset denormalized onto the node.
// project_id is excluded: it is a first-class entity field, not metadata.
var promotedFields = []string{"status", "priority", "assignees", "category", "languages"}

func applyMetadataProps(props map[string]any, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if raw, err := json.Marshal(metadata); err == nil {
		props["metadata"] = string(raw)
	}
	for _, f := range promotedFields {
		if v, ok := metadata[f]; ok {
			props[f] = v
		}
	}
	// Episodes carry their occurrence time in metadata; a parsed copy
	// becomes a datetime property so range scans stay indexable.
	if raw, ok := metadata["valid_from"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			props["valid_from"] = parsed.UTC()
		}
	}
}

func floatList(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// parseEntityNode rebuilds a domain entity from node properties. The
// metadata JSON is authoritative; promoted copies are ignored on read.
func parseEntityNode(node neo4j.Node) domain.Entity {
	props := node.Props
	e := domain.Entity{
		ID:             asString(props["uuid"]),
		OrganizationID: asString(props["group_id"]),
		ProjectID:      asString(props["project_id"]),
		Type:           domain.EntityType(asString(props["entity_type"])),
		Name:           asString(props["name"]),
		Description:    asString(props["description"]),
		Content:        asString(props["content"]),
		CreatedAt:      asTime(props["created_at"]),
		UpdatedAt:      asTime(props["updated_at"]),
	}
	if raw := asString(props["metadata"]); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			e.Metadata = m
		}
	}
	return e
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func recordNode(rec *neo4j.Record, key string) (neo4j.Node, bool) {
	raw, ok := rec.Get(key)
	if !ok {
		return neo4j.Node{}, false
	}
	node, ok := raw.(neo4j.Node)
	return node, ok
}

// CreateEntity writes one entity, idempotently on its ID: when the ID
// already exists the stored entity comes back unchanged with created
// false, so deterministic-ID retries never duplicate.
func (s *Store) CreateEntity(ctx context.Context, e domain.Entity) (domain.Entity, bool, error) {
	stored, created, _, err := s.CreateEntityWithRelationships(ctx, e, nil)
	return stored, created, err
}

// CreateEntityWithRelationships writes an entity and its derived edges in
// one transaction under the org write lock, so readers never observe the
// entity without its relationships and concurrent writers cannot race
// duplicate edges in between.
func (s *Store) CreateEntityWithRelationships(ctx context.Context, e domain.Entity, rels []domain.Relationship) (domain.Entity, bool, []domain.Relationship, error) {
	if err := e.Validate(); err != nil {
		return domain.Entity{}, false, nil, err
	}
	if e.ID == "" {
		return domain.Entity{}, false, nil, appErrors.NewValidation("entity ID cannot be empty")
	}
	for i := range rels {
		if err := rels[i].Validate(); err != nil {
			return domain.Entity{}, false, nil, err
		}
		if rels[i].OrganizationID != e.OrganizationID {
			return domain.Entity{}, false, nil, appErrors.NewValidation("relationship organization does not match entity")
		}
	}
	label, err := entityLabel(e.Type)
	if err != nil {
		return domain.Entity{}, false, nil, err
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	createQuery := fmt.Sprintf(`
OPTIONAL MATCH (existing:Entity {uuid: $uuid})
WITH count(existing) > 0 AS already
MERGE (n:Entity {uuid: $uuid})
ON CREATE SET n = $props, n:%s
RETURN n, already`, label)

	var (
		stored     domain.Entity
		created    bool
		storedRels []domain.Relationship
	)
	err = s.withOrgWriteLock(ctx, e.OrganizationID, func(ctx context.Context) error {
		_, txErr := s.writeTx(ctx, func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, createQuery, map[string]any{
				"uuid":  e.ID,
				"props": nodeProps(e),
			})
			if err != nil {
				return nil, err
			}
			rec, err := res.Single(ctx)
			if err != nil {
				return nil, err
			}
			node, ok := recordNode(rec, "n")
			if !ok {
				return nil, appErrors.NewInternal("create returned no node", nil)
			}
			stored = parseEntityNode(node)
			already, _ := rec.Get("already")
			created = !(already == true)

			if stored.OrganizationID != e.OrganizationID {
				return nil, appErrors.NewConflict("entity ID already exists").
					WithDetail("entity_id", e.ID)
			}

			if len(rels) > 0 {
				merged, err := mergeEdgesInTx(ctx, tx, e.OrganizationID, rels)
				if err != nil {
					return nil, err
				}
				storedRels = merged
			}
			return nil, nil
		})
		return txErr
	})
	if err != nil {
		return domain.Entity{}, false, nil, err
	}
	return stored, created, storedRels, nil
}

// GetEntity fetches one entity within the org boundary.
func (s *Store) GetEntity(ctx context.Context, orgID, id string) (domain.Entity, error) {
	records, err := s.read(ctx,
		"MATCH (n:Entity {uuid: $uuid, group_id: $org}) RETURN n",
		map[string]any{"uuid": id, "org": orgID})
	if err != nil {
		return domain.Entity{}, err
	}
	if len(records) == 0 {
		return domain.Entity{}, appErrors.NewNotFound("entity not found").WithDetail("entity_id", id)
	}
	node, ok := recordNode(records[0], "n")
	if !ok {
		return domain.Entity{}, appErrors.NewInternal("entity record missing node", nil)
	}
	return parseEntityNode(node), nil
}

// GetEntities batch-fetches entities by ID. Missing IDs are dropped
// silently; callers that care compare lengths.
func (s *Store) GetEntities(ctx context.Context, orgID string, ids []string) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := s.read(ctx,
		"MATCH (n:Entity) WHERE n.uuid IN $ids AND n.group_id = $org RETURN n",
		map[string]any{"ids": ids, "org": orgID})
	if err != nil {
		return nil, err
	}
	entities := make([]domain.Entity, 0, len(records))
	for _, rec := range records {
		if node, ok := recordNode(rec, "n"); ok {
			entities = append(entities, parseEntityNode(node))
		}
	}
	return entities, nil
}

// UpdateEntity overwrites the mutable fields of an existing entity. Type
// and identity are immutable; the embedding is replaced only when the
// caller provides one.
func (s *Store) UpdateEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	if err := e.Validate(); err != nil {
		return domain.Entity{}, err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	var stored domain.Entity
	err := s.withOrgWriteLock(ctx, e.OrganizationID, func(ctx context.Context) error {
		records, err := s.write(ctx, `
MATCH (n:Entity {uuid: $uuid, group_id: $org})
SET n += $props
RETURN n`,
			map[string]any{
				"uuid":  e.ID,
				"org":   e.OrganizationID,
				"props": mutableProps(e),
			})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return appErrors.NewNotFound("entity not found").WithDetail("entity_id", e.ID)
		}
		node, ok := recordNode(records[0], "n")
		if !ok {
			return appErrors.NewInternal("update returned no node", nil)
		}
		stored = parseEntityNode(node)
		return nil
	})
	if err != nil {
		return domain.Entity{}, err
	}
	return stored, nil
}

// DeleteEntity removes an entity and every edge touching it, returning
// how many edges went with it.
func (s *Store) DeleteEntity(ctx context.Context, orgID, id string) (int, error) {
	var removedEdges int
	err := s.withOrgWriteLock(ctx, orgID, func(ctx context.Context) error {
		records, err := s.write(ctx, `
MATCH (n:Entity {uuid: $uuid, group_id: $org})
OPTIONAL MATCH (n)-[r]-()
WITH n, count(r) AS edges
DETACH DELETE n
RETURN edges`,
			map[string]any{"uuid": id, "org": orgID})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return appErrors.NewNotFound("entity not found").WithDetail("entity_id", id)
		}
		edges, _ := records[0].Get("edges")
		removedEdges = asInt(edges)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removedEdges, nil
}

// ListByType pages entities of one type (or all types when entityType is
// empty), newest first. A non-nil projectIDs slice restricts rows to
// those projects; the empty string inside it matches unassigned entities.
func (s *Store) ListByType(ctx context.Context, orgID string, entityType domain.EntityType, projectIDs []string, limit, offset int) ([]domain.Entity, int, error) {
	labelPart := ""
	if entityType != "" {
		label, err := entityLabel(entityType)
		if err != nil {
			return nil, 0, err
		}
		labelPart = ":" + label
	}
	match := fmt.Sprintf("MATCH (n:Entity%s) WHERE n.group_id = $org", labelPart)
	params := map[string]any{"org": orgID}
	if projectIDs != nil {
		match += " AND n.project_id IN $projects"
		params["projects"] = projectIDs
	}

	limit = coerceLimit(limit, defaultListLimit)
	offset = coerceOffset(offset)
	countQuery := match + " RETURN count(n) AS total"
	pageQuery := match + " RETURN n ORDER BY n.updated_at DESC, n.uuid" + pageClause(limit, offset)

	return s.readEntityPage(ctx, countQuery, pageQuery, params)
}

// ListEpisodes pages learning episodes by occurrence time, newest first.
// Episodes without a recorded occurrence fall back to their write time.
func (s *Store) ListEpisodes(ctx context.Context, orgID string, since, until time.Time, limit, offset int) ([]domain.Entity, int, error) {
	label, err := entityLabel(domain.EntityEpisode)
	if err != nil {
		return nil, 0, err
	}
	match := fmt.Sprintf(`
MATCH (n:Entity:%s) WHERE n.group_id = $org
WITH n, coalesce(n.valid_from, n.created_at) AS occurred
WHERE ($since IS NULL OR occurred >= $since) AND ($until IS NULL OR occurred <= $until)`, label)

	params := map[string]any{"org": orgID, "since": nil, "until": nil}
	if !since.IsZero() {
		params["since"] = since.UTC()
	}
	if !until.IsZero() {
		params["until"] = until.UTC()
	}

	limit = coerceLimit(limit, defaultListLimit)
	offset = coerceOffset(offset)
	countQuery := match + " RETURN count(n) AS total"
	pageQuery := match + " RETURN n ORDER BY occurred DESC, n.uuid" + pageClause(limit, offset)

	return s.readEntityPage(ctx, countQuery, pageQuery, params)
}

// readEntityPage runs a count and a page query in one read transaction so
// the pair sees a consistent snapshot.
func (s *Store) readEntityPage(ctx context.Context, countQuery, pageQuery string, params map[string]any) ([]domain.Entity, int, error) {
	type page struct {
		entities []domain.Entity
		total    int
	}
	out, err := s.readTx(ctx, func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error) {
		countRes, err := tx.Run(ctx, countQuery, params)
		if err != nil {
			return nil, err
		}
		countRec, err := countRes.Single(ctx)
		if err != nil {
			return nil, err
		}
		total, _ := countRec.Get("total")

		pageRes, err := tx.Run(ctx, pageQuery, params)
		if err != nil {
			return nil, err
		}
		records, err := pageRes.Collect(ctx)
		if err != nil {
			return nil, err
		}
		p := page{total: asInt(total), entities: make([]domain.Entity, 0, len(records))}
		for _, rec := range records {
			if node, ok := recordNode(rec, "n"); ok {
				p.entities = append(p.entities, parseEntityNode(node))
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, 0, err
	}
	p := out.(page)
	return p.entities, p.total, nil
}

// vectorOverfetch compensates for post-index tenant filtering: the vector
// index ranks globally, so the query requests extra neighbors and trims
// after the group filter.
const (
	vectorOverfetch    = 5
	vectorOverfetchCap = 1000
)

// VectorSearchEntities returns the k nearest entities by cosine
// similarity, scoped to one org.
func (s *Store) VectorSearchEntities(ctx context.Context, orgID string, vector []float32, k int, minScore float64) ([]search.EntityHit, error) {
	if len(vector) == 0 {
		return nil, appErrors.NewValidation("query vector cannot be empty")
	}
	k = coerceLimit(k, defaultListLimit)
	fetch := k * vectorOverfetch
	if fetch > vectorOverfetchCap {
		fetch = vectorOverfetchCap
	}

	records, err := s.read(ctx, `
CALL db.index.vector.queryNodes('entity_embedding', $fetch, $vector)
YIELD node, score
WHERE node.group_id = $org AND score >= $min
RETURN node, score
ORDER BY score DESC`,
		map[string]any{
			"fetch":  fetch,
			"vector": floatList(vector),
			"org":    orgID,
			"min":    minScore,
		})
	if err != nil {
		return nil, err
	}

	hits := make([]search.EntityHit, 0, k)
	for _, rec := range records {
		if len(hits) == k {
			break
		}
		node, ok := recordNode(rec, "node")
		if !ok {
			continue
		}
		score, _ := rec.Get("score")
		hits = append(hits, search.EntityHit{Entity: parseEntityNode(node), Score: asFloat(score)})
	}
	return hits, nil
}

// SearchEntities runs the entity fulltext index over name, description,
// and content. Query operators are escaped; terms match literally.
func (s *Store) SearchEntities(ctx context.Context, orgID, query string, k int) ([]search.EntityHit, error) {
	sanitized := sanitizeFulltext(query)
	if sanitized == "" {
		return nil, nil
	}
	k = coerceLimit(k, defaultListLimit)

	records, err := s.read(ctx, fmt.Sprintf(`
CALL db.index.fulltext.queryNodes('entity_text', $query)
YIELD node, score
WHERE node.group_id = $org
RETURN node, score
ORDER BY score DESC
LIMIT %d`, k),
		map[string]any{"query": sanitized, "org": orgID})
	if err != nil {
		return nil, err
	}

	hits := make([]search.EntityHit, 0, len(records))
	for _, rec := range records {
		node, ok := recordNode(rec, "node")
		if !ok {
			continue
		}
		score, _ := rec.Get("score")
		hits = append(hits, search.EntityHit{Entity: parseEntityNode(node), Score: asFloat(score)})
	}
	return hits, nil
}

// CountsByType returns per-type entity counts for one org.
func (s *Store) CountsByType(ctx context.Context, orgID string) (map[domain.EntityType]int, error) {
	records, err := s.read(ctx, `
MATCH (n:Entity) WHERE n.group_id = $org
RETURN n.entity_type AS type, count(*) AS count`,
		map[string]any{"org": orgID})
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.EntityType]int, len(records))
	for _, rec := range records {
		t, _ := rec.Get("type")
		c, _ := rec.Get("count")
		counts[domain.EntityType(asString(t))] = asInt(c)
	}
	return counts, nil
}

// LoadIndexDocs supplies every entity's searchable text for the keyword
// index. Matches search.DocumentLoader.
func (s *Store) LoadIndexDocs(ctx context.Context, orgID string) ([]search.IndexDoc, error) {
	records, err := s.read(ctx, `
MATCH (n:Entity) WHERE n.group_id = $org
RETURN n.uuid AS ref, n.name AS name, n.description AS description, n.content AS content`,
		map[string]any{"org": orgID})
	if err != nil {
		return nil, err
	}
	docs := make([]search.IndexDoc, 0, len(records))
	for _, rec := range records {
		ref, _ := rec.Get("ref")
		name, _ := rec.Get("name")
		description, _ := rec.Get("description")
		content, _ := rec.Get("content")
		text := joinNonEmpty(asString(name), asString(description), asString(content))
		if asString(ref) == "" || text == "" {
			continue
		}
		docs = append(docs, search.IndexDoc{Ref: asString(ref), Text: text})
	}
	return docs, nil
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}

// BatchCreateEntities upserts entities in bulk, one UNWIND statement per
// entity type, all inside one transaction under the org write lock.
// Existing IDs are left untouched. Returns the number of rows processed.
func (s *Store) BatchCreateEntities(ctx context.Context, orgID string, entities []domain.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	byType := make(map[domain.EntityType][]map[string]any)
	for i := range entities {
		e := entities[i]
		if e.OrganizationID != orgID {
			return 0, appErrors.NewValidation("batch contains an entity from another organization")
		}
		if err := e.Validate(); err != nil {
			return 0, err
		}
		if e.ID == "" {
			return 0, appErrors.NewValidation("entity ID cannot be empty")
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		byType[e.Type] = append(byType[e.Type], map[string]any{
			"uuid":  e.ID,
			"props": nodeProps(e),
		})
	}

	var processed int
	err := s.withOrgWriteLock(ctx, orgID, func(ctx context.Context) error {
		_, txErr := s.writeTx(ctx, func(ctx context.Context, tx neo4j.ManagedTransaction) (any, error) {
			for entityType, rows := range byType {
				label, err := entityLabel(entityType)
				if err != nil {
					return nil, err
				}
				query := fmt.Sprintf(`
UNWIND $rows AS row
MERGE (n:Entity {uuid: row.uuid})
ON CREATE SET n = row.props, n:%s
RETURN count(n) AS processed`, label)
				res, err := tx.Run(ctx, query, map[string]any{"rows": rows})
				if err != nil {
					return nil, err
				}
				rec, err := res.Single(ctx)
				if err != nil {
					return nil, err
				}
				n, _ := rec.Get("processed")
				processed += asInt(n)
			}
			return nil, nil
		})
		return txErr
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// BatchUpdateEntities overwrites mutable fields in bulk. Rows whose IDs
// no longer exist are skipped. Returns the number of entities updated.
func (s *Store) BatchUpdateEntities(ctx context.Context, orgID string, entities []domain.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([]map[string]any, 0, len(entities))
	for i := range entities {
		e := entities[i]
		if e.OrganizationID != orgID {
			return 0, appErrors.NewValidation("batch contains an entity from another organization")
		}
		if err := e.Validate(); err != nil {
			return 0, err
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		rows = append(rows, map[string]any{
			"uuid":  e.ID,
			"props": mutableProps(e),
		})
	}

	var updated int
	err := s.withOrgWriteLock(ctx, orgID, func(ctx context.Context) error {
		records, err := s.write(ctx, `
UNWIND $rows AS row
MATCH (n:Entity {uuid: row.uuid, group_id: $org})
SET n += row.props
RETURN count(n) AS updated`,
			map[string]any{"rows": rows, "org": orgID})
		if err != nil {
			return err
		}
		if len(records) > 0 {
			n, _ := records[0].Get("updated")
			updated = asInt(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// BatchDeleteEntities removes entities and their edges in bulk. Missing
// IDs are skipped. Returns the number of entities deleted.
func (s *Store) BatchDeleteEntities(ctx context.Context, orgID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int
	err := s.withOrgWriteLock(ctx, orgID, func(ctx context.Context) error {
		records, err := s.write(ctx, `
MATCH (n:Entity) WHERE n.uuid IN $ids AND n.group_id = $org
DETACH DELETE n
RETURN count(*) AS deleted`,
			map[string]any{"ids": ids, "org": orgID})
		if err != nil {
			return err
		}
		if len(records) > 0 {
			n, _ := records[0].Get("deleted")
			deleted = asInt(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
