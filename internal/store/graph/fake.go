package graph

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Fake is an in-memory graph store for unit tests. It mirrors the real
// store's semantics: org-scoped reads, idempotent creates, duplicate-edge
// elision, and bounded traversal. Error injection works per method name.
type Fake struct {
	mu sync.RWMutex

	entities map[string]domain.Entity       // entity ID -> entity
	edges    map[string]domain.Relationship // edge ID -> edge

	shouldFailOn map[string]error
}

// NewFake creates an empty in-memory graph store.
func NewFake() *Fake {
	return &Fake{
		entities:     make(map[string]domain.Entity),
		edges:        make(map[string]domain.Relationship),
		shouldFailOn: make(map[string]error),
	}
}

// SetError configures the fake to return an error for a specific method.
func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFailOn[method] = err
}

// ClearErrors removes all configured errors.
func (f *Fake) ClearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFailOn = make(map[string]error)
}

func (f *Fake) checkError(method string) error {
	if err, exists := f.shouldFailOn[method]; exists {
		return err
	}
	return nil
}

func (f *Fake) CreateEntity(ctx context.Context, e domain.Entity) (domain.Entity, bool, error) {
	stored, created, _, err := f.CreateEntityWithRelationships(ctx, e, nil)
	return stored, created, err
}

func (f *Fake) CreateEntityWithRelationships(ctx context.Context, e domain.Entity, rels []domain.Relationship) (domain.Entity, bool, []domain.Relationship, error) {
	if err := f.checkError("CreateEntityWithRelationships"); err != nil {
		return domain.Entity{}, false, nil, err
	}
	if err := e.Validate(); err != nil {
		return domain.Entity{}, false, nil, err
	}
	if e.ID == "" {
		return domain.Entity{}, false, nil, appErrors.NewValidation("entity ID cannot be empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	stored, created := e, true
	if existing, exists := f.entities[e.ID]; exists {
		if existing.OrganizationID != e.OrganizationID {
			return domain.Entity{}, false, nil, appErrors.NewConflict("entity ID already exists")
		}
		stored, created = existing, false
	} else {
		f.entities[e.ID] = e
	}

	merged := make([]domain.Relationship, 0, len(rels))
	for i := range rels {
		r := rels[i]
		if err := r.Validate(); err != nil {
			return domain.Entity{}, false, nil, err
		}
		edge, _, ok := f.mergeEdgeLocked(r)
		if !ok {
			continue // endpoint missing, row drops like UNWIND MATCH would
		}
		merged = append(merged, edge)
	}
	return stored, created, merged, nil
}

// mergeEdgeLocked upserts one edge under f.mu. Returns the stored edge,
// whether it was created, and whether both endpoints existed.
func (f *Fake) mergeEdgeLocked(r domain.Relationship) (domain.Relationship, bool, bool) {
	source, sok := f.entities[r.SourceID]
	target, tok := f.entities[r.TargetID]
	if !sok || !tok ||
		source.OrganizationID != r.OrganizationID ||
		target.OrganizationID != r.OrganizationID {
		return domain.Relationship{}, false, false
	}
	for _, existing := range f.edges {
		if existing.OrganizationID == r.OrganizationID &&
			existing.SourceID == r.SourceID &&
			existing.TargetID == r.TargetID &&
			existing.Type == r.Type {
			return existing, false, true
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	f.edges[r.ID] = r
	return r, true, true
}

func (f *Fake) CreateRelationship(ctx context.Context, r domain.Relationship) (domain.Relationship, bool, error) {
	if err := f.checkError("CreateRelationship"); err != nil {
		return domain.Relationship{}, false, err
	}
	if err := r.Validate(); err != nil {
		return domain.Relationship{}, false, err
	}
	if r.ID == "" {
		return domain.Relationship{}, false, appErrors.NewValidation("relationship ID cannot be empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	edge, created, ok := f.mergeEdgeLocked(r)
	if !ok {
		return domain.Relationship{}, false, appErrors.NewNotFound("source or target entity not found")
	}
	return edge, created, nil
}

func (f *Fake) GetEntity(ctx context.Context, orgID, id string) (domain.Entity, error) {
	if err := f.checkError("GetEntity"); err != nil {
		return domain.Entity{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, exists := f.entities[id]
	if !exists || e.OrganizationID != orgID {
		return domain.Entity{}, appErrors.NewNotFound("entity not found").WithDetail("entity_id", id)
	}
	return e, nil
}

func (f *Fake) GetEntities(ctx context.Context, orgID string, ids []string) ([]domain.Entity, error) {
	if err := f.checkError("GetEntities"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		if e, exists := f.entities[id]; exists && e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Fake) UpdateEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	if err := f.checkError("UpdateEntity"); err != nil {
		return domain.Entity{}, err
	}
	if err := e.Validate(); err != nil {
		return domain.Entity{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	existing, exists := f.entities[e.ID]
	if !exists || existing.OrganizationID != e.OrganizationID {
		return domain.Entity{}, appErrors.NewNotFound("entity not found").WithDetail("entity_id", e.ID)
	}

	updated := existing
	updated.ProjectID = e.ProjectID
	updated.Name = e.Name
	updated.Description = e.Description
	updated.Content = e.Content
	updated.Metadata = e.Metadata
	if e.Embedding != nil {
		updated.Embedding = e.Embedding
	}
	updated.UpdatedAt = e.UpdatedAt
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now().UTC()
	}
	f.entities[e.ID] = updated
	return updated, nil
}

func (f *Fake) DeleteEntity(ctx context.Context, orgID, id string) (int, error) {
	if err := f.checkError("DeleteEntity"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, exists := f.entities[id]
	if !exists || e.OrganizationID != orgID {
		return 0, appErrors.NewNotFound("entity not found").WithDetail("entity_id", id)
	}
	delete(f.entities, id)

	removed := 0
	for edgeID, edge := range f.edges {
		if edge.SourceID == id || edge.TargetID == id {
			delete(f.edges, edgeID)
			removed++
		}
	}
	return removed, nil
}

func (f *Fake) ListByType(ctx context.Context, orgID string, entityType domain.EntityType, projectIDs []string, limit, offset int) ([]domain.Entity, int, error) {
	if err := f.checkError("ListByType"); err != nil {
		return nil, 0, err
	}
	if entityType != "" && !domain.IsValidEntityType(entityType) {
		return nil, 0, appErrors.NewValidationf("unknown entity type %q", entityType)
	}

	var projectSet map[string]struct{}
	if projectIDs != nil {
		projectSet = make(map[string]struct{}, len(projectIDs))
		for _, id := range projectIDs {
			projectSet[id] = struct{}{}
		}
	}

	f.mu.RLock()
	matched := make([]domain.Entity, 0)
	for _, e := range f.entities {
		if e.OrganizationID != orgID {
			continue
		}
		if entityType != "" && e.Type != entityType {
			continue
		}
		if projectSet != nil {
			if _, ok := projectSet[e.ProjectID]; !ok {
				continue
			}
		}
		matched = append(matched, e)
	}
	f.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	return pageEntities(matched, limit, offset), total, nil
}

func (f *Fake) ListEpisodes(ctx context.Context, orgID string, since, until time.Time, limit, offset int) ([]domain.Entity, int, error) {
	if err := f.checkError("ListEpisodes"); err != nil {
		return nil, 0, err
	}

	f.mu.RLock()
	type timed struct {
		entity   domain.Entity
		occurred time.Time
	}
	matched := make([]timed, 0)
	for _, e := range f.entities {
		if e.OrganizationID != orgID || e.Type != domain.EntityEpisode {
			continue
		}
		occurred := e.CreatedAt
		if raw, ok := e.Metadata["valid_from"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
				occurred = parsed
			}
		}
		if !since.IsZero() && occurred.Before(since) {
			continue
		}
		if !until.IsZero() && occurred.After(until) {
			continue
		}
		matched = append(matched, timed{entity: e, occurred: occurred})
	}
	f.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].occurred.Equal(matched[j].occurred) {
			return matched[i].occurred.After(matched[j].occurred)
		}
		return matched[i].entity.ID < matched[j].entity.ID
	})
	entities := make([]domain.Entity, len(matched))
	for i, m := range matched {
		entities[i] = m.entity
	}
	total := len(entities)
	return pageEntities(entities, limit, offset), total, nil
}

func pageEntities(entities []domain.Entity, limit, offset int) []domain.Entity {
	limit = coerceLimit(limit, defaultListLimit)
	offset = coerceOffset(offset)
	if offset >= len(entities) {
		return []domain.Entity{}
	}
	end := offset + limit
	if end > len(entities) {
		end = len(entities)
	}
	return entities[offset:end]
}

func (f *Fake) VectorSearchEntities(ctx context.Context, orgID string, vector []float32, k int, minScore float64) ([]search.EntityHit, error) {
	if err := f.checkError("VectorSearchEntities"); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, appErrors.NewValidation("query vector cannot be empty")
	}
	k = coerceLimit(k, defaultListLimit)

	f.mu.RLock()
	hits := make([]search.EntityHit, 0)
	for _, e := range f.entities {
		if e.OrganizationID != orgID || len(e.Embedding) != len(vector) {
			continue
		}
		score := cosineSimilarity(vector, e.Embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, search.EntityHit{Entity: e, Score: score})
	}
	f.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *Fake) SearchEntities(ctx context.Context, orgID, query string, k int) ([]search.EntityHit, error) {
	if err := f.checkError("SearchEntities"); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	k = coerceLimit(k, defaultListLimit)

	f.mu.RLock()
	hits := make([]search.EntityHit, 0)
	for _, e := range f.entities {
		if e.OrganizationID != orgID {
			continue
		}
		text := strings.ToLower(e.SearchableText())
		if strings.Contains(text, query) {
			hits = append(hits, search.EntityHit{Entity: e, Score: 1})
		}
	}
	f.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Entity.ID < hits[j].Entity.ID })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *Fake) FulltextSearchEdges(ctx context.Context, orgID, query string, k int) ([]search.EdgeHit, error) {
	if err := f.checkError("FulltextSearchEdges"); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	k = coerceLimit(k, defaultListLimit)

	f.mu.RLock()
	hits := make([]search.EdgeHit, 0)
	for _, edge := range f.edges {
		if edge.OrganizationID != orgID {
			continue
		}
		text := strings.ToLower(string(edge.Type) + " " + edge.Fact)
		if strings.Contains(text, query) {
			hits = append(hits, search.EdgeHit{Edge: edge, Score: 1})
		}
	}
	f.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Edge.ID < hits[j].Edge.ID })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *Fake) ListEdges(ctx context.Context, orgID, entityID string) ([]domain.Relationship, error) {
	if err := f.checkError("ListEdges"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Relationship, 0)
	for _, edge := range f.edges {
		if edge.OrganizationID != orgID {
			continue
		}
		if edge.SourceID == entityID || edge.TargetID == entityID {
			out = append(out, edge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ListEdgesByTypes(ctx context.Context, orgID string, types []domain.RelationshipType, projectID string) ([]domain.Relationship, error) {
	if err := f.checkError("ListEdgesByTypes"); err != nil {
		return nil, err
	}
	typeSet := make(map[domain.RelationshipType]struct{}, len(types))
	for _, t := range types {
		if !domain.IsValidRelationshipType(t) {
			return nil, appErrors.NewValidationf("unknown relationship type %q", t)
		}
		typeSet[t] = struct{}{}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Relationship, 0)
	for _, edge := range f.edges {
		if edge.OrganizationID != orgID {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[edge.Type]; !ok {
				continue
			}
		}
		if projectID != "" {
			source, sok := f.entities[edge.SourceID]
			target, tok := f.entities[edge.TargetID]
			if !sok || !tok || source.ProjectID != projectID || target.ProjectID != projectID {
				continue
			}
		}
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) DeleteRelationship(ctx context.Context, orgID, edgeID string) error {
	if err := f.checkError("DeleteRelationship"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	edge, exists := f.edges[edgeID]
	if !exists || edge.OrganizationID != orgID {
		return appErrors.NewNotFound("relationship not found").WithDetail("edge_id", edgeID)
	}
	delete(f.edges, edgeID)
	return nil
}

func (f *Fake) Traverse(ctx context.Context, orgID, sourceID string, types []domain.RelationshipType, maxDepth int, direction domain.TraversalDirection) (search.TraversalResult, error) {
	if err := f.checkError("Traverse"); err != nil {
		return search.TraversalResult{}, err
	}
	if direction != "" && !domain.IsValidDirection(direction) {
		return search.TraversalResult{}, appErrors.NewValidationf("unknown traversal direction %q", direction)
	}
	maxDepth = coerceDepth(maxDepth)

	typeSet := make(map[domain.RelationshipType]struct{}, len(types))
	for _, t := range types {
		if !domain.IsValidRelationshipType(t) {
			return search.TraversalResult{}, appErrors.NewValidationf("unknown relationship type %q", t)
		}
		typeSet[t] = struct{}{}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	start, exists := f.entities[sourceID]
	if !exists || start.OrganizationID != orgID {
		return search.TraversalResult{}, appErrors.NewNotFound("entity not found").WithDetail("entity_id", sourceID)
	}

	type step struct {
		edge domain.Relationship
		next string
	}
	adjacency := make(map[string][]step)
	for _, edge := range f.edges {
		if edge.OrganizationID != orgID {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[edge.Type]; !ok {
				continue
			}
		}
		switch direction {
		case domain.DirectionIncoming:
			adjacency[edge.TargetID] = append(adjacency[edge.TargetID], step{edge: edge, next: edge.SourceID})
		case domain.DirectionBoth:
			adjacency[edge.SourceID] = append(adjacency[edge.SourceID], step{edge: edge, next: edge.TargetID})
			adjacency[edge.TargetID] = append(adjacency[edge.TargetID], step{edge: edge, next: edge.SourceID})
		default: // outgoing
			adjacency[edge.SourceID] = append(adjacency[edge.SourceID], step{edge: edge, next: edge.TargetID})
		}
	}

	result := search.TraversalResult{
		Nodes: []search.TraversalNode{{Entity: start, Depth: 0}},
	}
	type frame struct {
		id      string
		depth   int
		relpath []string
	}
	visited := map[string]struct{}{sourceID: {}}
	seenEdges := make(map[string]struct{})
	queue := []frame{{id: sourceID}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth == maxDepth {
			continue
		}
		steps := adjacency[current.id]
		sort.Slice(steps, func(i, j int) bool { return steps[i].next < steps[j].next })
		for _, st := range steps {
			if _, done := visited[st.next]; done {
				continue
			}
			next, exists := f.entities[st.next]
			if !exists || next.OrganizationID != orgID {
				continue
			}
			visited[st.next] = struct{}{}
			relpath := append(append([]string{}, current.relpath...), string(st.edge.Type))
			result.Nodes = append(result.Nodes, search.TraversalNode{
				Entity:       next,
				Depth:        current.depth + 1,
				RelationPath: relpath,
			})
			if _, dup := seenEdges[st.edge.ID]; !dup {
				seenEdges[st.edge.ID] = struct{}{}
				result.Edges = append(result.Edges, st.edge)
			}
			queue = append(queue, frame{id: st.next, depth: current.depth + 1, relpath: relpath})
			if len(result.Nodes) > maxTraversalNodes {
				return result, nil
			}
		}
	}
	return result, nil
}

func (f *Fake) BatchCreateEntities(ctx context.Context, orgID string, entities []domain.Entity) (int, error) {
	if err := f.checkError("BatchCreateEntities"); err != nil {
		return 0, err
	}
	for i := range entities {
		if entities[i].OrganizationID != orgID {
			return 0, appErrors.NewValidation("batch contains an entity from another organization")
		}
		if _, _, err := f.CreateEntity(ctx, entities[i]); err != nil {
			return 0, err
		}
	}
	return len(entities), nil
}

func (f *Fake) BatchUpdateEntities(ctx context.Context, orgID string, entities []domain.Entity) (int, error) {
	if err := f.checkError("BatchUpdateEntities"); err != nil {
		return 0, err
	}
	updated := 0
	for i := range entities {
		if entities[i].OrganizationID != orgID {
			return 0, appErrors.NewValidation("batch contains an entity from another organization")
		}
		if _, err := f.UpdateEntity(ctx, entities[i]); err != nil {
			if appErrors.IsNotFound(err) {
				continue
			}
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (f *Fake) BatchDeleteEntities(ctx context.Context, orgID string, ids []string) (int, error) {
	if err := f.checkError("BatchDeleteEntities"); err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if _, err := f.DeleteEntity(ctx, orgID, id); err != nil {
			if appErrors.IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (f *Fake) CountsByType(ctx context.Context, orgID string) (map[domain.EntityType]int, error) {
	if err := f.checkError("CountsByType"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	counts := make(map[domain.EntityType]int)
	for _, e := range f.entities {
		if e.OrganizationID == orgID {
			counts[e.Type]++
		}
	}
	return counts, nil
}

func (f *Fake) CountEdges(ctx context.Context, orgID string) (int, error) {
	if err := f.checkError("CountEdges"); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, edge := range f.edges {
		if edge.OrganizationID == orgID {
			total++
		}
	}
	return total, nil
}

func (f *Fake) LoadIndexDocs(ctx context.Context, orgID string) ([]search.IndexDoc, error) {
	if err := f.checkError("LoadIndexDocs"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	docs := make([]search.IndexDoc, 0, len(f.entities))
	for _, e := range f.entities {
		if e.OrganizationID != orgID {
			continue
		}
		text := e.SearchableText()
		if text == "" {
			continue
		}
		docs = append(docs, search.IndexDoc{Ref: e.ID, Text: text})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Ref < docs[j].Ref })
	return docs, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
