package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Embedder produces dense query vectors. Implementations live in the llm
// package; tests use fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EntityHit is a scored graph entity.
type EntityHit struct {
	Entity domain.Entity
	Score  float64
}

// EdgeHit is a scored relationship from the fulltext edge index, with the
// endpoint IDs read directly off the index result.
type EdgeHit struct {
	Edge  domain.Relationship
	Score float64
}

// TraversalNode is one visited node with its path from the origin.
type TraversalNode struct {
	Entity       domain.Entity
	Depth        int
	RelationPath []string
}

// TraversalResult carries both the visited nodes and the edges walked,
// so dependency analysis can rebuild the subgraph.
type TraversalResult struct {
	Nodes []TraversalNode
	Edges []domain.Relationship
}

// GraphReader is the slice of the graph store the search pipeline needs.
type GraphReader interface {
	GetEntity(ctx context.Context, orgID, id string) (domain.Entity, error)
	GetEntities(ctx context.Context, orgID string, ids []string) ([]domain.Entity, error)
	VectorSearchEntities(ctx context.Context, orgID string, vector []float32, k int, minScore float64) ([]EntityHit, error)
	FulltextSearchEdges(ctx context.Context, orgID, query string, k int) ([]EdgeHit, error)
	ListByType(ctx context.Context, orgID string, entityType domain.EntityType, projectIDs []string, limit, offset int) ([]domain.Entity, int, error)
	Traverse(ctx context.Context, orgID, sourceID string, types []domain.RelationshipType, maxDepth int, direction domain.TraversalDirection) (TraversalResult, error)
	ListEdgesByTypes(ctx context.Context, orgID string, types []domain.RelationshipType, projectID string) ([]domain.Relationship, error)
	ListEpisodes(ctx context.Context, orgID string, since, until time.Time, limit, offset int) ([]domain.Entity, int, error)
}

// ChunkHit is a scored document chunk with enough document metadata to
// render a result.
type ChunkHit struct {
	Chunk         domain.Chunk
	DocumentTitle string
	DocumentURL   string
	SourceID      string
	ProjectID     string
	UpdatedAt     time.Time
	Score         float64
}

// ChunkFilter scopes chunk-store queries.
type ChunkFilter struct {
	Access    domain.AccessFilter
	SourceIDs []string
	Language  string
	ChunkType domain.ChunkType
	Since     *time.Time
	MinScore  float64
}

// ChunkSearcher is the slice of the chunk store the search pipeline needs.
type ChunkSearcher interface {
	VectorSearchChunks(ctx context.Context, filter ChunkFilter, vector []float32, k int) ([]ChunkHit, error)
	KeywordSearchChunks(ctx context.Context, filter ChunkFilter, query string, k int) ([]ChunkHit, error)
}

// Engine composes the retrieval primitives over the stores and applies
// project-scoped filtering. One instance serves all tenants.
type Engine struct {
	bm25     *BM25Index
	graph    GraphReader
	chunks   ChunkSearcher
	embedder Embedder
	reranker Reranker

	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	decay       DecayParameters
	rerankDepth int
	channelK    int
}

// EngineOption tunes engine construction.
type EngineOption func(*Engine)

// WithDecayParameters overrides the temporal decay defaults.
func WithDecayParameters(p DecayParameters) EngineOption {
	return func(e *Engine) { e.decay = p }
}

// WithRerankDepth overrides how many candidates the cross-encoder sees.
func WithRerankDepth(depth int) EngineOption {
	return func(e *Engine) { e.rerankDepth = depth }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer attaches a tracer for per-stage spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine wires the unified search pipeline. The reranker may be nil
// (enhanced mode then degrades to fused order); everything else is
// required.
func NewEngine(bm25 *BM25Index, graph GraphReader, chunks ChunkSearcher, embedder Embedder, reranker Reranker, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if bm25 == nil {
		return nil, appErrors.NewValidation("engine requires a keyword index")
	}
	if graph == nil {
		return nil, appErrors.NewValidation("engine requires a graph reader")
	}
	if chunks == nil {
		return nil, appErrors.NewValidation("engine requires a chunk searcher")
	}
	if embedder == nil {
		return nil, appErrors.NewValidation("engine requires an embedder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		bm25:        bm25,
		graph:       graph,
		chunks:      chunks,
		embedder:    embedder,
		reranker:    reranker,
		logger:      logger,
		decay:       DefaultDecayParameters,
		rerankDepth: DefaultRerankDepth,
		channelK:    MaxLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) applyDefaults(opts *Options) {
	// A nil limit means the caller wants a default page; an explicit
	// zero is kept, so totals can be fetched without items.
	limit := DefaultLimit
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	opts.Limit = &limit
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.GraphWeight == 0 {
		opts.GraphWeight = 1.0
	}
	if opts.DocumentWeight == 0 {
		opts.DocumentWeight = 1.0
	}
}

// Search runs the unified pipeline for one tenant. The accessible-project
// set inside access was resolved upstream; a nil set means the migration
// window where readers do not filter by project.
func (e *Engine) Search(ctx context.Context, access domain.AccessFilter, query string, opts Options) (*Response, error) {
	started := time.Now()
	if access.OrgID == "" {
		return nil, appErrors.NewAuthorization(appErrors.CodeNoOrgContext, "search requires an organization context")
	}
	e.applyDefaults(&opts)

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "search.unified",
			trace.WithAttributes(
				attribute.String("org_id", access.OrgID),
				attribute.Bool("include_graph", opts.IncludeGraph),
				attribute.Bool("include_documents", opts.IncludeDocuments),
			))
		defer span.End()
	}

	// A requested project outside the accessible set is an explicit 403,
	// never a silent emptying.
	if opts.ProjectID != "" && !access.AllowsProject(opts.ProjectID) {
		return nil, appErrors.NewAuthorization(appErrors.CodeProjectAccessDenied, "no access to requested project").
			WithDetail("project_id", opts.ProjectID).
			WithDetail("required_role", string(domain.ProjectRoleViewer))
	}

	// Neither store requested: an empty response, not an error.
	if !opts.IncludeGraph && !opts.IncludeDocuments {
		return &Response{Items: []Item{}, Query: query, TookMS: time.Since(started).Milliseconds()}, nil
	}

	query = strings.TrimSpace(query)
	if query == "" {
		// Semantic channels are skipped entirely; only the graph listing
		// remains meaningful.
		return e.emptyQueryListing(ctx, access, opts, started)
	}

	queryVector := e.embedQuery(ctx, query)

	var (
		graphItems []Item
		docItems   []Item
		channels   int
		failures   int
		mu         sync.Mutex
	)

	var wg sync.WaitGroup
	if opts.IncludeGraph {
		channels++
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := e.searchGraph(ctx, access, query, queryVector, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				e.logger.Warn("graph search channel failed",
					zap.String("org_id", access.OrgID), zap.Error(err))
				return
			}
			graphItems = items
		}()
	}
	if opts.IncludeDocuments {
		channels++
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := e.searchDocuments(ctx, access, query, queryVector, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				e.logger.Warn("document search channel failed",
					zap.String("org_id", access.OrgID), zap.Error(err))
				return
			}
			docItems = items
		}()
	}
	wg.Wait()

	if failures == channels {
		return nil, appErrors.NewInternal("all search channels failed", nil)
	}

	merged := e.fuseStores(graphItems, docItems, opts)

	if opts.BoostRecent {
		ApplyDecay(merged, time.Now(), e.decay)
		stableResort(merged)
	}
	if opts.UseEnhanced {
		merged = rerankItems(ctx, e.reranker, e.logger, query, merged, e.rerankDepth)
	}

	resp := paginate(merged, *opts.Limit, opts.Offset)
	resp.Query = query
	resp.TookMS = time.Since(started).Milliseconds()

	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())
		e.metrics.SearchResults.WithLabelValues("merged").Observe(float64(resp.Total))
	}
	if !opts.IncludeContent {
		for i := range resp.Items {
			resp.Items[i].Content = ""
		}
	}
	return resp, nil
}

// embedQuery returns nil when embedding fails; vector channels then sit
// out and the keyword channels still produce results.
func (e *Engine) embedQuery(ctx context.Context, query string) []float32 {
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed, continuing with keyword channels only", zap.Error(err))
		return nil
	}
	return vector
}

// searchGraph fans out the three graph channels concurrently and fuses
// them into one ranked list.
func (e *Engine) searchGraph(ctx context.Context, access domain.AccessFilter, query string, queryVector []float32, opts Options) ([]Item, error) {
	var (
		bm25Hits   []EntityHit
		vectorHits []EntityHit
		edgeHits   []EdgeHit
		mu         sync.Mutex
		attempted  int
		failed     int
	)

	var wg sync.WaitGroup
	run := func(name string, fn func() error) {
		attempted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				e.logger.Warn("graph channel failed", zap.String("channel", name), zap.Error(err))
			}
		}()
	}

	run("bm25", func() error {
		refs, err := e.bm25.Search(ctx, access.OrgID, query, e.channelK)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		ids := make([]string, len(refs))
		scores := make(map[string]float64, len(refs))
		for i, r := range refs {
			ids[i] = r.Ref
			scores[r.Ref] = r.Score
		}
		entities, err := e.graph.GetEntities(ctx, access.OrgID, ids)
		if err != nil {
			return err
		}
		hits := make([]EntityHit, 0, len(entities))
		for _, ent := range entities {
			hits = append(hits, EntityHit{Entity: ent, Score: scores[ent.ID]})
		}
		// Restore BM25 rank order lost by batch hydration.
		sortEntityHits(hits)
		mu.Lock()
		bm25Hits = hits
		mu.Unlock()
		return nil
	})

	if queryVector != nil {
		run("vector", func() error {
			hits, err := e.graph.VectorSearchEntities(ctx, access.OrgID, queryVector, e.channelK, 0)
			if err != nil {
				return err
			}
			mu.Lock()
			vectorHits = hits
			mu.Unlock()
			return nil
		})
	}

	run("edges", func() error {
		hits, err := e.graph.FulltextSearchEdges(ctx, access.OrgID, query, e.channelK)
		if err != nil {
			return err
		}
		mu.Lock()
		edgeHits = hits
		mu.Unlock()
		return nil
	})

	wg.Wait()
	if failed == attempted {
		return nil, appErrors.NewInternal("all graph channels failed", nil)
	}

	typeFilter := makeTypeFilter(opts.EntityTypes)
	keep := func(ent domain.Entity) bool {
		if ent.OrganizationID != access.OrgID {
			return false
		}
		if typeFilter != nil && !typeFilter[ent.Type] {
			return false
		}
		if opts.ProjectID != "" && ent.ProjectID != opts.ProjectID {
			return false
		}
		if opts.Category != "" && metadataString(ent.Metadata, "category") != opts.Category {
			return false
		}
		return access.AllowsProject(ent.ProjectID)
	}

	bm25List := make([]Item, 0, len(bm25Hits))
	for _, h := range bm25Hits {
		if keep(h.Entity) {
			bm25List = append(bm25List, entityItem(h.Entity, h.Score))
		}
	}
	vectorList := make([]Item, 0, len(vectorHits))
	for _, h := range vectorHits {
		if keep(h.Entity) {
			vectorList = append(vectorList, entityItem(h.Entity, h.Score))
		}
	}

	// Edge hits resolve to their endpoint entities; the endpoints are
	// hydrated in one batch and filtered like any other entity.
	edgeList := e.resolveEdgeHits(ctx, access.OrgID, edgeHits, keep)

	if e.metrics != nil {
		e.metrics.SearchResults.WithLabelValues("graph_bm25").Observe(float64(len(bm25List)))
		e.metrics.SearchResults.WithLabelValues("graph_vector").Observe(float64(len(vectorList)))
		e.metrics.SearchResults.WithLabelValues("graph_edges").Observe(float64(len(edgeList)))
	}

	fused := FuseRRF([]RankedList[Item]{
		{Items: bm25List},
		{Items: vectorList},
		{Items: edgeList},
	}, FuseOptions[Item]{Key: itemKey})

	out := make([]Item, len(fused))
	for i, f := range fused {
		out[i] = f.Item
		out[i].Score = f.Score
	}
	return out, nil
}

// resolveEdgeHits maps fulltext edge matches onto their source entities,
// preserving the index's rank order.
func (e *Engine) resolveEdgeHits(ctx context.Context, orgID string, hits []EdgeHit, keep func(domain.Entity) bool) []Item {
	if len(hits) == 0 {
		return nil
	}
	ids := make([]string, 0, len(hits)*2)
	seen := make(map[string]struct{}, len(hits)*2)
	for _, h := range hits {
		for _, id := range []string{h.Edge.SourceID, h.Edge.TargetID} {
			if _, ok := seen[id]; !ok && id != "" {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	entities, err := e.graph.GetEntities(ctx, orgID, ids)
	if err != nil {
		e.logger.Warn("failed to hydrate edge endpoints", zap.Error(err))
		return nil
	}
	byID := make(map[string]domain.Entity, len(entities))
	for _, ent := range entities {
		byID[ent.ID] = ent
	}

	out := make([]Item, 0, len(hits))
	emitted := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		ent, ok := byID[h.Edge.SourceID]
		if !ok {
			continue
		}
		if _, dup := emitted[ent.ID]; dup {
			continue
		}
		if !keep(ent) {
			continue
		}
		emitted[ent.ID] = struct{}{}
		item := entityItem(ent, h.Score)
		if h.Edge.Fact != "" {
			item.Snippet = h.Edge.Fact
		}
		out = append(out, item)
	}
	return out
}

// searchDocuments fans out the two chunk channels concurrently and fuses
// them.
func (e *Engine) searchDocuments(ctx context.Context, access domain.AccessFilter, query string, queryVector []float32, opts Options) ([]Item, error) {
	filter := ChunkFilter{
		Access:    access,
		SourceIDs: opts.SourceIDs,
		Language:  opts.Language,
	}
	if opts.ProjectID != "" {
		filter.Access.Projects = domain.NewProjectSet(opts.ProjectID)
	}
	if opts.Recency != nil {
		since := opts.Recency.Since
		filter.Since = &since
	}

	var (
		vectorHits  []ChunkHit
		keywordHits []ChunkHit
		mu          sync.Mutex
		attempted   int
		failed      int
		wg          sync.WaitGroup
	)
	run := func(name string, fn func() error) {
		attempted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				e.logger.Warn("document channel failed", zap.String("channel", name), zap.Error(err))
			}
		}()
	}

	if queryVector != nil {
		run("chunk_vector", func() error {
			hits, err := e.chunks.VectorSearchChunks(ctx, filter, queryVector, e.channelK)
			if err != nil {
				return err
			}
			mu.Lock()
			vectorHits = hits
			mu.Unlock()
			return nil
		})
	}
	run("chunk_bm25", func() error {
		hits, err := e.chunks.KeywordSearchChunks(ctx, filter, query, e.channelK)
		if err != nil {
			return err
		}
		mu.Lock()
		keywordHits = hits
		mu.Unlock()
		return nil
	})

	wg.Wait()
	if failed == attempted {
		return nil, appErrors.NewInternal("all document channels failed", nil)
	}

	vectorList := chunkItems(vectorHits)
	keywordList := chunkItems(keywordHits)

	if e.metrics != nil {
		e.metrics.SearchResults.WithLabelValues("doc_vector").Observe(float64(len(vectorList)))
		e.metrics.SearchResults.WithLabelValues("doc_bm25").Observe(float64(len(keywordList)))
	}

	fused := FuseRRF([]RankedList[Item]{
		{Items: vectorList},
		{Items: keywordList},
	}, FuseOptions[Item]{Key: itemKey})

	out := make([]Item, len(fused))
	for i, f := range fused {
		out[i] = f.Item
		out[i].Score = f.Score
	}
	return out, nil
}

// fuseStores merges the graph and document lists with caller weights.
func (e *Engine) fuseStores(graphItems, docItems []Item, opts Options) []Item {
	if len(graphItems) == 0 && len(docItems) == 0 {
		return []Item{}
	}
	fused := FuseRRF([]RankedList[Item]{
		{Items: graphItems, Weight: opts.GraphWeight},
		{Items: docItems, Weight: opts.DocumentWeight},
	}, FuseOptions[Item]{Key: itemKey})

	out := make([]Item, len(fused))
	for i, f := range fused {
		out[i] = f.Item
		out[i].Score = f.Score
	}
	return out
}

// emptyQueryListing serves the empty-query boundary: semantic channels
// are skipped and only a graph listing is returned.
func (e *Engine) emptyQueryListing(ctx context.Context, access domain.AccessFilter, opts Options, started time.Time) (*Response, error) {
	if !opts.IncludeGraph {
		return &Response{Items: []Item{}, Query: "", TookMS: time.Since(started).Milliseconds()}, nil
	}
	entityType := domain.EntityType("")
	if len(opts.EntityTypes) == 1 {
		entityType = opts.EntityTypes[0]
	}
	entities, total, err := e.graph.ListByType(ctx, access.OrgID, entityType, listProjectFilter(access, opts.ProjectID), *opts.Limit, opts.Offset)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to list entities")
	}
	items := make([]Item, 0, len(entities))
	for _, ent := range entities {
		if !access.AllowsProject(ent.ProjectID) {
			continue
		}
		items = append(items, entityItem(ent, 0))
	}
	hasMore := opts.Offset+len(items) < total
	if *opts.Limit == 0 {
		// The store coerces a zero page to its own default, so the
		// totals-only contract is enforced here.
		items = []Item{}
		hasMore = false
	}
	return &Response{
		Items:       items,
		Total:       total,
		ActualTotal: total,
		HasMore:     hasMore,
		Query:       "",
		TookMS:      time.Since(started).Milliseconds(),
	}, nil
}

// listProjectFilter pushes the accessible set into listing queries.
// Migration mode returns nil (no filter).
func listProjectFilter(access domain.AccessFilter, explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	if access.Projects == nil {
		return nil
	}
	// Unassigned entities resolve to shared-project permissions, so the
	// empty project id rides along whenever the shared project is
	// accessible.
	ids := access.Projects.IDs()
	if access.SharedProjectID == "" || access.Projects.Contains(access.SharedProjectID) {
		ids = append(ids, "")
	}
	return ids
}

func paginate(items []Item, limit, offset int) *Response {
	total := len(items)
	if limit <= 0 {
		return &Response{Items: []Item{}, Total: total, ActualTotal: total, HasMore: false}
	}
	if offset >= total {
		return &Response{Items: []Item{}, Total: total, ActualTotal: total, HasMore: false}
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]Item, end-offset)
	copy(page, items[offset:end])
	return &Response{
		Items:       page,
		Total:       total,
		ActualTotal: total,
		HasMore:     end < total,
	}
}

func itemKey(i Item) string { return i.ID }

func makeTypeFilter(types []domain.EntityType) map[domain.EntityType]bool {
	if len(types) == 0 {
		return nil
	}
	f := make(map[domain.EntityType]bool, len(types))
	for _, t := range types {
		f[t] = true
	}
	return f
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

const snippetLength = 200

func makeSnippet(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= snippetLength {
		return text
	}
	cut := string(runes[:snippetLength])
	if idx := strings.LastIndexByte(cut, ' '); idx > snippetLength/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

func entityItem(ent domain.Entity, score float64) Item {
	snippet := ent.Description
	if snippet == "" {
		snippet = ent.Content
	}
	ts := ent.UpdatedAt
	// Episodes decay by their valid-from time, not the write time.
	if raw := metadataString(ent.Metadata, "valid_from"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	return Item{
		Origin:    OriginGraph,
		Type:      string(ent.Type),
		ID:        ent.ID,
		Name:      ent.Name,
		Snippet:   makeSnippet(snippet),
		Content:   ent.Content,
		Score:     score,
		ProjectID: ent.ProjectID,
		Timestamp: ts,
		Metadata:  ent.Metadata,
	}
}

func chunkItems(hits []ChunkHit) []Item {
	out := make([]Item, 0, len(hits))
	for _, h := range hits {
		out = append(out, Item{
			Origin:    OriginDocument,
			Type:      string(h.Chunk.Type),
			ID:        h.Chunk.ID,
			Name:      h.DocumentTitle,
			Snippet:   makeSnippet(h.Chunk.Text),
			Content:   h.Chunk.Text,
			Score:     h.Score,
			ProjectID: h.ProjectID,
			SourceID:  h.SourceID,
			URL:       h.DocumentURL,
			Timestamp: h.UpdatedAt,
		})
	}
	return out
}

func sortEntityHits(hits []EntityHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
}

func stableResort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
}
