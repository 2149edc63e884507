package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// MaxExploreDepth bounds neighborhood and dependency traversals.
const MaxExploreDepth = 5

// Explore serves the read-only graph exploration modes: flat listings,
// bounded neighborhood traversal, dependency analysis with cycle
// detection, and the episode timeline. Results are flat lists carrying
// each node's depth and relation path from the origin.
func (e *Engine) Explore(ctx context.Context, access domain.AccessFilter, opts ExploreOptions) (*ExploreResponse, error) {
	started := time.Now()
	if access.OrgID == "" {
		return nil, appErrors.NewAuthorization(appErrors.CodeNoOrgContext, "explore requires an organization context")
	}
	if opts.ProjectID != "" && !access.AllowsProject(opts.ProjectID) {
		return nil, appErrors.NewAuthorization(appErrors.CodeProjectAccessDenied, "no access to requested project").
			WithDetail("project_id", opts.ProjectID).
			WithDetail("required_role", string(domain.ProjectRoleViewer))
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "search.explore",
			trace.WithAttributes(
				attribute.String("org_id", access.OrgID),
				attribute.String("mode", string(opts.Mode)),
			))
		defer span.End()
	}

	var (
		resp *ExploreResponse
		err  error
	)
	switch opts.Mode {
	case ExploreList:
		resp, err = e.exploreList(ctx, access, opts)
	case ExploreNeighborhood:
		resp, err = e.exploreNeighborhood(ctx, access, opts)
	case ExploreDependencies:
		resp, err = e.exploreDependencies(ctx, access, opts)
	case ExploreTimeline:
		resp, err = e.exploreTimeline(ctx, access, opts)
	default:
		return nil, appErrors.NewValidationf("unknown explore mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("explore_" + string(opts.Mode)).Observe(time.Since(started).Seconds())
	}
	return resp, nil
}

func (e *Engine) exploreList(ctx context.Context, access domain.AccessFilter, opts ExploreOptions) (*ExploreResponse, error) {
	limit, offset := explorePage(opts.Limit, opts.Offset)
	entities, total, err := e.graph.ListByType(ctx, access.OrgID, opts.EntityType,
		listProjectFilter(access, opts.ProjectID), limit, offset)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to list entities")
	}

	items := make([]ExploreItem, 0, len(entities))
	for _, ent := range entities {
		if !access.AllowsProject(ent.ProjectID) {
			continue
		}
		items = append(items, ExploreItem{Entity: ent})
	}
	return &ExploreResponse{
		Items:   items,
		Total:   total,
		HasMore: offset+len(items) < total,
	}, nil
}

func (e *Engine) exploreNeighborhood(ctx context.Context, access domain.AccessFilter, opts ExploreOptions) (*ExploreResponse, error) {
	if opts.EntityID == "" {
		return nil, appErrors.NewValidation("neighborhood mode requires an entity id")
	}
	result, err := e.graph.Traverse(ctx, access.OrgID, opts.EntityID,
		opts.RelationshipTypes, exploreDepth(opts.Depth), opts.Direction)
	if err != nil {
		return nil, appErrors.Wrap(err, "traversal failed")
	}

	items := e.visibleTraversalItems(result.Nodes, access, opts.ProjectID)
	return &ExploreResponse{Items: items, Total: len(items)}, nil
}

// exploreDependencies traverses the dependency relation pair only and
// reports loops. An entity blocked by its own transitive dependency is a
// planning error the caller surfaces to the user.
func (e *Engine) exploreDependencies(ctx context.Context, access domain.AccessFilter, opts ExploreOptions) (*ExploreResponse, error) {
	if opts.EntityID == "" {
		return nil, appErrors.NewValidation("dependencies mode requires an entity id")
	}
	direction := opts.Direction
	if direction == "" {
		// Dependencies matter in both directions: what this entity needs
		// and what it holds up.
		direction = domain.DirectionBoth
	}
	result, err := e.graph.Traverse(ctx, access.OrgID, opts.EntityID,
		DependencyRelations, exploreDepth(opts.Depth), direction)
	if err != nil {
		return nil, appErrors.Wrap(err, "dependency traversal failed")
	}

	items := e.visibleTraversalItems(result.Nodes, access, opts.ProjectID)
	cycles, err := e.dependencyCycles(ctx, access.OrgID, items)
	if err != nil {
		return nil, err
	}
	return &ExploreResponse{
		Items:  items,
		Total:  len(items),
		Cycles: cycles,
	}, nil
}

// DependencyRelations is the edge pair that carries planning order.
var DependencyRelations = []domain.RelationshipType{domain.RelDependsOn, domain.RelBlocks}

// dependencyCycles runs loop detection over the dependency edges whose
// endpoints both survived visibility filtering. The traversal result is
// not enough for this: it keeps only shortest-path edges, and a spanning
// tree never contains the edge that closes a loop.
func (e *Engine) dependencyCycles(ctx context.Context, orgID string, items []ExploreItem) ([][]string, error) {
	if len(items) < 2 {
		return nil, nil
	}
	visible := make(map[string]struct{}, len(items))
	for _, item := range items {
		visible[item.Entity.ID] = struct{}{}
	}
	edges, err := e.graph.ListEdgesByTypes(ctx, orgID, DependencyRelations, "")
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to load dependency edges")
	}
	induced := make([]domain.Relationship, 0, len(edges))
	for _, edge := range edges {
		if _, ok := visible[edge.SourceID]; !ok {
			continue
		}
		if _, ok := visible[edge.TargetID]; !ok {
			continue
		}
		induced = append(induced, edge)
	}
	return DetectCycles(induced), nil
}

func (e *Engine) exploreTimeline(ctx context.Context, access domain.AccessFilter, opts ExploreOptions) (*ExploreResponse, error) {
	until := opts.Until
	if until.IsZero() {
		until = time.Now()
	}
	if !opts.Since.IsZero() && opts.Since.After(until) {
		return nil, appErrors.NewValidation("timeline window start is after its end")
	}
	limit, offset := explorePage(opts.Limit, opts.Offset)
	episodes, total, err := e.graph.ListEpisodes(ctx, access.OrgID, opts.Since, until, limit, offset)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to list episodes")
	}

	items := make([]ExploreItem, 0, len(episodes))
	for _, ep := range episodes {
		if !access.AllowsProject(ep.ProjectID) {
			continue
		}
		items = append(items, ExploreItem{Entity: ep})
	}
	return &ExploreResponse{
		Items:   items,
		Total:   total,
		HasMore: offset+len(items) < total,
	}, nil
}

// visibleTraversalItems filters visited nodes by tenant and project
// accessibility. The origin node rides along at depth 0.
func (e *Engine) visibleTraversalItems(nodes []TraversalNode, access domain.AccessFilter, projectID string) []ExploreItem {
	items := make([]ExploreItem, 0, len(nodes))
	for _, node := range nodes {
		ent := node.Entity
		if ent.OrganizationID != access.OrgID {
			continue
		}
		if projectID != "" && ent.ProjectID != projectID {
			continue
		}
		if !access.AllowsProject(ent.ProjectID) {
			continue
		}
		items = append(items, ExploreItem{
			Entity:       ent,
			Depth:        node.Depth,
			RelationPath: node.RelationPath,
		})
	}
	return items
}

func exploreDepth(depth int) int {
	if depth <= 0 {
		return 1
	}
	if depth > MaxExploreDepth {
		return MaxExploreDepth
	}
	return depth
}

func explorePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// DetectCycles finds directed loops in an edge set with a colored
// depth-first walk. Each cycle is reported once, rotated so the
// smallest entity ID leads, which keeps output deterministic regardless
// of traversal order.
func DetectCycles(edges []domain.Relationship) [][]string {
	adjacency := make(map[string][]string)
	for _, edge := range edges {
		if edge.SourceID == "" || edge.TargetID == "" {
			continue
		}
		adjacency[edge.SourceID] = append(adjacency[edge.SourceID], edge.TargetID)
	}
	roots := make([]string, 0, len(adjacency))
	for node, targets := range adjacency {
		sort.Strings(targets)
		roots = append(roots, node)
	}
	sort.Strings(roots)

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(adjacency))
	stack := make([]string, 0, len(adjacency))
	seen := make(map[string]struct{})
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range adjacency[node] {
			switch color[next] {
			case gray:
				start := 0
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						start = i
						break
					}
				}
				cycle := rotateCycle(stack[start:])
				key := strings.Join(cycle, "\x00")
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					cycles = append(cycles, cycle)
				}
			case white:
				visit(next)
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, root := range roots {
		if color[root] == white {
			visit(root)
		}
	}
	return cycles
}

// rotateCycle returns a copy of the cycle starting at its smallest ID.
func rotateCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return nil
	}
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = cycle[(min+i)%len(cycle)]
	}
	return out
}
