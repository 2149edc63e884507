package search

import (
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
)

// Origin tells which store produced a result.
type Origin string

const (
	OriginGraph    Origin = "graph"
	OriginDocument Origin = "document"
)

// Item is one ranked result of the unified pipeline, merged across the
// graph and chunk stores.
type Item struct {
	Origin    Origin         `json:"origin"`
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Snippet   string         `json:"snippet,omitempty"`
	Content   string         `json:"content,omitempty"`
	Score     float64        `json:"score"`
	ProjectID string         `json:"project_id,omitempty"`
	SourceID  string         `json:"source_id,omitempty"`
	URL       string         `json:"url,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RecencyWindow restricts document results to those updated since a point
// in time.
type RecencyWindow struct {
	Since time.Time
}

// Options parameterize one unified search request.
type Options struct {
	// Limit nil means DefaultLimit. An explicit zero asks for totals
	// with an empty page.
	Limit  *int
	Offset int

	EntityTypes []domain.EntityType
	Language    string
	Category    string
	// ProjectID narrows results to one project. Requesting a project
	// outside the caller's accessible set is a 403, never a silent empty.
	ProjectID string
	SourceIDs []string
	Recency   *RecencyWindow

	IncludeGraph     bool
	IncludeDocuments bool
	IncludeContent   bool

	// UseEnhanced runs the cross-encoder over the top candidates.
	UseEnhanced bool
	// BoostRecent applies temporal decay before the final sort.
	BoostRecent bool

	// GraphWeight and DocumentWeight tune the final fusion; zero means 1.
	GraphWeight    float64
	DocumentWeight float64
}

// DefaultLimit bounds a search when the caller does not set one.
const DefaultLimit = 20

// MaxLimit is the pagination ceiling shared with the graph store's
// integer coercion.
const MaxLimit = 200

// LimitOf wraps n for Options.Limit.
func LimitOf(n int) *int { return &n }

// Response is the ranked answer to a search request.
type Response struct {
	Items   []Item `json:"items"`
	Total   int    `json:"total"`
	HasMore bool   `json:"has_more"`
	// ActualTotal is set when the full merged size was computed anyway.
	ActualTotal int    `json:"actual_total,omitempty"`
	Query       string `json:"query"`
	TookMS      int64  `json:"took_ms"`
}

// ExploreMode selects a graph exploration strategy.
type ExploreMode string

const (
	ExploreList         ExploreMode = "list"
	ExploreNeighborhood ExploreMode = "neighborhood"
	ExploreDependencies ExploreMode = "dependencies"
	ExploreTimeline     ExploreMode = "timeline"
)

// ExploreOptions parameterize one explore request.
type ExploreOptions struct {
	Mode ExploreMode

	// list
	EntityType domain.EntityType
	ProjectID  string
	Limit      int
	Offset     int

	// neighborhood / dependencies
	EntityID          string
	Depth             int
	RelationshipTypes []domain.RelationshipType
	Direction         domain.TraversalDirection

	// timeline
	Since time.Time
	Until time.Time
}

// ExploreItem is one visited node with its relation path from the origin.
type ExploreItem struct {
	Entity       domain.Entity `json:"entity"`
	Depth        int           `json:"depth"`
	RelationPath []string      `json:"relation_path,omitempty"`
}

// ExploreResponse is the flat traversal result.
type ExploreResponse struct {
	Items   []ExploreItem `json:"items"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
	// Cycles lists dependency loops found in dependencies mode, each as
	// an ID path.
	Cycles [][]string `json:"cycles,omitempty"`
}
