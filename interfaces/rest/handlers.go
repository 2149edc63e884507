package rest

import (
	"net/http"
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/knowledge"
	"github.com/zhangjihua396/sibyl-sub003/internal/service/manage"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// handleAdd stores one knowledge entity. A freshly created entity returns
// 201; a deterministic retry that lands on an existing one returns 200.
func (rt *Router) handleAdd(w http.ResponseWriter, r *http.Request) {
	ac, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	var req knowledge.AddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	result, err := rt.knowledge.Add(r.Context(), ac, req)
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// searchRequest is the REST projection of the engine options. The two
// include switches default to on so an omitted body field still searches
// that store.
type searchRequest struct {
	Query            string     `json:"query"`
	Limit            *int       `json:"limit,omitempty"`
	Offset           int        `json:"offset,omitempty"`
	Types            []string   `json:"types,omitempty"`
	Project          string     `json:"project,omitempty"`
	Language         string     `json:"language,omitempty"`
	Category         string     `json:"category,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	Since            *time.Time `json:"since,omitempty"`
	IncludeGraph     *bool      `json:"include_graph,omitempty"`
	IncludeDocuments *bool      `json:"include_documents,omitempty"`
	IncludeContent   bool       `json:"include_content,omitempty"`
	Enhanced         bool       `json:"enhanced,omitempty"`
	BoostRecent      bool       `json:"boost_recent,omitempty"`
}

func (req *searchRequest) options() (search.Options, error) {
	opts := search.Options{
		Limit:            req.Limit,
		Offset:           req.Offset,
		Language:         req.Language,
		Category:         req.Category,
		ProjectID:        req.Project,
		SourceIDs:        req.Sources,
		IncludeGraph:     true,
		IncludeDocuments: true,
		IncludeContent:   req.IncludeContent,
		UseEnhanced:      req.Enhanced,
		BoostRecent:      req.BoostRecent,
	}
	if req.IncludeGraph != nil {
		opts.IncludeGraph = *req.IncludeGraph
	}
	if req.IncludeDocuments != nil {
		opts.IncludeDocuments = *req.IncludeDocuments
	}
	for _, t := range req.Types {
		et := domain.EntityType(t)
		if !domain.IsValidEntityType(et) {
			return search.Options{}, appErrors.NewValidationf("unknown entity type %q", t)
		}
		opts.EntityTypes = append(opts.EntityTypes, et)
	}
	if req.Since != nil {
		opts.Recency = &search.RecencyWindow{Since: *req.Since}
	}
	return opts, nil
}

// handleSearch runs hybrid retrieval over the caller's accessible
// projects.
func (rt *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	ac, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	access, err := rt.roles.AccessibleProjects(r.Context(), ac)
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	started := time.Now()
	resp, err := rt.engine.Search(r.Context(), access, req.Query, opts)
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	rt.emitter.SearchComplete(ac.OrgID, req.Query, resp.Total, time.Since(started))
	writeJSON(w, http.StatusOK, resp)
}

// exploreRequest selects one of the graph walks: list, neighborhood,
// dependencies, or timeline.
type exploreRequest struct {
	Mode          string     `json:"mode"`
	Type          string     `json:"type,omitempty"`
	Project       string     `json:"project,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
	EntityID      string     `json:"entity_id,omitempty"`
	Depth         int        `json:"depth,omitempty"`
	Relationships []string   `json:"relationships,omitempty"`
	Direction     string     `json:"direction,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
}

func (req *exploreRequest) options() search.ExploreOptions {
	opts := search.ExploreOptions{
		Mode:       search.ExploreMode(req.Mode),
		EntityType: domain.EntityType(req.Type),
		ProjectID:  req.Project,
		Limit:      req.Limit,
		Offset:     req.Offset,
		EntityID:   req.EntityID,
		Depth:      req.Depth,
		Direction:  domain.TraversalDirection(req.Direction),
	}
	for _, rel := range req.Relationships {
		opts.RelationshipTypes = append(opts.RelationshipTypes, domain.RelationshipType(rel))
	}
	if req.Since != nil {
		opts.Since = *req.Since
	}
	if req.Until != nil {
		opts.Until = *req.Until
	}
	return opts
}

// handleExplore walks the graph without a ranked query.
func (rt *Router) handleExplore(w http.ResponseWriter, r *http.Request) {
	ac, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	var req exploreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	access, err := rt.roles.AccessibleProjects(r.Context(), ac)
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	resp, err := rt.engine.Explore(r.Context(), access, req.options())
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleManage dispatches one workflow action.
func (rt *Router) handleManage(w http.ResponseWriter, r *http.Request) {
	ac, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	var req manage.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	result, err := rt.manage.Do(r.Context(), ac, req)
	if err != nil {
		writeError(w, r, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
