package domain

// ProjectSet is the set of graph-project identifiers a user may read.
// A nil set means "no project filter": the migration window where the
// relational store holds no projects yet. An empty non-nil set means the
// user can access no projects at all. The distinction is load-bearing.
type ProjectSet map[string]struct{}

// NewProjectSet builds a non-nil set from ids.
func NewProjectSet(ids ...string) ProjectSet {
	s := make(ProjectSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// IsMigrationMode reports whether reads skip project filtering entirely.
func (s ProjectSet) IsMigrationMode() bool { return s == nil }

// Contains reports membership. Always false on the empty set, always
// checked (never true-by-default) on non-nil sets.
func (s ProjectSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts an id into a non-nil set.
func (s ProjectSet) Add(id string) {
	if s != nil && id != "" {
		s[id] = struct{}{}
	}
}

// IDs returns the members in unspecified order.
func (s ProjectSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// AccessFilter carries the per-request read scope every retrieval channel
// must honor: the tenant plus the resolved accessible-project set.
type AccessFilter struct {
	OrgID string
	// Projects is nil in the migration window (no filtering), otherwise
	// the closed set of readable graph-project IDs including the org's
	// shared project.
	Projects ProjectSet
	// SharedProjectID resolves entities with no project: they carry
	// shared-project permissions.
	SharedProjectID string
}

// AllowsProject reports whether an entity or document with the given
// project id is readable under this filter.
func (f AccessFilter) AllowsProject(projectID string) bool {
	if f.Projects == nil {
		return true
	}
	if projectID == "" {
		if f.SharedProjectID == "" {
			return true
		}
		projectID = f.SharedProjectID
	}
	return f.Projects.Contains(projectID)
}
