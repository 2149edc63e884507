package auth

import (
	"context"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// ProjectDirectory is the slice of the relational store role resolution
// reads. The role listings return projectID -> highest granted role.
type ProjectDirectory interface {
	CountProjects(ctx context.Context, orgID string) (int, error)
	ListProjects(ctx context.Context, orgID string) ([]domain.Project, error)
	GetProjectByGraphID(ctx context.Context, orgID, graphID string) (*domain.Project, error)
	GetSharedProject(ctx context.Context, orgID string) (*domain.Project, error)
	ListDirectProjectRoles(ctx context.Context, orgID, userID string) (map[string]domain.ProjectRole, error)
	ListTeamProjectRoles(ctx context.Context, orgID, userID string) (map[string]domain.ProjectRole, error)
}

// RoleService computes effective project roles and accessible-project
// sets for resolved auth contexts.
type RoleService struct {
	dir ProjectDirectory
}

// NewRoleService wires role resolution over the project directory.
func NewRoleService(dir ProjectDirectory) *RoleService {
	return &RoleService{dir: dir}
}

// implicitRole is the project role an org-level role grants on every
// project in the organization.
func implicitRole(orgRole domain.OrgRole) domain.ProjectRole {
	switch orgRole {
	case domain.OrgRoleOwner:
		return domain.ProjectRoleOwner
	case domain.OrgRoleAdmin:
		return domain.ProjectRoleMaintainer
	default:
		return ""
	}
}

// effectiveRole computes the maximum of the four grant paths for one
// project: implicit org-role override, direct membership, team grant, and
// the project's default role when its visibility is org-wide.
func effectiveRole(ac *Context, project *domain.Project, direct, team map[string]domain.ProjectRole) domain.ProjectRole {
	role := implicitRole(ac.OrgRole)
	if r, ok := direct[project.ID]; ok {
		role = domain.MaxProjectRole(role, r)
	}
	if r, ok := team[project.ID]; ok {
		role = domain.MaxProjectRole(role, r)
	}
	if project.Visibility == domain.VisibilityOrg && ac.OrgRole != "" {
		role = domain.MaxProjectRole(role, project.DefaultRole)
	}
	return role
}

// EffectiveProjectRole resolves a user's role on one project, identified
// by its graph-side ID. An empty graph ID resolves to the organization's
// shared project.
func (s *RoleService) EffectiveProjectRole(ctx context.Context, ac *Context, graphProjectID string) (domain.ProjectRole, *domain.Project, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return "", nil, err
	}

	var project *domain.Project
	if graphProjectID == "" {
		project, err = s.dir.GetSharedProject(ctx, orgID)
	} else {
		project, err = s.dir.GetProjectByGraphID(ctx, orgID, graphProjectID)
	}
	if err != nil {
		return "", nil, err
	}

	direct, err := s.dir.ListDirectProjectRoles(ctx, orgID, ac.UserID)
	if err != nil {
		return "", nil, appErrors.Wrap(err, "failed to load project memberships")
	}
	team, err := s.dir.ListTeamProjectRoles(ctx, orgID, ac.UserID)
	if err != nil {
		return "", nil, appErrors.Wrap(err, "failed to load team project grants")
	}

	role := effectiveRole(ac, project, direct, team)
	if !s.keyAllowsProject(ac, project.ID) {
		role = ""
	}
	return role, project, nil
}

// AccessibleProjects resolves the set of graph-project identifiers the
// subject may read: every project where the effective role is at least
// viewer, plus the org's shared project. During the migration window
// (the org has no project rows yet) it returns a nil set, which readers
// interpret as "no project filter"; a nil set and an empty set are
// distinct values.
func (s *RoleService) AccessibleProjects(ctx context.Context, ac *Context) (domain.AccessFilter, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return domain.AccessFilter{}, err
	}

	total, err := s.dir.CountProjects(ctx, orgID)
	if err != nil {
		return domain.AccessFilter{}, appErrors.Wrap(err, "failed to count projects")
	}
	if total == 0 {
		return domain.AccessFilter{OrgID: orgID, Projects: nil}, nil
	}

	projects, err := s.dir.ListProjects(ctx, orgID)
	if err != nil {
		return domain.AccessFilter{}, appErrors.Wrap(err, "failed to list projects")
	}
	direct, err := s.dir.ListDirectProjectRoles(ctx, orgID, ac.UserID)
	if err != nil {
		return domain.AccessFilter{}, appErrors.Wrap(err, "failed to load project memberships")
	}
	team, err := s.dir.ListTeamProjectRoles(ctx, orgID, ac.UserID)
	if err != nil {
		return domain.AccessFilter{}, appErrors.Wrap(err, "failed to load team project grants")
	}

	set := domain.NewProjectSet()
	sharedGraphID := ""
	for i := range projects {
		p := &projects[i]
		if p.IsShared {
			sharedGraphID = p.GraphID
		}
		if !s.keyAllowsProject(ac, p.ID) {
			continue
		}
		if p.IsShared || effectiveRole(ac, p, direct, team).AtLeast(domain.ProjectRoleViewer) {
			set.Add(p.GraphID)
		}
	}
	return domain.AccessFilter{
		OrgID:           orgID,
		Projects:        set,
		SharedProjectID: sharedGraphID,
	}, nil
}

// keyAllowsProject applies the API-key project restriction: nil is
// unrestricted, empty allows nothing, otherwise only the listed project
// rows.
func (s *RoleService) keyAllowsProject(ac *Context, projectID string) bool {
	if ac.KeyProjects == nil {
		return true
	}
	for _, id := range *ac.KeyProjects {
		if id == projectID {
			return true
		}
	}
	return false
}
