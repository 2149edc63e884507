package domain

import "time"

// SharedProjectSlug names the mandatory per-org project that holds
// org-wide knowledge not tied to a specific project. Exactly one project
// per organization carries IsShared = true.
const SharedProjectSlug = "_shared"

// Organization is the root isolation boundary. All data, indices, and
// events are scoped to one.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"` // unique globally
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrgRole is a user's role within an organization.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
	OrgRoleViewer OrgRole = "viewer"
)

var orgRoleRank = map[OrgRole]int{
	OrgRoleViewer: 1,
	OrgRoleMember: 2,
	OrgRoleAdmin:  3,
	OrgRoleOwner:  4,
}

// IsValidOrgRole reports whether r names a known org role.
func (r OrgRole) IsValid() bool {
	_, ok := orgRoleRank[r]
	return ok
}

// AtLeast reports whether r grants at least the privileges of other.
func (r OrgRole) AtLeast(other OrgRole) bool {
	return orgRoleRank[r] >= orgRoleRank[other]
}

// Membership maps (user, org) to an org role.
type Membership struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           OrgRole   `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Team groups users inside an organization for project grants.
type Team struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	CreatedAt      time.Time `json:"created_at"`
}

// TeamMember records a user's team membership.
type TeamMember struct {
	TeamID    string    `json:"team_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectVisibility controls who can see a project's entities by default.
type ProjectVisibility string

const (
	VisibilityPrivate ProjectVisibility = "private"
	VisibilityProject ProjectVisibility = "project"
	VisibilityOrg     ProjectVisibility = "org"
)

// IsValid reports whether v names a known visibility level.
func (v ProjectVisibility) IsValid() bool {
	switch v {
	case VisibilityPrivate, VisibilityProject, VisibilityOrg:
		return true
	}
	return false
}

// ProjectRole is a user's role within a project.
// Ordering: owner > maintainer > contributor > viewer.
type ProjectRole string

const (
	ProjectRoleOwner       ProjectRole = "owner"
	ProjectRoleMaintainer  ProjectRole = "maintainer"
	ProjectRoleContributor ProjectRole = "contributor"
	ProjectRoleViewer      ProjectRole = "viewer"
)

var projectRoleRank = map[ProjectRole]int{
	ProjectRoleViewer:      1,
	ProjectRoleContributor: 2,
	ProjectRoleMaintainer:  3,
	ProjectRoleOwner:       4,
}

// IsValid reports whether r names a known project role.
func (r ProjectRole) IsValid() bool {
	_, ok := projectRoleRank[r]
	return ok
}

// AtLeast reports whether r grants at least the privileges of other.
// The empty role is below viewer.
func (r ProjectRole) AtLeast(other ProjectRole) bool {
	return projectRoleRank[r] >= projectRoleRank[other]
}

// MaxProjectRole returns the higher-privileged of two roles.
func MaxProjectRole(a, b ProjectRole) ProjectRole {
	if projectRoleRank[b] > projectRoleRank[a] {
		return b
	}
	return a
}

// Project is the secondary access-control partition within an
// organization. GraphID links graph entities to this row; entities carry
// it as their project_id property.
type Project struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name"`
	Slug           string            `json:"slug"` // unique per organization
	Description    string            `json:"description,omitempty"`
	Visibility     ProjectVisibility `json:"visibility"`
	DefaultRole    ProjectRole       `json:"default_role"`
	GraphID        string            `json:"graph_id"`
	IsShared       bool              `json:"is_shared"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ProjectMember is a direct grant of a project role to a user.
type ProjectMember struct {
	ProjectID string      `json:"project_id"`
	UserID    string      `json:"user_id"`
	Role      ProjectRole `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

// TeamProject is a team-mediated grant of a project role.
type TeamProject struct {
	TeamID    string      `json:"team_id"`
	ProjectID string      `json:"project_id"`
	Role      ProjectRole `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}
