package relational

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Compile-time check: role resolution reads projects through this store.
var _ auth.ProjectDirectory = (*Store)(nil)

const projectColumns = `
	id, org_id, name, slug, description, visibility, default_role, graph_id, is_shared, created_at, updated_at`

// CreateProject inserts a project. ID and GraphID are generated when
// absent. The shared project is created with its organization; creating
// a second one fails with Conflict on the partial unique index.
func (s *Store) CreateProject(ctx context.Context, p domain.Project) (*domain.Project, error) {
	if p.OrganizationID == "" || p.Name == "" || p.Slug == "" {
		return nil, appErrors.NewValidation("project requires organization, name, and slug")
	}
	if !p.Visibility.IsValid() {
		return nil, appErrors.NewValidationf("unknown project visibility %q", p.Visibility)
	}
	if !p.DefaultRole.IsValid() {
		return nil, appErrors.NewValidationf("unknown project role %q", p.DefaultRole)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.GraphID == "" {
		p.GraphID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO projects (id, org_id, name, slug, description, visibility, default_role, graph_id, is_shared, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OrganizationID, p.Name, p.Slug, p.Description,
		string(p.Visibility), string(p.DefaultRole), p.GraphID, p.IsShared,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &p, nil
}

// GetProject loads one project by ID within the organization.
func (s *Store) GetProject(ctx context.Context, orgID, id string) (*domain.Project, error) {
	return s.scanProject(ctx, `
		SELECT`+projectColumns+`
		FROM projects WHERE org_id = $1 AND id = $2`, orgID, id)
}

// GetProjectBySlug loads one project by its per-org slug.
func (s *Store) GetProjectBySlug(ctx context.Context, orgID, slug string) (*domain.Project, error) {
	return s.scanProject(ctx, `
		SELECT`+projectColumns+`
		FROM projects WHERE org_id = $1 AND slug = $2`, orgID, slug)
}

// GetProjectByGraphID resolves the project a graph entity's project_id
// property points at.
func (s *Store) GetProjectByGraphID(ctx context.Context, orgID, graphID string) (*domain.Project, error) {
	return s.scanProject(ctx, `
		SELECT`+projectColumns+`
		FROM projects WHERE org_id = $1 AND graph_id = $2`, orgID, graphID)
}

// GetSharedProject returns the organization's shared project.
func (s *Store) GetSharedProject(ctx context.Context, orgID string) (*domain.Project, error) {
	return s.scanProject(ctx, `
		SELECT`+projectColumns+`
		FROM projects WHERE org_id = $1 AND is_shared`, orgID)
}

// CountProjects reports how many projects the organization has. Zero
// marks the pre-project migration window.
func (s *Store) CountProjects(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx,
		`SELECT count(*) FROM projects WHERE org_id = $1`, orgID).Scan(&n)
	if err != nil {
		return 0, translate(err, "")
	}
	return n, nil
}

// ListProjects returns every project of the organization.
func (s *Store) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT`+projectColumns+`
		FROM projects WHERE org_id = $1
		ORDER BY is_shared DESC, name`, orgID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, translate(rows.Err(), "")
}

// UpdateProject changes name, description, visibility, and default role.
// Slug, graph ID, and the shared flag are immutable.
func (s *Store) UpdateProject(ctx context.Context, p domain.Project) (*domain.Project, error) {
	if !p.Visibility.IsValid() {
		return nil, appErrors.NewValidationf("unknown project visibility %q", p.Visibility)
	}
	if !p.DefaultRole.IsValid() {
		return nil, appErrors.NewValidationf("unknown project role %q", p.DefaultRole)
	}
	return s.scanProject(ctx, `
		UPDATE projects
		SET name = $3, description = $4, visibility = $5, default_role = $6, updated_at = $7
		WHERE org_id = $1 AND id = $2
		RETURNING`+projectColumns,
		p.OrganizationID, p.ID, p.Name, p.Description,
		string(p.Visibility), string(p.DefaultRole), time.Now().UTC())
}

// DeleteProject removes a project. The shared project cannot be deleted.
func (s *Store) DeleteProject(ctx context.Context, orgID, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		DELETE FROM projects WHERE org_id = $1 AND id = $2 AND NOT is_shared`,
		orgID, id)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		p, getErr := s.GetProject(ctx, orgID, id)
		if getErr == nil && p.IsShared {
			return appErrors.NewConflict("the shared project cannot be deleted")
		}
		return appErrors.NewNotFound("project not found")
	}
	return nil
}

func (s *Store) scanProject(ctx context.Context, query string, args ...any) (*domain.Project, error) {
	return scanProjectRow(s.q(ctx).QueryRow(ctx, query, args...))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjectRow(row rowScanner) (*domain.Project, error) {
	var (
		p          domain.Project
		visibility string
		role       string
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Slug, &p.Description,
		&visibility, &role, &p.GraphID, &p.IsShared, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translate(err, "project not found")
	}
	p.Visibility = domain.ProjectVisibility(visibility)
	p.DefaultRole = domain.ProjectRole(role)
	return &p, nil
}

// UpsertProjectMember grants or changes a user's direct project role.
func (s *Store) UpsertProjectMember(ctx context.Context, orgID string, m domain.ProjectMember) error {
	if !m.Role.IsValid() {
		return appErrors.NewValidationf("unknown project role %q", m.Role)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO project_members (project_id, org_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.ProjectID, orgID, m.UserID, string(m.Role), created)
	return translate(err, "")
}

// RemoveProjectMember revokes a direct project grant.
func (s *Store) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		DELETE FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("project member not found")
	}
	return nil
}

// ListProjectMembers returns the direct grants on a project.
func (s *Store) ListProjectMembers(ctx context.Context, projectID string) ([]domain.ProjectMember, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT project_id, user_id, role, created_at
		FROM project_members WHERE project_id = $1
		ORDER BY created_at, user_id`, projectID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	members := make([]domain.ProjectMember, 0)
	for rows.Next() {
		var (
			m    domain.ProjectMember
			role string
		)
		if err := rows.Scan(&m.ProjectID, &m.UserID, &role, &m.CreatedAt); err != nil {
			return nil, translate(err, "")
		}
		m.Role = domain.ProjectRole(role)
		members = append(members, m)
	}
	return members, translate(rows.Err(), "")
}

// ListDirectProjectRoles returns the user's direct grants keyed by
// project ID.
func (s *Store) ListDirectProjectRoles(ctx context.Context, orgID, userID string) (map[string]domain.ProjectRole, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT project_id, role FROM project_members
		WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	roles := make(map[string]domain.ProjectRole)
	for rows.Next() {
		var projectID, role string
		if err := rows.Scan(&projectID, &role); err != nil {
			return nil, translate(err, "")
		}
		roles[projectID] = domain.ProjectRole(role)
	}
	return roles, translate(rows.Err(), "")
}

// ListTeamProjectRoles returns the user's team-mediated grants keyed by
// project ID. When several teams grant roles on the same project the
// highest wins.
func (s *Store) ListTeamProjectRoles(ctx context.Context, orgID, userID string) (map[string]domain.ProjectRole, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT tp.project_id, tp.role
		FROM team_projects tp
		JOIN team_members tm ON tm.team_id = tp.team_id
		WHERE tp.org_id = $1 AND tm.user_id = $2`, orgID, userID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	roles := make(map[string]domain.ProjectRole)
	for rows.Next() {
		var projectID, role string
		if err := rows.Scan(&projectID, &role); err != nil {
			return nil, translate(err, "")
		}
		roles[projectID] = domain.MaxProjectRole(roles[projectID], domain.ProjectRole(role))
	}
	return roles, translate(rows.Err(), "")
}

// CreateTeam inserts a team.
func (s *Store) CreateTeam(ctx context.Context, t domain.Team) (*domain.Team, error) {
	if t.OrganizationID == "" || t.Name == "" || t.Slug == "" {
		return nil, appErrors.NewValidation("team requires organization, name, and slug")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO teams (id, org_id, name, slug, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.OrganizationID, t.Name, t.Slug, t.CreatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &t, nil
}

// DeleteTeam removes a team; memberships and grants cascade.
func (s *Store) DeleteTeam(ctx context.Context, orgID, teamID string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM teams WHERE org_id = $1 AND id = $2`, orgID, teamID)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("team not found")
	}
	return nil
}

// ListTeams returns the organization's teams.
func (s *Store) ListTeams(ctx context.Context, orgID string) ([]domain.Team, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, org_id, name, slug, created_at
		FROM teams WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Slug, &t.CreatedAt); err != nil {
			return nil, translate(err, "")
		}
		teams = append(teams, t)
	}
	return teams, translate(rows.Err(), "")
}

// AddTeamMember puts a user on a team.
func (s *Store) AddTeamMember(ctx context.Context, orgID, teamID, userID string) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO team_members (team_id, org_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, user_id) DO NOTHING`,
		teamID, orgID, userID, time.Now().UTC())
	return translate(err, "")
}

// RemoveTeamMember takes a user off a team.
func (s *Store) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("team member not found")
	}
	return nil
}

// SetTeamProjectRole grants or changes a team's role on a project.
func (s *Store) SetTeamProjectRole(ctx context.Context, orgID string, grant domain.TeamProject) error {
	if !grant.Role.IsValid() {
		return appErrors.NewValidationf("unknown project role %q", grant.Role)
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO team_projects (team_id, project_id, org_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (team_id, project_id) DO UPDATE SET role = EXCLUDED.role`,
		grant.TeamID, grant.ProjectID, orgID, string(grant.Role), time.Now().UTC())
	return translate(err, "")
}

// RemoveTeamProjectRole revokes a team's grant on a project.
func (s *Store) RemoveTeamProjectRole(ctx context.Context, teamID, projectID string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM team_projects WHERE team_id = $1 AND project_id = $2`, teamID, projectID)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("team project grant not found")
	}
	return nil
}
