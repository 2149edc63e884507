package relational

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// CreateOrganization inserts the organization, its mandatory shared
// project, and the creator's owner membership in one transaction.
func (s *Store) CreateOrganization(ctx context.Context, name, slug, ownerUserID string) (*domain.Organization, error) {
	if name == "" || slug == "" {
		return nil, appErrors.NewValidation("organization requires name and slug")
	}
	if ownerUserID == "" {
		return nil, appErrors.NewValidation("organization requires an owner")
	}

	now := time.Now().UTC()
	org := &domain.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.WithOrgTx(ctx, org.ID, ownerUserID, func(ctx context.Context) error {
		q := s.q(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO organizations (id, name, slug, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			org.ID, org.Name, org.Slug, org.CreatedAt, org.UpdatedAt); err != nil {
			return translate(err, "")
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO projects (id, org_id, name, slug, description, visibility, default_role, graph_id, is_shared, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $9)`,
			uuid.NewString(), org.ID, "Shared", domain.SharedProjectSlug,
			"Organization-wide knowledge", string(domain.VisibilityOrg),
			string(domain.ProjectRoleContributor), uuid.NewString(), now); err != nil {
			return translate(err, "")
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO organization_members (org_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4)`,
			org.ID, ownerUserID, string(domain.OrgRoleOwner), now); err != nil {
			return translate(err, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganization loads one organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	return s.scanOrganization(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM organizations WHERE id = $1`, id)
}

// GetOrganizationBySlug loads one organization by its global slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	return s.scanOrganization(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM organizations WHERE slug = $1`, slug)
}

func (s *Store) scanOrganization(ctx context.Context, query string, arg any) (*domain.Organization, error) {
	var org domain.Organization
	err := s.q(ctx).QueryRow(ctx, query, arg).
		Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, translate(err, "organization not found")
	}
	return &org, nil
}

// RenameOrganization updates the display name.
func (s *Store) RenameOrganization(ctx context.Context, id, name string) error {
	if name == "" {
		return appErrors.NewValidation("organization name cannot be empty")
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE organizations SET name = $2, updated_at = $3 WHERE id = $1`,
		id, name, time.Now().UTC())
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("organization not found")
	}
	return nil
}

// DeleteOrganization removes the organization; relational children
// cascade. Graph and chunk data are the caller's problem.
func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("organization not found")
	}
	return nil
}

// guardLastOwner rejects a role change or removal that would leave the
// organization without an owner. currentRole is the member's present
// role, newRole the proposed one (nil for removal), otherOwners how many
// other owners remain.
func guardLastOwner(currentRole domain.OrgRole, newRole *domain.OrgRole, otherOwners int) error {
	if currentRole != domain.OrgRoleOwner {
		return nil
	}
	if newRole != nil && *newRole == domain.OrgRoleOwner {
		return nil
	}
	if otherOwners > 0 {
		return nil
	}
	return appErrors.NewConflict("organization must retain at least one owner")
}

// UpsertMembership adds a user to the organization or changes their
// role. Demoting the last owner fails with Conflict.
func (s *Store) UpsertMembership(ctx context.Context, m domain.Membership) error {
	if !m.Role.IsValid() {
		return appErrors.NewValidationf("unknown org role %q", m.Role)
	}
	if m.OrganizationID == "" || m.UserID == "" {
		return appErrors.NewValidation("membership requires organization and user")
	}

	return s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)

		var current string
		err := q.QueryRow(ctx, `
			SELECT role FROM organization_members
			WHERE org_id = $1 AND user_id = $2
			FOR UPDATE`, m.OrganizationID, m.UserID).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return translate(err, "")
		}
		if err == nil && domain.OrgRole(current) == domain.OrgRoleOwner {
			otherOwners, cntErr := s.countOtherOwners(ctx, m.OrganizationID, m.UserID)
			if cntErr != nil {
				return cntErr
			}
			if guardErr := guardLastOwner(domain.OrgRole(current), &m.Role, otherOwners); guardErr != nil {
				return guardErr
			}
		}

		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err = q.Exec(ctx, `
			INSERT INTO organization_members (org_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
			m.OrganizationID, m.UserID, string(m.Role), created)
		return translate(err, "")
	})
}

// RemoveMembership deletes a membership. Removing the last owner fails
// with Conflict.
func (s *Store) RemoveMembership(ctx context.Context, orgID, userID string) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)

		var current string
		err := q.QueryRow(ctx, `
			SELECT role FROM organization_members
			WHERE org_id = $1 AND user_id = $2
			FOR UPDATE`, orgID, userID).Scan(&current)
		if err != nil {
			return translate(err, "membership not found")
		}
		if domain.OrgRole(current) == domain.OrgRoleOwner {
			otherOwners, cntErr := s.countOtherOwners(ctx, orgID, userID)
			if cntErr != nil {
				return cntErr
			}
			if guardErr := guardLastOwner(domain.OrgRole(current), nil, otherOwners); guardErr != nil {
				return guardErr
			}
		}

		_, err = q.Exec(ctx, `
			DELETE FROM organization_members WHERE org_id = $1 AND user_id = $2`,
			orgID, userID)
		return translate(err, "")
	})
}

func (s *Store) countOtherOwners(ctx context.Context, orgID, userID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx, `
		SELECT count(*) FROM organization_members
		WHERE org_id = $1 AND role = 'owner' AND user_id <> $2`,
		orgID, userID).Scan(&n)
	if err != nil {
		return 0, translate(err, "")
	}
	return n, nil
}

// GetMembership loads one membership row. Implements the resolver's
// credential store.
func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*domain.Membership, error) {
	var (
		m    domain.Membership
		role string
	)
	err := s.q(ctx).QueryRow(ctx, `
		SELECT org_id, user_id, role, created_at
		FROM organization_members
		WHERE org_id = $1 AND user_id = $2`, orgID, userID).
		Scan(&m.OrganizationID, &m.UserID, &role, &m.CreatedAt)
	if err != nil {
		return nil, translate(err, "membership not found")
	}
	m.Role = domain.OrgRole(role)
	return &m, nil
}

// ListMemberships returns every membership of the organization.
func (s *Store) ListMemberships(ctx context.Context, orgID string) ([]domain.Membership, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT org_id, user_id, role, created_at
		FROM organization_members
		WHERE org_id = $1
		ORDER BY created_at, user_id`, orgID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	members := make([]domain.Membership, 0)
	for rows.Next() {
		var (
			m    domain.Membership
			role string
		)
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &role, &m.CreatedAt); err != nil {
			return nil, translate(err, "")
		}
		m.Role = domain.OrgRole(role)
		members = append(members, m)
	}
	return members, translate(rows.Err(), "")
}

// ListUserOrganizations returns the organizations a user belongs to.
func (s *Store) ListUserOrganizations(ctx context.Context, userID string) ([]domain.Organization, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT o.id, o.name, o.slug, o.created_at, o.updated_at
		FROM organizations o
		JOIN organization_members m ON m.org_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.name`, userID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	orgs := make([]domain.Organization, 0)
	for rows.Next() {
		var org domain.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, translate(err, "")
		}
		orgs = append(orgs, org)
	}
	return orgs, translate(rows.Err(), "")
}
