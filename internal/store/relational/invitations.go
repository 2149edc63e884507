package relational

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const invitationColumns = `
	id, org_id, email, role, token_hash, invited_by, accepted_at, expires_at, created_at`

// CreateInvitation records a pending invite. Only the token hash is
// stored; the invite link itself is delivered out of band.
func (s *Store) CreateInvitation(ctx context.Context, inv domain.OrganizationInvitation) (*domain.OrganizationInvitation, error) {
	if inv.OrganizationID == "" || inv.Email == "" || inv.TokenHash == "" {
		return nil, appErrors.NewValidation("invitation requires organization, email, and token hash")
	}
	if !inv.Role.IsValid() {
		return nil, appErrors.NewValidationf("unknown org role %q", inv.Role)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = inv.CreatedAt.Add(7 * 24 * time.Hour)
	}

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO organization_invitations (id, org_id, email, role, token_hash, invited_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.OrganizationID, inv.Email, string(inv.Role),
		inv.TokenHash, inv.InvitedBy, inv.ExpiresAt, inv.CreatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &inv, nil
}

// GetInvitationByTokenHash resolves a presented invite token.
func (s *Store) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (*domain.OrganizationInvitation, error) {
	return scanInvitation(s.q(ctx).QueryRow(ctx, `
		SELECT`+invitationColumns+`
		FROM organization_invitations WHERE token_hash = $1`, tokenHash))
}

// ListInvitations returns the organization's pending and accepted
// invites, newest first.
func (s *Store) ListInvitations(ctx context.Context, orgID string) ([]domain.OrganizationInvitation, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT`+invitationColumns+`
		FROM organization_invitations
		WHERE org_id = $1
		ORDER BY created_at DESC, id`, orgID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	invites := make([]domain.OrganizationInvitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, *inv)
	}
	return invites, translate(rows.Err(), "")
}

// AcceptInvitation marks the invite accepted and creates the membership
// in one transaction. Expired or already accepted invites fail with
// Conflict.
func (s *Store) AcceptInvitation(ctx context.Context, tokenHash, userID string) (*domain.Membership, error) {
	if userID == "" {
		return nil, appErrors.NewValidation("accepting an invitation requires a user")
	}

	var membership *domain.Membership
	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)

		inv, err := scanInvitation(q.QueryRow(ctx, `
			SELECT`+invitationColumns+`
			FROM organization_invitations
			WHERE token_hash = $1
			FOR UPDATE`, tokenHash))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if inv.AcceptedAt != nil {
			return appErrors.NewConflict("invitation already accepted")
		}
		if !inv.ExpiresAt.After(now) {
			return appErrors.NewConflict("invitation has expired")
		}

		if _, err := q.Exec(ctx, `
			UPDATE organization_invitations SET accepted_at = $2 WHERE id = $1`,
			inv.ID, now); err != nil {
			return translate(err, "")
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO organization_members (org_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (org_id, user_id) DO NOTHING`,
			inv.OrganizationID, userID, string(inv.Role), now); err != nil {
			return translate(err, "")
		}

		membership = &domain.Membership{
			OrganizationID: inv.OrganizationID,
			UserID:         userID,
			Role:           inv.Role,
			CreatedAt:      now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// DeleteInvitation withdraws a pending invite.
func (s *Store) DeleteInvitation(ctx context.Context, orgID, id string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM organization_invitations WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("invitation not found")
	}
	return nil
}

func scanInvitation(row rowScanner) (*domain.OrganizationInvitation, error) {
	var (
		inv  domain.OrganizationInvitation
		role string
	)
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &role,
		&inv.TokenHash, &inv.InvitedBy, &inv.AcceptedAt, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		return nil, translate(err, "invitation not found")
	}
	inv.Role = domain.OrgRole(role)
	return &inv, nil
}
