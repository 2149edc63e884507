package relational

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Compile-time check: the auth resolver loads credentials through this
// store.
var _ auth.CredentialStore = (*Store)(nil)

// apiKeyColumns aggregates scope rows so one query loads the whole key.
const apiKeyColumns = `
	k.id, k.org_id, k.user_id, k.name, k.prefix, k.salt_hex, k.hash_hex,
	k.scopes, k.project_scoped,
	COALESCE(array_agg(s.project_id) FILTER (WHERE s.project_id IS NOT NULL), '{}') AS project_ids,
	k.last_used_at, k.expires_at, k.revoked_at, k.created_at`

// CreateAPIKey persists a freshly generated key and its optional project
// restriction. A nil ProjectIDs means unrestricted; an empty slice means
// no projects at all.
func (s *Store) CreateAPIKey(ctx context.Context, key domain.APIKey) (*domain.APIKey, error) {
	if key.OrganizationID == "" || key.UserID == "" {
		return nil, appErrors.NewValidation("api key requires organization and user")
	}
	if key.Prefix == "" || key.SaltHex == "" || key.HashHex == "" {
		return nil, appErrors.NewValidation("api key requires prefix, salt, and hash")
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO api_keys (id, org_id, user_id, name, prefix, salt_hex, hash_hex, scopes, project_scoped, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			key.ID, key.OrganizationID, key.UserID, key.Name, key.Prefix,
			key.SaltHex, key.HashHex, key.Scopes, key.ProjectIDs != nil,
			key.ExpiresAt, key.CreatedAt); err != nil {
			return translate(err, "")
		}
		if key.ProjectIDs == nil {
			return nil
		}
		for _, projectID := range *key.ProjectIDs {
			if _, err := q.Exec(ctx, `
				INSERT INTO api_key_project_scopes (api_key_id, project_id, org_id)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`,
				key.ID, projectID, key.OrganizationID); err != nil {
				return translate(err, "")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetAPIKeyByPrefix loads the key the resolver will verify a plaintext
// against. Implements the resolver's credential store.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT`+apiKeyColumns+`
		FROM api_keys k
		LEFT JOIN api_key_project_scopes s ON s.api_key_id = k.id
		WHERE k.prefix = $1
		GROUP BY k.id`, prefix)
	return scanAPIKey(row)
}

// GetAPIKey loads one key by ID within the organization.
func (s *Store) GetAPIKey(ctx context.Context, orgID, id string) (*domain.APIKey, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT`+apiKeyColumns+`
		FROM api_keys k
		LEFT JOIN api_key_project_scopes s ON s.api_key_id = k.id
		WHERE k.org_id = $1 AND k.id = $2
		GROUP BY k.id`, orgID, id)
	return scanAPIKey(row)
}

// ListAPIKeys returns the organization's keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, orgID string) ([]domain.APIKey, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT`+apiKeyColumns+`
		FROM api_keys k
		LEFT JOIN api_key_project_scopes s ON s.api_key_id = k.id
		WHERE k.org_id = $1
		GROUP BY k.id
		ORDER BY k.created_at DESC, k.id`, orgID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	keys := make([]domain.APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, translate(rows.Err(), "")
}

// TouchAPIKey records a successful use. Best-effort: a missing row is
// not an error.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, usedAt.UTC())
	return translate(err, "")
}

// RevokeAPIKey marks the key revoked. Revoking twice keeps the first
// timestamp.
func (s *Store) RevokeAPIKey(ctx context.Context, orgID, keyID string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $3)
		WHERE org_id = $1 AND id = $2`,
		orgID, keyID, time.Now().UTC())
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("api key not found")
	}
	return nil
}

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var (
		key           domain.APIKey
		projectScoped bool
		projectIDs    []string
	)
	err := row.Scan(&key.ID, &key.OrganizationID, &key.UserID, &key.Name,
		&key.Prefix, &key.SaltHex, &key.HashHex, &key.Scopes, &projectScoped,
		&projectIDs, &key.LastUsedAt, &key.ExpiresAt, &key.RevokedAt, &key.CreatedAt)
	if err != nil {
		return nil, translate(err, "api key not found")
	}
	if projectScoped {
		key.ProjectIDs = &projectIDs
	}
	return &key, nil
}
