package relational

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const deviceAuthColumns = `
	id, device_code, user_code, user_id, org_id, approved_at, expires_at, created_at`

// CreateDeviceAuthorization opens a device-code login request.
func (s *Store) CreateDeviceAuthorization(ctx context.Context, req domain.DeviceAuthorizationRequest) (*domain.DeviceAuthorizationRequest, error) {
	if req.DeviceCode == "" || req.UserCode == "" {
		return nil, appErrors.NewValidation("device authorization requires device and user codes")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.CreatedAt.Add(15 * time.Minute)
	}

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO device_authorization_requests (id, device_code, user_code, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.DeviceCode, req.UserCode, req.ExpiresAt, req.CreatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &req, nil
}

// GetDeviceAuthorizationByDeviceCode is the poll path: the device asks
// whether its request was approved yet.
func (s *Store) GetDeviceAuthorizationByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceAuthorizationRequest, error) {
	return scanDeviceAuth(s.q(ctx).QueryRow(ctx, `
		SELECT`+deviceAuthColumns+`
		FROM device_authorization_requests WHERE device_code = $1`, deviceCode))
}

// GetDeviceAuthorizationByUserCode is the browser path: a signed-in user
// enters the short code shown on the device.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*domain.DeviceAuthorizationRequest, error) {
	return scanDeviceAuth(s.q(ctx).QueryRow(ctx, `
		SELECT`+deviceAuthColumns+`
		FROM device_authorization_requests WHERE user_code = $1`, userCode))
}

// ApproveDeviceAuthorization binds the request to the approving user and
// organization. Expired or already approved requests fail with Conflict.
func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, userID, orgID string) (*domain.DeviceAuthorizationRequest, error) {
	if userID == "" {
		return nil, appErrors.NewValidation("approval requires a user")
	}

	var out *domain.DeviceAuthorizationRequest
	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)

		req, err := scanDeviceAuth(q.QueryRow(ctx, `
			SELECT`+deviceAuthColumns+`
			FROM device_authorization_requests
			WHERE user_code = $1
			FOR UPDATE`, userCode))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if req.ApprovedAt != nil {
			return appErrors.NewConflict("device authorization already approved")
		}
		if !req.ExpiresAt.After(now) {
			return appErrors.NewConflict("device authorization has expired")
		}

		out, err = scanDeviceAuth(q.QueryRow(ctx, `
			UPDATE device_authorization_requests
			SET user_id = $2, org_id = $3, approved_at = $4
			WHERE user_code = $1
			RETURNING`+deviceAuthColumns,
			userCode, userID, nullable(orgID), now))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpiredDeviceAuthorizations deletes requests past expiry. Returns
// how many were removed.
func (s *Store) PurgeExpiredDeviceAuthorizations(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM device_authorization_requests WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, translate(err, "")
	}
	return int(tag.RowsAffected()), nil
}

func scanDeviceAuth(row rowScanner) (*domain.DeviceAuthorizationRequest, error) {
	var (
		req    domain.DeviceAuthorizationRequest
		userID *string
		orgID  *string
	)
	err := row.Scan(&req.ID, &req.DeviceCode, &req.UserCode, &userID, &orgID,
		&req.ApprovedAt, &req.ExpiresAt, &req.CreatedAt)
	if err != nil {
		return nil, translate(err, "device authorization not found")
	}
	if userID != nil {
		req.UserID = *userID
	}
	if orgID != nil {
		req.OrgID = *orgID
	}
	return &req, nil
}
