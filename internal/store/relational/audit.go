package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// AppendAuditLog records a mutation or auth decision. Callers treat
// failures as best-effort and log rather than fail the request.
func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.OrganizationID == "" || entry.Action == "" {
		return appErrors.NewValidation("audit entry requires organization and action")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return appErrors.NewValidationf("audit details not serializable: %v", err)
		}
	}

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO audit_logs (id, org_id, user_id, action, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.OrganizationID, entry.UserID, entry.Action,
		entry.ResourceType, entry.ResourceID, details, entry.CreatedAt)
	return translate(err, "")
}

// ListAuditLogs returns the organization's audit trail, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, orgID string, limit, offset int) ([]domain.AuditLog, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.q(ctx).QueryRow(ctx,
		`SELECT count(*) FROM audit_logs WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, translate(err, "")
	}

	rows, err := s.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT id, org_id, user_id, action, resource_type, resource_id, details, created_at
		FROM audit_logs
		WHERE org_id = $1
		ORDER BY created_at DESC, id
		LIMIT %d OFFSET %d`, limit, offset), orgID)
	if err != nil {
		return nil, 0, translate(err, "")
	}
	defer rows.Close()

	entries := make([]domain.AuditLog, 0)
	for rows.Next() {
		var (
			entry   domain.AuditLog
			details []byte
		)
		if err := rows.Scan(&entry.ID, &entry.OrganizationID, &entry.UserID,
			&entry.Action, &entry.ResourceType, &entry.ResourceID,
			&details, &entry.CreatedAt); err != nil {
			return nil, 0, translate(err, "")
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, 0, appErrors.NewInternal("corrupt audit details", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, total, translate(rows.Err(), "")
}
