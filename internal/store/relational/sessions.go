package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// CreateAgentSession opens a resumable agent run.
func (s *Store) CreateAgentSession(ctx context.Context, sess domain.AgentSession) (*domain.AgentSession, error) {
	if sess.OrganizationID == "" || sess.Kind == "" {
		return nil, appErrors.NewValidation("agent session requires organization and kind")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = "active"
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO agent_sessions (id, org_id, project_id, kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.OrganizationID, sess.ProjectID, sess.Kind, sess.Status,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &sess, nil
}

// GetAgentSession loads one agent session within the organization.
func (s *Store) GetAgentSession(ctx context.Context, orgID, id string) (*domain.AgentSession, error) {
	var sess domain.AgentSession
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, org_id, project_id, kind, status, created_at, updated_at
		FROM agent_sessions WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&sess.ID, &sess.OrganizationID, &sess.ProjectID, &sess.Kind,
			&sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, translate(err, "agent session not found")
	}
	return &sess, nil
}

// SetAgentSessionStatus moves the session to a new status.
func (s *Store) SetAgentSessionStatus(ctx context.Context, orgID, id, status string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE agent_sessions SET status = $3, updated_at = $4
		WHERE org_id = $1 AND id = $2`,
		orgID, id, status, time.Now().UTC())
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("agent session not found")
	}
	return nil
}

// AppendAgentMessage adds one turn to a session's history.
func (s *Store) AppendAgentMessage(ctx context.Context, msg domain.AgentMessage) (*domain.AgentMessage, error) {
	if msg.SessionID == "" || msg.OrgID == "" || msg.Role == "" {
		return nil, appErrors.NewValidation("agent message requires session, organization, and role")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO agent_messages (id, session_id, org_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.SessionID, msg.OrgID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
			return translate(err, "")
		}
		_, err := q.Exec(ctx, `
			UPDATE agent_sessions SET updated_at = $3 WHERE org_id = $1 AND id = $2`,
			msg.OrgID, msg.SessionID, msg.CreatedAt)
		return translate(err, "")
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListAgentMessages returns a session's turns in order, oldest first, so
// a resume replays them directly.
func (s *Store) ListAgentMessages(ctx context.Context, orgID, sessionID string, limit int) ([]domain.AgentMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT id, session_id, org_id, role, content, created_at
		FROM agent_messages
		WHERE org_id = $1 AND session_id = $2
		ORDER BY created_at, id
		LIMIT %d`, limit), orgID, sessionID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	messages := make([]domain.AgentMessage, 0)
	for rows.Next() {
		var msg domain.AgentMessage
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.OrgID, &msg.Role,
			&msg.Content, &msg.CreatedAt); err != nil {
			return nil, translate(err, "")
		}
		messages = append(messages, msg)
	}
	return messages, translate(rows.Err(), "")
}

// CreateUserSession persists a cookie-backed login session. Only the
// token hash is stored.
func (s *Store) CreateUserSession(ctx context.Context, sess domain.UserSession) (*domain.UserSession, error) {
	if sess.UserID == "" || sess.TokenHash == "" {
		return nil, appErrors.NewValidation("user session requires user and token hash")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO user_sessions (id, user_id, org_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, nullable(sess.OrgID), sess.TokenHash,
		sess.ExpiresAt, sess.CreatedAt)
	if err != nil {
		return nil, translate(err, "")
	}
	return &sess, nil
}

// GetUserSessionByTokenHash resolves a presented session cookie.
func (s *Store) GetUserSessionByTokenHash(ctx context.Context, tokenHash string) (*domain.UserSession, error) {
	var (
		sess  domain.UserSession
		orgID *string
	)
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, org_id, token_hash, expires_at, revoked_at, created_at
		FROM user_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&sess.ID, &sess.UserID, &orgID, &sess.TokenHash,
			&sess.ExpiresAt, &sess.RevokedAt, &sess.CreatedAt)
	if err != nil {
		return nil, translate(err, "session not found")
	}
	if orgID != nil {
		sess.OrgID = *orgID
	}
	return &sess, nil
}

// RevokeUserSession invalidates a login session.
func (s *Store) RevokeUserSession(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE user_sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return translate(err, "")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NewNotFound("session not found")
	}
	return nil
}

// PurgeExpiredSessions deletes sessions past their expiry. Returns how
// many were removed.
func (s *Store) PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM user_sessions WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, translate(err, "")
	}
	return int(tag.RowsAffected()), nil
}

// nullable maps the empty string to SQL NULL for optional text columns.
func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
