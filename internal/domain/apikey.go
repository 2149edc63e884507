package domain

import "time"

// Scopes gate read/write access at the transport edge.
const (
	ScopeAPIRead  = "api:read"
	ScopeAPIWrite = "api:write"
	ScopeMCP      = "mcp"
)

// APIKey is a long-lived credential. The key itself is never stored;
// only (prefix, salt, PBKDF2 hash) are persisted.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	SaltHex        string     `json:"-"`
	HashHex        string     `json:"-"`
	Scopes         []string   `json:"scopes"`
	// ProjectIDs restricts the key to specific projects.
	// nil = unrestricted, empty = no projects.
	ProjectIDs *[]string  `json:"project_ids,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Usable reports whether the key is neither revoked nor expired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// UserSession is a cookie-backed login session.
type UserSession struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	OrgID     string     `json:"organization_id,omitempty"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuditLog records a mutation or auth decision, best-effort.
type AuditLog struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SystemSetting is a typed key/value row (encryption key material,
// feature flags).
type SystemSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrganizationInvitation is a pending invite to join an org.
type OrganizationInvitation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	Role           OrgRole    `json:"role"`
	TokenHash      string     `json:"-"`
	InvitedBy      string     `json:"invited_by"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeviceAuthorizationRequest backs a device-code login flow. Only the
// record shape is owned here; the flow itself lives at the transport edge.
type DeviceAuthorizationRequest struct {
	ID         string     `json:"id"`
	DeviceCode string     `json:"-"`
	UserCode   string     `json:"user_code"`
	UserID     string     `json:"user_id,omitempty"`
	OrgID      string     `json:"organization_id,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AgentSession is a resumable multi-turn agent run. Kind names the
// workflow (execution, brainstorm, synthesis); resume loads the message
// history back into the run.
type AgentSession struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ProjectID      string    `json:"project_id,omitempty"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AgentMessage is one turn of a persisted agent session.
type AgentMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	OrgID     string    `json:"organization_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
