// Package auth implements the authorization kernel: token resolution,
// API-key verification, effective project roles, and the accessible-project
// set every read operation filters by.
package auth

import (
	"context"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Context is the resolved view of a request's identity and permissions.
// It is a value object: resolved once per request, then read-only.
type Context struct {
	UserID  string
	OrgID   string
	OrgRole domain.OrgRole

	// Scopes is the frozen scope set from the credential. Empty for
	// plain user sessions, which are unrestricted at the transport edge.
	Scopes map[string]struct{}

	// APIKeyID is set when the request authenticated with an API key.
	APIKeyID string

	// KeyProjects restricts an API key to specific projects.
	// nil = unrestricted, empty = no projects, otherwise only those IDs.
	KeyProjects *[]string
}

// Authenticated reports whether a subject was resolved.
func (c *Context) Authenticated() bool {
	return c != nil && c.UserID != ""
}

// HasScope reports whether the credential carries scope. Credentials with
// no scope set are unrestricted.
func (c *Context) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// Unrestricted reports whether the credential skips scope checks entirely
// (interactive sessions rather than API keys).
func (c *Context) Unrestricted() bool {
	return c.APIKeyID == "" && len(c.Scopes) == 0
}

// RequireOrg returns the organization ID or the structured 403 used when
// an operation needs a tenant and the context has none.
func (c *Context) RequireOrg() (string, error) {
	if c == nil || c.OrgID == "" {
		return "", appErrors.NewAuthorization(appErrors.CodeNoOrgContext, "operation requires an organization context")
	}
	return c.OrgID, nil
}

// NewScopeSet freezes a scope list into a set.
func NewScopeSet(scopes []string) map[string]struct{} {
	if len(scopes) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

type contextKey struct{}

// WithContext attaches the resolved auth context to a request context.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext extracts the resolved auth context. Missing context means
// the request never passed the resolver.
func FromContext(ctx context.Context) (*Context, error) {
	ac, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || ac == nil {
		return nil, appErrors.NewAuthentication("request is not authenticated")
	}
	return ac, nil
}

// DevOrgID is the tenant DevContext defaults to when disable_auth is set
// and the caller has no better idea.
const DevOrgID = "org-dev"

// DevContext returns the synthetic full-access context used when
// disable_auth is set. The config loader refuses that flag in production.
func DevContext(orgID string) *Context {
	return &Context{
		UserID:  "dev-user",
		OrgID:   orgID,
		OrgRole: domain.OrgRoleOwner,
	}
}
