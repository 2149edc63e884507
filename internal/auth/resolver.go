package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// CredentialStore is the slice of the relational store the resolver reads.
type CredentialStore interface {
	GetMembership(ctx context.Context, orgID, userID string) (*domain.Membership, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error
}

// Surface names the transport path a request arrived on; scope rules
// differ between them.
type Surface string

const (
	SurfaceREST Surface = "rest"
	SurfaceMCP  Surface = "mcp"
)

// Resolver turns bearer tokens into auth contexts. The pipeline is:
// JWT verification first, then the API-key grammar, then unauthenticated.
type Resolver struct {
	tokens *TokenService
	store  CredentialStore
	logger *zap.Logger
}

// NewResolver wires the resolution pipeline.
func NewResolver(tokens *TokenService, store CredentialStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{tokens: tokens, store: store, logger: logger}
}

// Resolve authenticates a bearer token and loads the subject's org
// membership. An empty token, a bad signature, an expired JWT, and a
// revoked or expired API key all return an authentication error. A valid
// credential whose user is not a member of its organization returns the
// structured org_access_denied 403.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Context, error) {
	if token == "" {
		return nil, appErrors.NewAuthentication("missing authentication token")
	}

	var ac *Context
	switch {
	case IsAPIKey(token):
		resolved, err := r.resolveAPIKey(ctx, token)
		if err != nil {
			return nil, err
		}
		ac = resolved
	default:
		claims, err := r.tokens.Verify(token)
		if err != nil {
			return nil, err
		}
		ac = &Context{
			UserID: claims.Subject,
			OrgID:  claims.Org,
			Scopes: NewScopeSet(claims.Scopes),
		}
	}

	if ac.OrgID != "" {
		membership, err := r.store.GetMembership(ctx, ac.OrgID, ac.UserID)
		if err != nil {
			if appErrors.IsNotFound(err) {
				return nil, appErrors.NewAuthorization(appErrors.CodeOrgAccessDenied, "not a member of this organization").
					WithDetail("organization_id", ac.OrgID)
			}
			return nil, appErrors.Wrap(err, "failed to load organization membership")
		}
		ac.OrgRole = membership.Role
	}
	return ac, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, token string) (*Context, error) {
	prefix := KeyPrefix(token)
	if prefix == "" {
		return nil, appErrors.NewAuthentication("malformed API key")
	}
	key, err := r.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, appErrors.NewAuthentication("unknown API key")
		}
		return nil, appErrors.Wrap(err, "failed to look up API key")
	}
	if !VerifyAPIKey(token, key.SaltHex, key.HashHex) {
		return nil, appErrors.NewAuthentication("invalid API key")
	}
	if !key.Usable(time.Now()) {
		return nil, appErrors.NewAuthentication("API key is revoked or expired")
	}

	// Last-used bookkeeping is best-effort; a failed touch never blocks
	// the request.
	if err := r.store.TouchAPIKey(ctx, key.ID, time.Now()); err != nil {
		r.logger.Warn("failed to record API key use",
			zap.String("api_key_id", key.ID), zap.Error(err))
	}

	return &Context{
		UserID:      key.UserID,
		OrgID:       key.OrganizationID,
		Scopes:      NewScopeSet(key.Scopes),
		APIKeyID:    key.ID,
		KeyProjects: key.ProjectIDs,
	}, nil
}

// CheckScopes enforces the transport scope rules on an API-key context.
// Interactive sessions (no key, no scopes) pass unchanged. REST reads
// accept api:read or api:write, REST mutations require api:write, and the
// MCP surface requires the mcp scope.
func CheckScopes(ac *Context, surface Surface, mutating bool) error {
	if ac.Unrestricted() {
		return nil
	}
	switch surface {
	case SurfaceMCP:
		if !ac.HasScope(domain.ScopeMCP) {
			return appErrors.NewAuthorization(appErrors.CodeInsufficientPermissions, "credential lacks the mcp scope").
				WithDetail("required_scope", domain.ScopeMCP)
		}
		return nil
	default:
		if mutating {
			if !ac.HasScope(domain.ScopeAPIWrite) {
				return appErrors.NewAuthorization(appErrors.CodeInsufficientPermissions, "credential lacks write access").
					WithDetail("required_scope", domain.ScopeAPIWrite)
			}
			return nil
		}
		if !ac.HasScope(domain.ScopeAPIRead) && !ac.HasScope(domain.ScopeAPIWrite) {
			return appErrors.NewAuthorization(appErrors.CodeInsufficientPermissions, "credential lacks read access").
				WithDetail("required_scope", domain.ScopeAPIRead)
		}
		return nil
	}
}
