package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// AccessClaims is the signed body of an access token:
// {sub, org?, scopes?, typ:"access", iat, exp}.
type AccessClaims struct {
	Org    string   `json:"org,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Typ    string   `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies access tokens. The algorithm is pinned
// to HMAC-SHA256; tokens signed any other way are rejected before the
// claims are read.
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService builds a token service from the shared server secret.
func NewTokenService(secret string, expiry time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, appErrors.NewValidation("jwt secret cannot be empty")
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), expiry: expiry}, nil
}

// Mint signs a new access token for a subject.
func (s *TokenService) Mint(userID, orgID string, scopes []string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Org:    orgID,
		Scopes: scopes,
		Typ:    "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", appErrors.NewInternal("failed to sign access token", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Expired, malformed, badly signed,
// or non-access tokens all resolve to an authentication error; callers
// treat every failure as unauthenticated.
func (s *TokenService) Verify(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, appErrors.NewAuthentication("unexpected token signing method")
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, appErrors.NewAuthentication("invalid or expired token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, appErrors.NewAuthentication("invalid token claims")
	}
	if claims.Typ != "access" {
		return nil, appErrors.NewAuthentication("token is not an access token")
	}
	return claims, nil
}
