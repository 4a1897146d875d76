// Package authctx carries the identity the external Auth subsystem already
// established (user, org, session) through a request's context.Context, and
// decodes that identity from the bearer token Auth issued.
package authctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the caller identity an already-authenticated request carries:
// who is executing a component, on whose behalf, and under which session.
type Principal struct {
	UserID    string
	OrgID     string
	SessionID string
}

type principalKey struct{}

// WithPrincipal returns a context carrying p, retrievable with FromContext.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the Principal carried by ctx, or nil if none was set.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// UserID returns ctx's principal's user ID, or "" if ctx carries none.
func UserID(ctx context.Context) string {
	if p := FromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}

// claims is the JWT payload shape Auth issues: user_id/org_id/session_id on
// top of the registered claim set.
type claims struct {
	UserID    string `json:"user_id"`
	OrgID     string `json:"org_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// ErrMissingSubject is returned when a token decodes but carries no user_id.
var ErrMissingSubject = errors.New("authctx: token has no user_id claim")

// ParseBearer decodes and verifies a bearer token issued by Auth, returning
// the Principal it carries. keyFunc resolves the verification key, the same
// indirection jwt.ParseWithClaims uses, so callers can rotate keys or select
// by kid without this package knowing about key material.
func ParseBearer(tokenString string, keyFunc jwt.Keyfunc) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, keyFunc, jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}))
	if err != nil {
		return nil, fmt.Errorf("authctx: parsing bearer token: %w", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, errors.New("authctx: token failed validation")
	}
	if c.UserID == "" {
		return nil, ErrMissingSubject
	}
	return &Principal{UserID: c.UserID, OrgID: c.OrgID, SessionID: c.SessionID}, nil
}
