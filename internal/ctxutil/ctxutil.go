// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware stores claims here; handlers and the ingest
// gateway read them back without importing the server package.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyOrgID     contextKey = "org_id"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyOrgID, claims.OrgID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// OrgIDFromContext extracts the org_id from the context.
func OrgIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyOrgID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request ID, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
