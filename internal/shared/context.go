package shared

import (
	"context"
	"strings"
)

// Principal identifies the tenant and user a request acts for.
type Principal struct {
	TenantID    string
	ActorUserID string
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// RequirePrincipal returns the principal or a typed resolution error.
func RequirePrincipal(ctx context.Context) (Principal, error) {
	p, _ := PrincipalFromContext(ctx)
	if strings.TrimSpace(p.TenantID) == "" {
		return Principal{}, ErrTenantUnresolved
	}
	if strings.TrimSpace(p.ActorUserID) == "" {
		return Principal{}, ErrActorUnresolved
	}
	return p, nil
}
