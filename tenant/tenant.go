// Package tenant derives and carries the space-isolation context described
// in spec component C2. A Context is resolved once per incoming operation
// from a verified identity (or its absence) and threaded explicitly through
// every call that touches C3/C6/C7/C8 — nothing here hides behind goroutine-
// local state.
package tenant

import (
	"context"
	"fmt"

	"kairos.run/security"
)

// NoAuthSpaceID is the reserved write space used when auth is enabled but
// no identity is present; all data operations against it still fail with
// AUTH_REQUIRED, per §4.2 — it exists only so code paths that need "some"
// write space id have one to reference in error messages.
const NoAuthSpaceID = "space:no-auth"

// Context is the resolved tenant/space scope for one operation.
type Context struct {
	UserID              string
	GroupIDs            []string
	Realm               string
	AllowedSpaceIDs     []string
	DefaultWriteSpaceID string
	Authenticated       bool
	AppSpaceID          string
}

// AllSpaceIDs returns the spaces a search/read may touch: the caller's
// allowed spaces plus the shared app space.
func (c *Context) AllSpaceIDs() []string {
	out := make([]string, 0, len(c.AllowedSpaceIDs)+1)
	out = append(out, c.AllowedSpaceIDs...)
	for _, s := range out {
		if s == c.AppSpaceID {
			return out
		}
	}
	return append(out, c.AppSpaceID)
}

// Owns reports whether spaceID is one this context is allowed to read.
func (c *Context) Owns(spaceID string) bool {
	for _, s := range c.AllSpaceIDs() {
		if s == spaceID {
			return true
		}
	}
	return false
}

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// WithContext attaches a tenant Context to a context.Context for the
// duration of one operation.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey, tc)
}

// FromContext retrieves the tenant Context previously attached by
// WithContext. The second return is false if none is present.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey).(*Context)
	return tc, ok
}

// Resolver builds tenant Contexts from verified identity claims, applying
// the auth-enabled/disabled rules from §4.2.
type Resolver struct {
	AuthEnabled bool
	AppSpaceID  string
}

// NewResolver constructs a Resolver. appSpaceID is the shared space visible
// to all identities (APP_SPACE_ID).
func NewResolver(authEnabled bool, appSpaceID string) *Resolver {
	if appSpaceID == "" {
		appSpaceID = "space:kairos-app"
	}
	return &Resolver{AuthEnabled: authEnabled, AppSpaceID: appSpaceID}
}

// ResolveAnonymous builds the Context used when auth is disabled: a single
// default space shared by all requests.
func (r *Resolver) ResolveAnonymous() *Context {
	defaultSpace := "space:default"
	return &Context{
		AllowedSpaceIDs:     []string{defaultSpace},
		DefaultWriteSpaceID: defaultSpace,
		Authenticated:       false,
		AppSpaceID:          r.AppSpaceID,
	}
}

// ResolveUnauthenticated builds the Context used when auth is enabled but
// no identity was presented: empty read scope, a reserved write space, and
// every data operation against it is expected to fail with AUTH_REQUIRED
// at the call site.
func (r *Resolver) ResolveUnauthenticated() *Context {
	return &Context{
		AllowedSpaceIDs:     nil,
		DefaultWriteSpaceID: NoAuthSpaceID,
		Authenticated:       false,
		AppSpaceID:          r.AppSpaceID,
	}
}

// ResolveClaims builds the Context for a verified identity.
func (r *Resolver) ResolveClaims(claims *security.Claims, groups []string) *Context {
	realm := realmOf(claims.Issuer)
	userSpace := fmt.Sprintf("user:%s:%s", realm, claims.Subject)

	allowed := make([]string, 0, len(groups)+2)
	allowed = append(allowed, userSpace)
	for _, g := range groups {
		allowed = append(allowed, fmt.Sprintf("group:%s:%s", realm, g))
	}
	allowed = append(allowed, r.AppSpaceID)

	return &Context{
		UserID:              claims.Subject,
		GroupIDs:            groups,
		Realm:               realm,
		AllowedSpaceIDs:     allowed,
		DefaultWriteSpaceID: userSpace,
		Authenticated:       true,
		AppSpaceID:          r.AppSpaceID,
	}
}

// Resolve dispatches to the appropriate Resolve* variant based on whether
// claims is nil and whether auth is enabled.
func (r *Resolver) Resolve(claims *security.Claims, groups []string) *Context {
	if !r.AuthEnabled {
		return r.ResolveAnonymous()
	}
	if claims == nil {
		return r.ResolveUnauthenticated()
	}
	return r.ResolveClaims(claims, groups)
}

// realmOf returns the realm label used in space ids: the issuer string
// exactly as it appears in the token, or "default" when it is empty. No
// normalization is applied, so issuers that differ only in scheme or path
// yield different realms.
func realmOf(issuer string) string {
	if issuer == "" {
		return "default"
	}
	return issuer
}
