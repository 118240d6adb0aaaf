// Package scope carries multi-tenant execution context (environment and
// organization identity) through context.Context.
//
// Every job belongs to an environment/organization pair. The scope is
// captured at trigger time, persisted on the job, and restored into the
// context before the job's handler runs, so that all store reads and
// writes stay inside the owning environment.
package scope

import "context"

type contextKey struct{}

// Scope identifies the tenant an operation runs on behalf of.
type Scope struct {
	EnvironmentID  string
	OrganizationID string
}

// IsZero reports whether the scope carries no tenant identity.
func (s Scope) IsZero() bool {
	return s.EnvironmentID == "" && s.OrganizationID == ""
}

// With attaches a scope to the context.
func With(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// From extracts the scope from the context.
// The second return is false if no scope is present.
func From(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	return s, ok
}

// Capture extracts the environment and organization identifiers from the
// context. Returns empty strings if no scope is present.
func Capture(ctx context.Context) (environmentID, organizationID string) {
	s, ok := From(ctx)
	if !ok {
		return "", ""
	}
	return s.EnvironmentID, s.OrganizationID
}

// Restore attaches a scope to the context using the given environment
// and organization IDs. If both are empty, the context is returned
// unchanged (no-op).
func Restore(ctx context.Context, environmentID, organizationID string) context.Context {
	if environmentID == "" && organizationID == "" {
		return ctx
	}
	return With(ctx, Scope{EnvironmentID: environmentID, OrganizationID: organizationID})
}

// Check verifies that the context's scope (if any) matches the given
// environment. It returns false when a scope is present and does not
// match; callers translate that into notify.ErrScopeViolation.
func Check(ctx context.Context, environmentID string) bool {
	s, ok := From(ctx)
	if !ok || s.EnvironmentID == "" {
		return true
	}
	return s.EnvironmentID == environmentID
}
