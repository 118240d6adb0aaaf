package middleware

import (
	"context"

	"github.com/xraph/notify/job"
	"github.com/xraph/notify/scope"
)

// Scope returns middleware that restores tenant scope from the job's
// environment/organization fields into the context. Handlers and stores
// then see the same scope as the original trigger caller.
func Scope() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx = scope.Restore(ctx, j.EnvironmentID, j.OrganizationID)
		return next(ctx)
	}
}
