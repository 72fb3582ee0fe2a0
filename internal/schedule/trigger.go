package schedule

import (
	"context"

	"github.com/memohai/auditor/internal/reconcile"
)

// Runner runs a reconciliation pass over the named scopes, or over every
// live scope when none are named.
type Runner interface {
	RunScopes(ctx context.Context, scopeIDs ...string) (reconcile.Summary, error)
}
