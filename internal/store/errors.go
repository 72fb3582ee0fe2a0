package store

import (
	"errors"
	"fmt"

	"github.com/memohai/auditor/internal/db"
)

var (
	// ErrTransient marks a failure worth retrying (connection drop, lock timeout).
	ErrTransient = errors.New("transient store error")
	// ErrFatal marks a unit of work that exhausted its retries; the scope's pass is aborted.
	ErrFatal = errors.New("fatal store error")
	// ErrSchemaMissing means the scope's tables have not been provisioned yet.
	ErrSchemaMissing = errors.New("scope schema missing")
	// ErrNotFound is returned by single-record lookups.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidScopeID rejects IDs that cannot name a scope schema.
	ErrInvalidScopeID = errors.New("invalid scope id")
)

// classify maps a driver error onto the store's error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSchemaMissing), errors.Is(err, ErrTransient):
		return err
	case db.IsUndefinedTable(err):
		return fmt.Errorf("%w: %w", ErrSchemaMissing, err)
	case db.IsTransient(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return err
	}
}
