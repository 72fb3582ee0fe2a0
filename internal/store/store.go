// Package store is the audit store client: per-scope table provisioning,
// transactional units of work and the typed reads and writes the audit writer
// and reconciler issue against PostgreSQL or SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/memohai/auditor/internal/config"
)

// RetryPolicy bounds the retries of a unit of work that failed transiently.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryPolicyFrom converts the configured retry section.
func RetryPolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval.Duration,
		MaxInterval:     cfg.MaxInterval.Duration,
	}
}

// Store wraps a pooled database handle. Every unit of work runs in its own
// transaction on a connection checked out for that unit only.
type Store struct {
	db      *sql.DB
	dialect Dialect
	policy  RetryPolicy
	logger  *slog.Logger

	mu          sync.Mutex
	provisioned map[string]struct{}
}

// New creates a store over an open handle.
func New(conn *sql.DB, dialect Dialect, policy RetryPolicy, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Store{
		db:          conn,
		dialect:     dialect,
		policy:      policy,
		logger:      log.With(slog.String("component", "store")),
		provisioned: map[string]struct{}{},
	}
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// ProvisionResult describes the outcome of EnsureSchema.
type ProvisionResult struct {
	// Created is true when this call recorded the first provisioning of an enrolled scope.
	Created bool
}

// EnsureSchema creates the scope's table set if it does not exist yet and
// stamps provisioned_at on the scope's registry row. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context, scopeID string) (ProvisionResult, error) {
	if err := ValidateScopeID(scopeID); err != nil {
		return ProvisionResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.provisioned[scopeID]; ok {
		return ProvisionResult{}, nil
	}

	var result ProvisionResult
	err := s.retry(ctx, func() error {
		result = ProvisionResult{}
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range s.dialect.Provision(scopeID) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("provision scope %s: %w", scopeID, err)
				}
			}
			res, err := tx.ExecContext(ctx,
				"UPDATE scopes SET provisioned_at = "+s.dialect.Placeholder(1)+
					" WHERE scope_id = "+s.dialect.Placeholder(2)+" AND provisioned_at IS NULL",
				time.Now().UTC(), scopeID)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			result.Created = n > 0
			return nil
		})
	})
	if err != nil {
		return ProvisionResult{}, err
	}
	s.provisioned[scopeID] = struct{}{}
	if result.Created {
		s.logger.Info("scope provisioned", slog.String("scope_id", scopeID))
	}
	return result, nil
}

// Run executes fn as one transaction against the scope's tables.
// Transient failures are retried with backoff and escalate to ErrFatal once
// the attempts are exhausted. A missing schema is provisioned once and the
// unit of work retried.
func (s *Store) Run(ctx context.Context, scopeID string, fn func(*Tx) error) error {
	if err := ValidateScopeID(scopeID); err != nil {
		return err
	}
	unit := func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			return fn(&Tx{tx: tx, dialect: s.dialect, scopeID: scopeID})
		})
	}
	err := s.retry(ctx, unit)
	if !errors.Is(err, ErrSchemaMissing) {
		return err
	}
	s.forget(scopeID)
	if _, perr := s.EnsureSchema(ctx, scopeID); perr != nil {
		return fmt.Errorf("provision after missing schema: %w", perr)
	}
	return s.retry(ctx, unit)
}

// View runs fn like Run but never provisions: reads of an unknown scope fail with ErrSchemaMissing.
func (s *Store) View(ctx context.Context, scopeID string, fn func(*Tx) error) error {
	if err := ValidateScopeID(scopeID); err != nil {
		return err
	}
	return s.retry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			return fn(&Tx{tx: tx, dialect: s.dialect, scopeID: scopeID})
		})
	})
}

func (s *Store) forget(scopeID string) {
	s.mu.Lock()
	delete(s.provisioned, scopeID)
	s.mu.Unlock()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// retry runs op until it succeeds, fails permanently or the attempts run out.
func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if s.policy.InitialInterval > 0 {
		b.InitialInterval = s.policy.InitialInterval
	}
	if s.policy.MaxInterval > 0 {
		b.MaxInterval = s.policy.MaxInterval
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		if err == nil || errors.Is(err, ErrTransient) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("transient store error, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slog.Any("error", err))
		}),
	)
	if errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w after %d attempts: %w", ErrFatal, attempt, err)
	}
	return err
}
