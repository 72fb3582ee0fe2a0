package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/auditor/internal/db"
	"github.com/memohai/auditor/internal/entity"
)

// ErrScopeExists is returned by InsertScope when the scope already has a registry row.
var ErrScopeExists = errors.New("scope already registered")

const scopeColumns = "scope_id, name, owner_id, enrolled_at, currently_enrolled, unenrolled_at"

// InsertScope adds a registry row for a newly enrolled scope.
func (s *Store) InsertScope(ctx context.Context, sc entity.Scope) error {
	err := s.retry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO scopes ("+scopeColumns+") VALUES ("+placeholders(s.dialect, 1, 5)+", NULL)",
				sc.ID, sc.Name, sc.OwnerID, entity.Timestamp(sc.EnrolledAt), true)
			return err
		})
	})
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrScopeExists, sc.ID)
	}
	return err
}

// ReenrollScope marks an existing scope enrolled again and refreshes its name and owner.
// The original enrollment time is kept.
func (s *Store) ReenrollScope(ctx context.Context, sc entity.Scope) (bool, error) {
	return s.execScope(ctx,
		"UPDATE scopes SET name = "+s.dialect.Placeholder(1)+", owner_id = "+s.dialect.Placeholder(2)+
			", currently_enrolled = TRUE, unenrolled_at = NULL WHERE scope_id = "+s.dialect.Placeholder(3),
		sc.Name, sc.OwnerID, sc.ID)
}

// UnenrollScope marks a scope as no longer enrolled. Its audit tables are kept.
func (s *Store) UnenrollScope(ctx context.Context, scopeID string, at time.Time) (bool, error) {
	return s.execScope(ctx,
		"UPDATE scopes SET currently_enrolled = FALSE, unenrolled_at = "+s.dialect.Placeholder(1)+
			" WHERE scope_id = "+s.dialect.Placeholder(2)+" AND currently_enrolled = TRUE",
		entity.Timestamp(at), scopeID)
}

// UpdateScope writes changed name or owner columns. Values equal to the
// stored ones leave the row untouched and report false.
func (s *Store) UpdateScope(ctx context.Context, scopeID string, changes entity.Fields) (bool, error) {
	if len(changes) == 0 {
		return false, nil
	}
	n := len(changes)
	sets := make([]string, 0, n)
	diffs := make([]string, 0, n)
	args := make([]any, 0, 2*n+1)
	for i, field := range changes {
		switch field.Name {
		case entity.FieldName, entity.FieldOwnerID:
		default:
			return false, fmt.Errorf("update scopes: unknown column %q", field.Name)
		}
		sets = append(sets, field.Name+" = "+s.dialect.Placeholder(i+1))
		diffs = append(diffs, field.Name+" <> "+s.dialect.Placeholder(n+2+i))
		args = append(args, field.Value)
	}
	args = append(args, scopeID)
	for _, field := range changes {
		args = append(args, field.Value)
	}
	return s.execScope(ctx,
		"UPDATE scopes SET "+strings.Join(sets, ", ")+
			" WHERE scope_id = "+s.dialect.Placeholder(n+1)+" AND ("+strings.Join(diffs, " OR ")+")",
		args...)
}

// Scope returns one registry row.
func (s *Store) Scope(ctx context.Context, scopeID string) (entity.Scope, error) {
	scopes, err := s.queryScopes(ctx, "SELECT "+scopeColumns+" FROM scopes WHERE scope_id = "+s.dialect.Placeholder(1), scopeID)
	if err != nil {
		return entity.Scope{}, err
	}
	if len(scopes) == 0 {
		return entity.Scope{}, ErrNotFound
	}
	return scopes[0], nil
}

// Scopes returns every registry row, enrolled or not.
func (s *Store) Scopes(ctx context.Context) ([]entity.Scope, error) {
	return s.queryScopes(ctx, "SELECT "+scopeColumns+" FROM scopes ORDER BY scope_id")
}

func (s *Store) execScope(ctx context.Context, query string, args ...any) (bool, error) {
	var n int64
	err := s.retry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
	})
	return n > 0, err
}

func (s *Store) queryScopes(ctx context.Context, query string, args ...any) ([]entity.Scope, error) {
	var out []entity.Scope
	err := s.retry(ctx, func() error {
		out = nil
		return s.inTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var (
					sc           entity.Scope
					unenrolledAt sql.NullTime
				)
				if err := rows.Scan(&sc.ID, &sc.Name, &sc.OwnerID, &sc.EnrolledAt, &sc.CurrentlyEnrolled, &unenrolledAt); err != nil {
					return err
				}
				sc.EnrolledAt = entity.Timestamp(sc.EnrolledAt)
				sc.UnenrolledAt = timePtr(unenrolledAt)
				out = append(out, sc)
			}
			return rows.Err()
		})
	})
	return out, err
}
