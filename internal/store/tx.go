package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/auditor/internal/entity"
)

// Tx is one unit of work against a single scope's tables.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
	scopeID string
}

// ScopeID returns the scope the transaction is bound to.
func (t *Tx) ScopeID() string { return t.scopeID }

func (t *Tx) table(name string) string { return t.dialect.Table(t.scopeID, name) }

func (t *Tx) p(n int) string { return t.dialect.Placeholder(n) }

func (t *Tx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// updatable lists the projection columns each table accepts in an update.
var updatable = map[string]map[string]bool{
	tableChannels: {
		entity.FieldName: true, entity.FieldTopic: true, entity.FieldType: true,
		entity.FieldNSFW: true, entity.FieldParentID: true,
	},
	tableMembers: {
		entity.FieldDisplayName: true, entity.FieldDiscriminator: true,
		entity.FieldIsBot: true, entity.FieldNickname: true,
	},
}

// update writes changes onto the row whose key column equals id.
// extra is appended to the WHERE clause verbatim.
func (t *Tx) update(ctx context.Context, tableName, keyColumn, id string, changes entity.Fields, extra string) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	allowed := updatable[tableName]
	sets := make([]string, 0, len(changes))
	args := make([]any, 0, len(changes)+1)
	for i, field := range changes {
		if !allowed[field.Name] {
			return 0, fmt.Errorf("update %s: unknown column %q", tableName, field.Name)
		}
		sets = append(sets, field.Name+" = "+t.p(i+1))
		args = append(args, field.Value)
	}
	args = append(args, id)
	query := "UPDATE " + t.table(tableName) + " SET " + strings.Join(sets, ", ") +
		" WHERE " + keyColumn + " = " + t.p(len(args)) + extra
	return t.exec(ctx, query, args...)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return entity.Timestamp(*ts)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return entity.TimePtr(nt.Time)
}
