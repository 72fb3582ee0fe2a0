package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/memohai/auditor/internal/entity"
)

const memberColumns = "member_id, display_name, discriminator, is_bot, nickname"

// UpsertMember inserts a member or refreshes its tracked columns.
// A member who rejoins keeps the same record.
func (t *Tx) UpsertMember(ctx context.Context, m entity.Member) (bool, error) {
	query := "INSERT INTO " + t.table(tableMembers) + " (" + memberColumns + ") " +
		"VALUES (" + placeholders(t.dialect, 1, 5) + ") " +
		"ON CONFLICT (member_id) DO UPDATE SET display_name = excluded.display_name, " +
		"discriminator = excluded.discriminator, is_bot = excluded.is_bot, nickname = excluded.nickname"
	n, err := t.exec(ctx, query, m.ID, m.DisplayName, m.Discriminator, m.IsBot, nullString(m.Nickname))
	return n > 0, err
}

// UpdateMember writes changed columns onto a member.
func (t *Tx) UpdateMember(ctx context.Context, memberID string, changes entity.Fields) (bool, error) {
	n, err := t.update(ctx, tableMembers, "member_id", memberID, changes, "")
	return n > 0, err
}

// Member returns one member.
func (t *Tx) Member(ctx context.Context, memberID string) (entity.Member, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM "+t.table(tableMembers)+" WHERE member_id = "+t.p(1), memberID)
	m, err := t.scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Member{}, ErrNotFound
	}
	return m, err
}

// Members returns every persisted member of the scope.
func (t *Tx) Members(ctx context.Context) ([]entity.Member, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM "+t.table(tableMembers)+" ORDER BY member_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Member
	for rows.Next() {
		m, err := t.scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *Tx) scanMember(row scanner) (entity.Member, error) {
	var (
		m        entity.Member
		nickname sql.NullString
	)
	if err := row.Scan(&m.ID, &m.DisplayName, &m.Discriminator, &m.IsBot, &nickname); err != nil {
		return entity.Member{}, err
	}
	m.ScopeID = t.scopeID
	m.Nickname = stringPtr(nickname)
	return m, nil
}
