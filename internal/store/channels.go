package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/memohai/auditor/internal/entity"
)

const channelColumns = "channel_id, name, topic, type, nsfw, parent_id, is_deleted, deleted_at"

// UpsertChannel inserts a channel or refreshes its tracked columns.
// A soft-deleted channel is never brought back: applied is false in that case.
func (t *Tx) UpsertChannel(ctx context.Context, c entity.Channel) (applied bool, err error) {
	query := "INSERT INTO " + t.table(tableChannels) + " AS t (channel_id, name, topic, type, nsfw, parent_id, is_deleted) " +
		"VALUES (" + placeholders(t.dialect, 1, 6) + ", FALSE) " +
		"ON CONFLICT (channel_id) DO UPDATE SET name = excluded.name, topic = excluded.topic, type = excluded.type, " +
		"nsfw = excluded.nsfw, parent_id = excluded.parent_id WHERE t.is_deleted = FALSE"
	n, err := t.exec(ctx, query, c.ID, c.Name, nullString(c.Topic), string(c.Type), c.NSFW, nullString(c.ParentID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateChannel writes changed columns onto a live channel.
func (t *Tx) UpdateChannel(ctx context.Context, channelID string, changes entity.Fields) (bool, error) {
	n, err := t.update(ctx, tableChannels, "channel_id", channelID, changes, " AND is_deleted = FALSE")
	return n > 0, err
}

// SoftDeleteChannel marks a channel deleted. Repeating it is a no-op.
func (t *Tx) SoftDeleteChannel(ctx context.Context, channelID string, at time.Time) (bool, error) {
	n, err := t.exec(ctx,
		"UPDATE "+t.table(tableChannels)+" SET is_deleted = TRUE, deleted_at = "+t.p(1)+
			" WHERE channel_id = "+t.p(2)+" AND is_deleted = FALSE",
		entity.Timestamp(at), channelID)
	return n > 0, err
}

// Channel returns one channel, deleted or not.
func (t *Tx) Channel(ctx context.Context, channelID string) (entity.Channel, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM "+t.table(tableChannels)+" WHERE channel_id = "+t.p(1), channelID)
	c, err := t.scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Channel{}, ErrNotFound
	}
	return c, err
}

// Channels returns every persisted channel of the scope, deleted ones included.
func (t *Tx) Channels(ctx context.Context) ([]entity.Channel, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+channelColumns+" FROM "+t.table(tableChannels)+" ORDER BY channel_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Channel
	for rows.Next() {
		c, err := t.scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *Tx) scanChannel(row scanner) (entity.Channel, error) {
	var (
		c         entity.Channel
		typ       string
		topic     sql.NullString
		parentID  sql.NullString
		deletedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &topic, &typ, &c.NSFW, &parentID, &c.IsDeleted, &deletedAt); err != nil {
		return entity.Channel{}, err
	}
	c.ScopeID = t.scopeID
	c.Type = entity.ChannelType(typ)
	c.Topic = stringPtr(topic)
	c.ParentID = stringPtr(parentID)
	c.DeletedAt = timePtr(deletedAt)
	return c, nil
}
