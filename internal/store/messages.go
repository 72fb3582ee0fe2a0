package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/memohai/auditor/internal/entity"
)

const messageColumns = "message_id, attachment_id, channel_id, author_id, created_at, content, " +
	"is_edited, edited_at, is_deleted, deleted_at, filename, url, blob_key"

// InsertMessage stores a message as one row per attachment, or a single row
// without one. Existing rows keep their content; only a missing blob key is
// filled in. inserted reports whether the message was new.
func (t *Tx) InsertMessage(ctx context.Context, m entity.Message) (inserted bool, err error) {
	exists, err := t.messageExists(ctx, m.ID)
	if err != nil {
		return false, err
	}
	query := "INSERT INTO " + t.table(tableMessages) + " AS t (" + messageColumns + ") " +
		"VALUES (" + placeholders(t.dialect, 1, 13) + ") " +
		"ON CONFLICT (message_id, attachment_id) DO UPDATE SET blob_key = excluded.blob_key " +
		"WHERE t.blob_key = '' AND excluded.blob_key <> ''"

	attachments := m.Attachments
	if len(attachments) == 0 {
		attachments = []entity.Attachment{{}}
	}
	for _, a := range attachments {
		if _, err := t.exec(ctx, query,
			m.ID, a.ID, m.ChannelID, m.AuthorID, entity.Timestamp(m.CreatedAt), m.Content,
			m.IsEdited, nullTime(m.EditedAt), m.IsDeleted, nullTime(m.DeletedAt),
			a.Filename, a.URL, a.Key,
		); err != nil {
			return false, err
		}
	}
	return !exists, nil
}

// MarkEdited records a newer edit of a message on all of its rows.
// It is a no-op when the message is unknown, deleted, or the stored edit is
// not older. Deleted messages keep the content they had when deleted.
func (t *Tx) MarkEdited(ctx context.Context, messageID, content string, at time.Time) (bool, error) {
	at = entity.Timestamp(at)
	var editedAt sql.NullTime
	err := t.tx.QueryRowContext(ctx,
		"SELECT edited_at FROM "+t.table(tableMessages)+" WHERE message_id = "+t.p(1)+" AND is_deleted = FALSE LIMIT 1",
		messageID).Scan(&editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if editedAt.Valid && !at.After(editedAt.Time) {
		return false, nil
	}
	n, err := t.exec(ctx,
		"UPDATE "+t.table(tableMessages)+" SET content = "+t.p(1)+", is_edited = TRUE, edited_at = "+t.p(2)+
			" WHERE message_id = "+t.p(3)+" AND is_deleted = FALSE",
		content, at, messageID)
	return n > 0, err
}

// SoftDeleteMessage marks every row of a message deleted. Repeating it is a no-op.
func (t *Tx) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) (bool, error) {
	n, err := t.exec(ctx,
		"UPDATE "+t.table(tableMessages)+" SET is_deleted = TRUE, deleted_at = "+t.p(1)+
			" WHERE message_id = "+t.p(2)+" AND is_deleted = FALSE",
		entity.Timestamp(at), messageID)
	return n > 0, err
}

// Message returns one message with its attachments.
func (t *Tx) Message(ctx context.Context, messageID string) (entity.Message, error) {
	msgs, err := t.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM "+t.table(tableMessages)+
			" WHERE message_id = "+t.p(1)+" ORDER BY attachment_id", messageID)
	if err != nil {
		return entity.Message{}, err
	}
	if len(msgs) == 0 {
		return entity.Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// Messages returns every persisted message of a channel, oldest first.
func (t *Tx) Messages(ctx context.Context, channelID string) ([]entity.Message, error) {
	return t.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM "+t.table(tableMessages)+
			" WHERE channel_id = "+t.p(1)+" ORDER BY created_at, message_id, attachment_id", channelID)
}

func (t *Tx) messageExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		"SELECT 1 FROM "+t.table(tableMessages)+" WHERE message_id = "+t.p(1)+" LIMIT 1", messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// queryMessages folds attachment rows back into messages. Rows of one
// message must be adjacent in the result.
func (t *Tx) queryMessages(ctx context.Context, query string, args ...any) ([]entity.Message, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Message
	for rows.Next() {
		var (
			m         entity.Message
			a         entity.Attachment
			editedAt  sql.NullTime
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &a.ID, &m.ChannelID, &m.AuthorID, &m.CreatedAt, &m.Content,
			&m.IsEdited, &editedAt, &m.IsDeleted, &deletedAt, &a.Filename, &a.URL, &a.Key); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ID == m.ID {
			if a.ID != "" {
				out[n-1].Attachments = append(out[n-1].Attachments, a)
			}
			continue
		}
		m.ScopeID = t.scopeID
		m.CreatedAt = entity.Timestamp(m.CreatedAt)
		m.EditedAt = timePtr(editedAt)
		m.DeletedAt = timePtr(deletedAt)
		if a.ID != "" {
			m.Attachments = []entity.Attachment{a}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
