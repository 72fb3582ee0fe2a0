package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/memohai/auditor/internal/entity"
)

const voiceColumns = "member_id, channel_id, entered_at, left_at"

// OpenVoiceSession starts a session for the member, closing any other open
// session at the new entry time. Re-opening the current session is a no-op.
func (t *Tx) OpenVoiceSession(ctx context.Context, v entity.VoiceSession) (bool, error) {
	enteredAt := entity.Timestamp(v.EnteredAt)
	current, err := t.openSession(ctx, v.MemberID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, err
	case current.ChannelID == v.ChannelID:
		return false, nil
	default:
		if _, err := t.CloseVoiceSession(ctx, v.MemberID, enteredAt); err != nil {
			return false, err
		}
	}
	n, err := t.exec(ctx,
		"INSERT INTO "+t.table(tableVoiceSessions)+" (member_id, channel_id, entered_at) VALUES ("+
			placeholders(t.dialect, 1, 3)+") ON CONFLICT (member_id, entered_at) DO NOTHING",
		v.MemberID, v.ChannelID, enteredAt)
	return n > 0, err
}

// CloseVoiceSession ends the member's open session, if any.
func (t *Tx) CloseVoiceSession(ctx context.Context, memberID string, at time.Time) (bool, error) {
	n, err := t.exec(ctx,
		"UPDATE "+t.table(tableVoiceSessions)+" SET left_at = "+t.p(1)+
			" WHERE member_id = "+t.p(2)+" AND left_at IS NULL",
		entity.Timestamp(at), memberID)
	return n > 0, err
}

// VoiceSessions returns the member's sessions, oldest first.
func (t *Tx) VoiceSessions(ctx context.Context, memberID string) ([]entity.VoiceSession, error) {
	return t.queryVoice(ctx,
		"SELECT "+voiceColumns+" FROM "+t.table(tableVoiceSessions)+
			" WHERE member_id = "+t.p(1)+" ORDER BY entered_at", memberID)
}

// OpenVoiceSessions returns every session of the scope that has not been closed.
func (t *Tx) OpenVoiceSessions(ctx context.Context) ([]entity.VoiceSession, error) {
	return t.queryVoice(ctx,
		"SELECT "+voiceColumns+" FROM "+t.table(tableVoiceSessions)+
			" WHERE left_at IS NULL ORDER BY member_id")
}

func (t *Tx) openSession(ctx context.Context, memberID string) (entity.VoiceSession, error) {
	sessions, err := t.queryVoice(ctx,
		"SELECT "+voiceColumns+" FROM "+t.table(tableVoiceSessions)+
			" WHERE member_id = "+t.p(1)+" AND left_at IS NULL", memberID)
	if err != nil {
		return entity.VoiceSession{}, err
	}
	if len(sessions) == 0 {
		return entity.VoiceSession{}, ErrNotFound
	}
	return sessions[0], nil
}

func (t *Tx) queryVoice(ctx context.Context, query string, args ...any) ([]entity.VoiceSession, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.VoiceSession
	for rows.Next() {
		var (
			v      entity.VoiceSession
			leftAt sql.NullTime
		)
		if err := rows.Scan(&v.MemberID, &v.ChannelID, &v.EnteredAt, &leftAt); err != nil {
			return nil, err
		}
		v.ScopeID = t.scopeID
		v.EnteredAt = entity.Timestamp(v.EnteredAt)
		v.LeftAt = timePtr(leftAt)
		out = append(out, v)
	}
	return out, rows.Err()
}
