package mutation

import (
	"time"

	"github.com/memohai/auditor/internal/entity"
)

func Enroll(s entity.Scope) Mutation {
	return Mutation{Op: OpEnroll, Kind: entity.KindScope, ScopeID: s.ID, EntityID: s.ID, Scope: &s}
}

func UpdateScope(scopeID string, changes entity.Fields) Mutation {
	return Mutation{Op: OpUpdate, Kind: entity.KindScope, ScopeID: scopeID, EntityID: scopeID, Changes: changes}
}

func Unenroll(scopeID string, at time.Time) Mutation {
	return Mutation{Op: OpUnenroll, Kind: entity.KindScope, ScopeID: scopeID, EntityID: scopeID, At: entity.Timestamp(at)}
}

func InsertChannel(c entity.Channel) Mutation {
	return Mutation{Op: OpInsert, Kind: entity.KindChannel, ScopeID: c.ScopeID, EntityID: c.ID, Channel: &c}
}

func UpdateChannel(scopeID, channelID string, changes entity.Fields) Mutation {
	return Mutation{Op: OpUpdate, Kind: entity.KindChannel, ScopeID: scopeID, EntityID: channelID, Changes: changes}
}

func SoftDeleteChannel(scopeID, channelID string, at time.Time) Mutation {
	return Mutation{Op: OpSoftDelete, Kind: entity.KindChannel, ScopeID: scopeID, EntityID: channelID, At: entity.Timestamp(at)}
}

func InsertMember(m entity.Member) Mutation {
	return Mutation{Op: OpInsert, Kind: entity.KindMember, ScopeID: m.ScopeID, EntityID: m.ID, Member: &m}
}

func UpdateMember(scopeID, memberID string, changes entity.Fields) Mutation {
	return Mutation{Op: OpUpdate, Kind: entity.KindMember, ScopeID: scopeID, EntityID: memberID, Changes: changes}
}

func InsertMessage(m entity.Message) Mutation {
	return Mutation{Op: OpInsert, Kind: entity.KindMessage, ScopeID: m.ScopeID, EntityID: m.ID, ChannelID: m.ChannelID, Message: &m}
}

func MarkEdited(scopeID, channelID, messageID, content string, at time.Time) Mutation {
	return Mutation{
		Op:        OpMarkEdited,
		Kind:      entity.KindMessage,
		ScopeID:   scopeID,
		EntityID:  messageID,
		ChannelID: channelID,
		Content:   content,
		At:        entity.Timestamp(at),
	}
}

func SoftDeleteMessage(scopeID, channelID, messageID string, at time.Time) Mutation {
	return Mutation{
		Op:        OpSoftDelete,
		Kind:      entity.KindMessage,
		ScopeID:   scopeID,
		EntityID:  messageID,
		ChannelID: channelID,
		At:        entity.Timestamp(at),
	}
}

func OpenVoice(v entity.VoiceSession) Mutation {
	v.EnteredAt = entity.Timestamp(v.EnteredAt)
	return Mutation{Op: OpOpenVoice, Kind: entity.KindVoiceSession, ScopeID: v.ScopeID, EntityID: v.MemberID, ChannelID: v.ChannelID, Voice: &v}
}

func CloseVoice(scopeID, memberID string, at time.Time) Mutation {
	return Mutation{Op: OpCloseVoice, Kind: entity.KindVoiceSession, ScopeID: scopeID, EntityID: memberID, At: entity.Timestamp(at)}
}
