package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/memohai/auditor/internal/entity"
)

// ScopeFromGuild converts a guild into a scope snapshot.
func ScopeFromGuild(g *discordgo.Guild) entity.Scope {
	return entity.Scope{ID: g.ID, Name: g.Name, OwnerID: g.OwnerID}
}

// ChannelType maps Discord channel kinds onto the audited ones.
func ChannelType(t discordgo.ChannelType) entity.ChannelType {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return entity.ChannelText
	case discordgo.ChannelTypeGuildNews:
		return entity.ChannelNews
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return entity.ChannelVoice
	case discordgo.ChannelTypeGuildCategory:
		return entity.ChannelCategory
	default:
		return entity.ChannelOther
	}
}

func ChannelFromDiscord(c *discordgo.Channel) entity.Channel {
	return entity.Channel{
		ScopeID:  c.GuildID,
		ID:       c.ID,
		Name:     c.Name,
		Topic:    entity.StringPtr(c.Topic),
		Type:     ChannelType(c.Type),
		NSFW:     c.NSFW,
		ParentID: entity.StringPtr(c.ParentID),
	}
}

// MemberFromDiscord converts a guild member. Members delivered without a
// guild ID (REST listings) take scopeID.
func MemberFromDiscord(scopeID string, m *discordgo.Member) entity.Member {
	if m.GuildID != "" {
		scopeID = m.GuildID
	}
	out := entity.Member{ScopeID: scopeID, Nickname: entity.StringPtr(m.Nick)}
	if u := m.User; u != nil {
		out.ID = u.ID
		out.DisplayName = u.GlobalName
		if out.DisplayName == "" {
			out.DisplayName = u.Username
		}
		out.Discriminator = u.Discriminator
		out.IsBot = u.Bot
	}
	return out
}

// MessageFromDiscord converts a message. REST history omits the guild ID, so
// scopeID is used when the message carries none.
func MessageFromDiscord(scopeID string, m *discordgo.Message) entity.Message {
	if m.GuildID != "" {
		scopeID = m.GuildID
	}
	out := entity.Message{
		ScopeID:   scopeID,
		ChannelID: m.ChannelID,
		ID:        m.ID,
		CreatedAt: entity.Timestamp(m.Timestamp),
		Content:   m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	if m.EditedTimestamp != nil {
		out.IsEdited = true
		out.EditedAt = entity.TimePtr(*m.EditedTimestamp)
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		out.Attachments = append(out.Attachments, entity.Attachment{ID: a.ID, Filename: a.Filename, URL: a.URL})
	}
	return out
}
