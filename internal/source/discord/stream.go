package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/event"
	"github.com/memohai/auditor/internal/logger"
)

// Intents are the gateway intents the auditor needs.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

// NewSession creates an unopened bot session. Events are dispatched
// synchronously so they reach the hub in gateway order.
func NewSession(cfg config.DiscordConfig) (*discordgo.Session, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("discord bot token is not configured")
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.SyncEvents = true
	session.StateEnabled = true
	return session, nil
}

// Stream forwards gateway events to the event hub.
type Stream struct {
	session *discordgo.Session
	hub     event.Publisher
	onSelf  func(string)
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	removes []func()
}

// NewStream wires session events into hub. onSelf receives the bot's own
// user ID once the gateway is ready.
func NewStream(log *slog.Logger, session *discordgo.Session, hub event.Publisher, onSelf func(string)) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		session: session,
		hub:     hub,
		onSelf:  onSelf,
		logger:  log.With(slog.String("service", "discord_stream")),
	}
}

// Start registers the handlers and connects to the gateway.
func (s *Stream) Start(_ context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.removes = append(s.removes, s.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil && s.onSelf != nil {
			s.onSelf(r.User.ID)
		}
		s.logger.Info("gateway ready", slog.Int("guilds", len(r.Guilds)))
	}))
	s.removes = append(s.removes, s.session.AddHandler(func(_ *discordgo.Session, v any) {
		e, ok := Translate(v)
		if !ok {
			return
		}
		if err := s.hub.Publish(s.ctx, e); err != nil {
			s.logger.Error("event dropped", slog.String(logger.KeyScopeID, e.ScopeID), slog.String("type", string(e.Type)), slog.Any("error", err))
		}
	}))
	if err := s.session.Open(); err != nil {
		s.cancel()
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// Stop disconnects and releases any publisher blocked on the hub.
func (s *Stream) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	for _, remove := range s.removes {
		remove()
	}
	s.removes = nil
	return s.session.Close()
}

// Translate converts a gateway event into an audit event. Events outside a
// guild and transient guild outages report false.
func Translate(v any) (event.Event, bool) {
	now := time.Now().UTC()
	switch ev := v.(type) {
	case *discordgo.MessageCreate:
		if ev.Message == nil || ev.GuildID == "" {
			return event.Event{}, false
		}
		m := MessageFromDiscord(ev.GuildID, ev.Message)
		return event.Event{Type: event.TypeMessageCreated, ScopeID: ev.GuildID, ActorID: m.AuthorID, At: m.CreatedAt, Message: &m}, true

	case *discordgo.MessageUpdate:
		if ev.Message == nil || ev.GuildID == "" {
			return event.Event{}, false
		}
		m := MessageFromDiscord(ev.GuildID, ev.Message)
		if m.EditedAt == nil {
			// Embed unfurls arrive as updates without an edit time.
			return event.Event{}, false
		}
		return event.Event{Type: event.TypeMessageEdited, ScopeID: ev.GuildID, ActorID: m.AuthorID, At: *m.EditedAt, Message: &m}, true

	case *discordgo.MessageDelete:
		if ev.Message == nil || ev.GuildID == "" {
			return event.Event{}, false
		}
		m := entity.Message{ScopeID: ev.GuildID, ChannelID: ev.ChannelID, ID: ev.ID}
		return event.Event{Type: event.TypeMessageDeleted, ScopeID: ev.GuildID, At: now, Message: &m}, true

	case *discordgo.ChannelCreate:
		return channelEvent(event.TypeChannelCreated, ev.Channel, nil, now)
	case *discordgo.ChannelUpdate:
		return channelEvent(event.TypeChannelUpdated, ev.Channel, ev.BeforeUpdate, now)
	case *discordgo.ChannelDelete:
		return channelEvent(event.TypeChannelDeleted, ev.Channel, nil, now)

	case *discordgo.GuildMemberAdd:
		if ev.Member == nil {
			return event.Event{}, false
		}
		m := MemberFromDiscord(ev.GuildID, ev.Member)
		return event.Event{Type: event.TypeMemberJoined, ScopeID: m.ScopeID, At: now, Member: &m}, true

	case *discordgo.GuildMemberUpdate:
		if ev.Member == nil {
			return event.Event{}, false
		}
		m := MemberFromDiscord(ev.GuildID, ev.Member)
		e := event.Event{Type: event.TypeMemberUpdated, ScopeID: m.ScopeID, At: now, Member: &m}
		if ev.BeforeUpdate != nil {
			prev := MemberFromDiscord(m.ScopeID, ev.BeforeUpdate)
			e.Previous = &event.Previous{Member: &prev}
		}
		return e, true

	case *discordgo.GuildCreate:
		if ev.Guild == nil || ev.Unavailable {
			return event.Event{}, false
		}
		sc := ScopeFromGuild(ev.Guild)
		return event.Event{Type: event.TypeScopeJoined, ScopeID: sc.ID, At: now, Scope: &sc}, true

	case *discordgo.GuildUpdate:
		if ev.Guild == nil {
			return event.Event{}, false
		}
		sc := ScopeFromGuild(ev.Guild)
		return event.Event{Type: event.TypeScopeUpdated, ScopeID: sc.ID, At: now, Scope: &sc}, true

	case *discordgo.GuildDelete:
		// An unavailable guild is an outage, not a departure.
		if ev.Guild == nil || ev.Unavailable {
			return event.Event{}, false
		}
		return event.Event{Type: event.TypeScopeLeft, ScopeID: ev.ID, At: now}, true

	case *discordgo.VoiceStateUpdate:
		if ev.VoiceState == nil || ev.GuildID == "" {
			return event.Event{}, false
		}
		change := &event.VoiceChange{MemberID: ev.UserID, After: ev.ChannelID}
		if ev.BeforeUpdate != nil {
			change.Before = ev.BeforeUpdate.ChannelID
		}
		return event.Event{Type: event.TypeVoiceStateChanged, ScopeID: ev.GuildID, At: now, Voice: change}, true
	}
	return event.Event{}, false
}

func channelEvent(t event.Type, c, before *discordgo.Channel, at time.Time) (event.Event, bool) {
	if c == nil || c.GuildID == "" {
		return event.Event{}, false
	}
	ch := ChannelFromDiscord(c)
	e := event.Event{Type: t, ScopeID: ch.ScopeID, At: at, Channel: &ch}
	if before != nil {
		prev := ChannelFromDiscord(before)
		e.Previous = &event.Previous{Channel: &prev}
	}
	return e, true
}
