// Package discord implements the live state source on top of discordgo: REST
// snapshots for reconciliation and gateway events for the ingest path.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/source"
)

const (
	guildPageSize  = 200
	memberPageSize = 1000
)

// API is the part of *discordgo.Session the snapshot source calls.
type API interface {
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

var _ source.Source = (*Source)(nil)

// Source pulls live snapshots over the Discord REST API.
type Source struct {
	api          API
	limiter      *rate.Limiter
	pageSize     int
	historyLimit int
	logger       *slog.Logger
}

func New(log *slog.Logger, api API, cfg config.DiscordConfig) *Source {
	if log == nil {
		log = slog.Default()
	}
	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 || pageSize > config.DefaultHistoryPageSize {
		pageSize = config.DefaultHistoryPageSize
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Source{
		api:          api,
		limiter:      rate.NewLimiter(limit, 1),
		pageSize:     pageSize,
		historyLimit: cfg.HistoryLimit,
		logger:       log.With(slog.String("service", "discord_source")),
	}
}

func (s *Source) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// ListScopes returns every guild the bot belongs to.
func (s *Source) ListScopes(ctx context.Context) ([]entity.Scope, error) {
	var (
		scopes []entity.Scope
		after  string
	)
	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.api.UserGuilds(guildPageSize, "", after, false, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(ctx, "list guilds", err)
		}
		for _, ug := range page {
			if err := s.wait(ctx); err != nil {
				return nil, err
			}
			g, err := s.api.Guild(ug.ID, discordgo.WithContext(ctx))
			if err != nil {
				return nil, classify(ctx, "get guild "+ug.ID, err)
			}
			scopes = append(scopes, ScopeFromGuild(g))
		}
		if len(page) < guildPageSize {
			return scopes, nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *Source) ListChannels(ctx context.Context, scopeID string) ([]entity.Channel, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	channels, err := s.api.GuildChannels(scopeID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(ctx, "list channels of "+scopeID, err)
	}
	out := make([]entity.Channel, 0, len(channels))
	for _, c := range channels {
		ch := ChannelFromDiscord(c)
		ch.ScopeID = scopeID
		out = append(out, ch)
	}
	return out, nil
}

// ListMembers pages through the member list by ascending user ID.
func (s *Source) ListMembers(ctx context.Context, scopeID string) ([]entity.Member, error) {
	var (
		members []entity.Member
		after   string
	)
	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.api.GuildMembers(scopeID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(ctx, "list members of "+scopeID, err)
		}
		for _, m := range page {
			members = append(members, MemberFromDiscord(scopeID, m))
		}
		if len(page) < memberPageSize || page[len(page)-1].User == nil {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// ListMessageHistory walks a channel backwards from the newest message and
// returns the history oldest first. A positive history limit caps the walk.
func (s *Source) ListMessageHistory(ctx context.Context, scopeID, channelID string) ([]entity.Message, error) {
	var (
		messages []entity.Message
		before   string
	)
	for {
		size := s.pageSize
		if s.historyLimit > 0 {
			size = min(size, s.historyLimit-len(messages))
		}
		if size <= 0 {
			break
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.api.ChannelMessages(channelID, size, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(ctx, "read history of "+channelID, err)
		}
		for _, m := range page {
			messages = append(messages, MessageFromDiscord(scopeID, m))
		}
		if len(page) < size {
			break
		}
		before = page[len(page)-1].ID
	}
	slices.Reverse(messages)
	s.logger.Debug("history fetched", slog.String(logger.KeyScopeID, scopeID), slog.String("channel_id", channelID), slog.Int("messages", len(messages)))
	return messages, nil
}

// classify maps REST failures onto the source error taxonomy. Cancellation
// is passed through untouched.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %w: %w", op, source.ErrForbidden, err)
	}
	return fmt.Errorf("%s: %w: %w", op, source.ErrUnavailable, err)
}
