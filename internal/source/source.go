// Package source defines the live state source the auditor pulls snapshots from.
package source

import (
	"context"
	"errors"

	"github.com/memohai/auditor/internal/entity"
)

var (
	// ErrUnavailable means live state could not be fetched; the affected scope is skipped until the next pass.
	ErrUnavailable = errors.New("live source unavailable")
	// ErrForbidden means the service identity may not read the requested resource.
	ErrForbidden = errors.New("live source access forbidden")
)

// Source lists the current live state. Message history is returned oldest first.
type Source interface {
	ListScopes(ctx context.Context) ([]entity.Scope, error)
	ListChannels(ctx context.Context, scopeID string) ([]entity.Channel, error)
	ListMembers(ctx context.Context, scopeID string) ([]entity.Member, error)
	ListMessageHistory(ctx context.Context, scopeID, channelID string) ([]entity.Message, error)
}

// HasHistory reports whether a channel kind carries message history.
func HasHistory(t entity.ChannelType) bool {
	return t == entity.ChannelText || t == entity.ChannelNews
}
