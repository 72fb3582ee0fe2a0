// Package event defines the typed push events delivered by the live source
// and an in-process hub that carries them to the ingestor in order.
package event

import (
	"time"

	"github.com/memohai/auditor/internal/entity"
)

// Type identifies a push event.
type Type string

const (
	TypeMessageCreated    Type = "message_created"
	TypeMessageEdited     Type = "message_edited"
	TypeMessageDeleted    Type = "message_deleted"
	TypeChannelCreated    Type = "channel_created"
	TypeChannelUpdated    Type = "channel_updated"
	TypeChannelDeleted    Type = "channel_deleted"
	TypeMemberJoined      Type = "member_joined"
	TypeMemberUpdated     Type = "member_updated"
	TypeScopeJoined       Type = "scope_joined"
	TypeScopeUpdated      Type = "scope_updated"
	TypeScopeLeft         Type = "scope_left"
	TypeVoiceStateChanged Type = "voice_state_changed"
)

// Event is one normalized push notification. Only the payload matching Type is set.
type Event struct {
	Type    Type      `json:"type"`
	ScopeID string    `json:"scope_id"`
	ActorID string    `json:"actor_id,omitempty"`
	At      time.Time `json:"at"`

	Scope   *entity.Scope   `json:"scope,omitempty"`
	Channel *entity.Channel `json:"channel,omitempty"`
	Member  *entity.Member  `json:"member,omitempty"`
	// Message is the full message for created events, the new content and
	// edit time for edited events, and the IDs only for deleted events.
	Message *entity.Message `json:"message,omitempty"`
	Voice   *VoiceChange    `json:"voice,omitempty"`

	// Previous is the pre-update state of an *Updated event, when known.
	Previous *Previous `json:"previous,omitempty"`
}

// Previous carries the state an update replaced.
type Previous struct {
	Scope   *entity.Scope   `json:"scope,omitempty"`
	Channel *entity.Channel `json:"channel,omitempty"`
	Member  *entity.Member  `json:"member,omitempty"`
}

// VoiceChange is a member's move between voice channels. An empty channel ID
// means not connected.
type VoiceChange struct {
	MemberID string `json:"member_id"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
}
