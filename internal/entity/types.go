// Package entity defines the audited record types shared by the live source,
// the reconciler, the ingestor and the audit store.
//
// Values are snapshots: the live source builds them at its boundary and the
// core never reaches back into the source's own representation.
package entity

import (
	"time"
)

// Kind names an audited entity type.
type Kind string

const (
	KindScope        Kind = "scope"
	KindChannel      Kind = "channel"
	KindMember       Kind = "member"
	KindMessage      Kind = "message"
	KindVoiceSession Kind = "voice_session"
)

func (k Kind) String() string { return string(k) }

// Rank orders kinds by foreign-key dependency: scopes before channels and
// members, which come before messages and voice sessions.
func (k Kind) Rank() int {
	switch k {
	case KindScope:
		return 0
	case KindChannel, KindMember:
		return 1
	default:
		return 2
	}
}

// ChannelType classifies a channel.
type ChannelType string

const (
	ChannelText     ChannelType = "text"
	ChannelVoice    ChannelType = "voice"
	ChannelCategory ChannelType = "category"
	ChannelNews     ChannelType = "news"
	ChannelOther    ChannelType = "other"
)

// Scope is one enrolled organizational unit (a guild).
type Scope struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	OwnerID           string     `json:"owner_id"`
	EnrolledAt        time.Time  `json:"enrolled_at"`
	CurrentlyEnrolled bool       `json:"currently_enrolled"`
	UnenrolledAt      *time.Time `json:"unenrolled_at,omitempty"`
}

// Channel belongs to exactly one scope.
type Channel struct {
	ScopeID   string      `json:"scope_id"`
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Topic     *string     `json:"topic,omitempty"`
	Type      ChannelType `json:"type"`
	NSFW      bool        `json:"nsfw"`
	ParentID  *string     `json:"parent_id,omitempty"`
	IsDeleted bool        `json:"is_deleted"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
}

// Member belongs to exactly one scope. Rejoining reuses the same record.
type Member struct {
	ScopeID       string  `json:"scope_id"`
	ID            string  `json:"id"`
	DisplayName   string  `json:"display_name"`
	Discriminator string  `json:"discriminator"`
	IsBot         bool    `json:"is_bot"`
	Nickname      *string `json:"nickname,omitempty"`
}

// Attachment is the metadata of one file attached to a message.
// Key is the content-addressed blob key, empty until the payload is archived.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url"`
}

// Message belongs to exactly one channel. The store materializes one row per
// attachment (or a single row without one), all sharing the message ID.
type Message struct {
	ScopeID     string       `json:"scope_id"`
	ChannelID   string       `json:"channel_id"`
	ID          string       `json:"id"`
	AuthorID    string       `json:"author_id"`
	CreatedAt   time.Time    `json:"created_at"`
	Content     string       `json:"content"`
	IsEdited    bool         `json:"is_edited"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	IsDeleted   bool         `json:"is_deleted"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// VoiceSession is an interval a member spent in a voice channel.
// At most one session per member has a nil LeftAt.
type VoiceSession struct {
	ScopeID   string     `json:"scope_id"`
	MemberID  string     `json:"member_id"`
	ChannelID string     `json:"channel_id"`
	EnteredAt time.Time  `json:"entered_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (v VoiceSession) Open() bool { return v.LeftAt == nil }

// Timestamp normalizes t to the precision every backend preserves.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// TimePtr returns a normalized copy of t as a pointer.
func TimePtr(t time.Time) *time.Time {
	ts := Timestamp(t)
	return &ts
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
