// Package mutation defines the canonical mutation vocabulary produced by both
// the event path and the reconciliation path and consumed by the audit writer.
package mutation

import (
	"fmt"
	"sort"
	"time"

	"github.com/memohai/auditor/internal/entity"
)

// Op is the kind of change a mutation applies.
type Op string

const (
	OpInsert     Op = "insert"
	OpUpdate     Op = "update"
	OpSoftDelete Op = "soft_delete"
	OpMarkEdited Op = "mark_edited"
	OpEnroll     Op = "enroll"
	OpUnenroll   Op = "unenroll"
	OpOpenVoice  Op = "open_voice"
	OpCloseVoice Op = "close_voice"
)

// Origin identifies which path produced a batch.
type Origin string

const (
	OriginEvent     Origin = "event"
	OriginReconcile Origin = "reconcile"
)

// Mutation is one normalized change against a single audited record.
// Exactly one payload pointer matching Kind is set for Insert, Enroll and OpenVoice.
type Mutation struct {
	Op       Op
	Kind     entity.Kind
	ScopeID  string
	EntityID string

	Scope   *entity.Scope
	Channel *entity.Channel
	Member  *entity.Member
	Message *entity.Message
	Voice   *entity.VoiceSession

	// Changes carries only the new values of an Update.
	Changes entity.Fields
	// Content is the new body of a MarkEdited.
	Content string
	// ChannelID locates the message of a MarkEdited or SoftDelete.
	ChannelID string
	// At is the edit, deletion, unenrollment or session close time.
	At time.Time
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s %s %s/%s", m.Op, m.Kind, m.ScopeID, m.EntityID)
}

// Validate rejects mutations the writer cannot apply.
func (m Mutation) Validate() error {
	if m.ScopeID == "" {
		return fmt.Errorf("%s: scope id is required", m)
	}
	if m.EntityID == "" {
		return fmt.Errorf("%s: entity id is required", m)
	}
	switch m.Op {
	case OpInsert:
		switch m.Kind {
		case entity.KindChannel:
			if m.Channel == nil {
				return fmt.Errorf("%s: missing channel payload", m)
			}
		case entity.KindMember:
			if m.Member == nil {
				return fmt.Errorf("%s: missing member payload", m)
			}
		case entity.KindMessage:
			if m.Message == nil {
				return fmt.Errorf("%s: missing message payload", m)
			}
		default:
			return fmt.Errorf("%s: insert not supported", m)
		}
	case OpUpdate:
		if len(m.Changes) == 0 {
			return fmt.Errorf("%s: update without changes", m)
		}
	case OpEnroll:
		if m.Scope == nil {
			return fmt.Errorf("%s: missing scope payload", m)
		}
	case OpOpenVoice:
		if m.Voice == nil {
			return fmt.Errorf("%s: missing voice payload", m)
		}
	case OpMarkEdited, OpSoftDelete, OpUnenroll, OpCloseVoice:
		if m.At.IsZero() {
			return fmt.Errorf("%s: timestamp is required", m)
		}
	default:
		return fmt.Errorf("%s: unknown op", m)
	}
	return nil
}

// Batch is a set of mutations against one scope.
type Batch struct {
	ScopeID   string
	Origin    Origin
	RunID     string
	Mutations []Mutation
}

// Len returns the number of mutations in the batch.
func (b Batch) Len() int { return len(b.Mutations) }

// ByKind groups the batch by entity kind in dependency order:
// scope, then channel and member, then message and voice session.
// The relative order of mutations within a kind is preserved.
func (b Batch) ByKind() []Group {
	index := map[entity.Kind]int{}
	var groups []Group
	for _, m := range b.Mutations {
		i, ok := index[m.Kind]
		if !ok {
			i = len(groups)
			index[m.Kind] = i
			groups = append(groups, Group{Kind: m.Kind})
		}
		groups[i].Mutations = append(groups[i].Mutations, m)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Kind.Rank() < groups[j].Kind.Rank()
	})
	return groups
}

// Group is the slice of a batch targeting one entity kind; it commits as one transaction.
type Group struct {
	Kind      entity.Kind
	Mutations []Mutation
}
