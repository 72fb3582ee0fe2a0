// Package ingest turns live push events into canonical mutations and hands
// them straight to the audit writer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/event"
	"github.com/memohai/auditor/internal/logger"
	"github.com/memohai/auditor/internal/mutation"
	"github.com/memohai/auditor/internal/writer"
)

// ErrMissingPayload is returned for events without the payload their type requires.
var ErrMissingPayload = errors.New("event payload missing")

// Applier commits mutation batches.
type Applier interface {
	Apply(ctx context.Context, b mutation.Batch) (writer.ApplyResult, error)
}

type Ingestor struct {
	writer Applier
	logger *slog.Logger
	selfID atomic.Pointer[string]
	now    func() time.Time
}

func New(log *slog.Logger, w Applier) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		writer: w,
		logger: log.With(slog.String("service", "ingest")),
		now:    time.Now,
	}
}

// SetSelfID records the service's own identity; its events are ignored.
func (i *Ingestor) SetSelfID(id string) {
	i.selfID.Store(&id)
}

func (i *Ingestor) isSelf(actorID string) bool {
	self := i.selfID.Load()
	return self != nil && *self != "" && actorID == *self
}

// Run handles events until the stream closes or ctx is done. Failures are
// logged and do not stop the stream; the next reconciliation pass repairs them.
func (i *Ingestor) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := i.Handle(ctx, e); err != nil {
				i.logger.Error("event not applied",
					slog.String(logger.KeyScopeID, e.ScopeID),
					slog.String("type", string(e.Type)),
					logger.Entity(entityOf(e)),
					slog.Any("error", err))
			}
		}
	}
}

// Handle applies one event as a single batch.
func (i *Ingestor) Handle(ctx context.Context, e event.Event) error {
	if i.isSelf(e.ActorID) {
		i.logger.Debug("own event ignored", slog.String("type", string(e.Type)), slog.String(logger.KeyScopeID, e.ScopeID))
		return nil
	}
	ms, err := i.Normalize(e)
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		return nil
	}
	_, err = i.writer.Apply(ctx, mutation.Batch{ScopeID: e.ScopeID, Origin: mutation.OriginEvent, Mutations: ms})
	return err
}

// Normalize maps an event onto the mutation vocabulary shared with the reconciler.
func (i *Ingestor) Normalize(e event.Event) ([]mutation.Mutation, error) {
	at := e.At
	if at.IsZero() {
		at = i.now()
	}
	missing := func() error { return fmt.Errorf("%w: %s", ErrMissingPayload, e.Type) }
	e = withScope(e)

	switch e.Type {
	case event.TypeMessageCreated:
		if e.Message == nil {
			return nil, missing()
		}
		return []mutation.Mutation{mutation.InsertMessage(*e.Message)}, nil

	case event.TypeMessageEdited:
		m := e.Message
		if m == nil {
			return nil, missing()
		}
		editedAt := at
		if m.EditedAt != nil {
			editedAt = *m.EditedAt
		}
		var ms []mutation.Mutation
		if m.AuthorID != "" && !m.CreatedAt.IsZero() {
			// Unknown messages are stored as seen; known ones keep their row.
			ms = append(ms, mutation.InsertMessage(*m))
		}
		return append(ms, mutation.MarkEdited(e.ScopeID, m.ChannelID, m.ID, m.Content, editedAt)), nil

	case event.TypeMessageDeleted:
		if e.Message == nil {
			return nil, missing()
		}
		return []mutation.Mutation{mutation.SoftDeleteMessage(e.ScopeID, e.Message.ChannelID, e.Message.ID, at)}, nil

	case event.TypeChannelCreated:
		if e.Channel == nil {
			return nil, missing()
		}
		return []mutation.Mutation{mutation.InsertChannel(*e.Channel)}, nil

	case event.TypeChannelUpdated:
		if e.Channel == nil {
			return nil, missing()
		}
		if e.Previous == nil || e.Previous.Channel == nil {
			return []mutation.Mutation{mutation.InsertChannel(*e.Channel)}, nil
		}
		changes := e.Channel.Project().Changed(e.Previous.Channel.Project())
		if len(changes) == 0 {
			return nil, nil
		}
		return []mutation.Mutation{mutation.UpdateChannel(e.ScopeID, e.Channel.ID, changes)}, nil

	case event.TypeChannelDeleted:
		if e.Channel == nil {
			return nil, missing()
		}
		return []mutation.Mutation{mutation.SoftDeleteChannel(e.ScopeID, e.Channel.ID, at)}, nil

	case event.TypeMemberJoined:
		if e.Member == nil {
			return nil, missing()
		}
		return []mutation.Mutation{mutation.InsertMember(*e.Member)}, nil

	case event.TypeMemberUpdated:
		if e.Member == nil {
			return nil, missing()
		}
		if e.Previous == nil || e.Previous.Member == nil {
			return []mutation.Mutation{mutation.InsertMember(*e.Member)}, nil
		}
		changes := e.Member.Project().Changed(e.Previous.Member.Project())
		if len(changes) == 0 {
			return nil, nil
		}
		return []mutation.Mutation{mutation.UpdateMember(e.ScopeID, e.Member.ID, changes)}, nil

	case event.TypeScopeJoined:
		if e.Scope == nil {
			return nil, missing()
		}
		sc := *e.Scope
		if sc.EnrolledAt.IsZero() {
			sc.EnrolledAt = at
		}
		return []mutation.Mutation{mutation.Enroll(sc)}, nil

	case event.TypeScopeUpdated:
		if e.Scope == nil {
			return nil, missing()
		}
		changes := e.Scope.Project()
		if e.Previous != nil && e.Previous.Scope != nil {
			changes = changes.Changed(e.Previous.Scope.Project())
		}
		if len(changes) == 0 {
			return nil, nil
		}
		return []mutation.Mutation{mutation.UpdateScope(e.ScopeID, changes)}, nil

	case event.TypeScopeLeft:
		return []mutation.Mutation{mutation.Unenroll(e.ScopeID, at)}, nil

	case event.TypeVoiceStateChanged:
		v := e.Voice
		if v == nil {
			return nil, missing()
		}
		switch {
		case v.Before == v.After:
			return nil, nil
		case v.After != "":
			return []mutation.Mutation{mutation.OpenVoice(entity.VoiceSession{
				ScopeID: e.ScopeID, MemberID: v.MemberID, ChannelID: v.After, EnteredAt: at,
			})}, nil
		default:
			return []mutation.Mutation{mutation.CloseVoice(e.ScopeID, v.MemberID, at)}, nil
		}
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

func entityOf(e event.Event) (string, string) {
	switch {
	case e.Message != nil:
		return string(entity.KindMessage), e.Message.ID
	case e.Channel != nil:
		return string(entity.KindChannel), e.Channel.ID
	case e.Member != nil:
		return string(entity.KindMember), e.Member.ID
	case e.Voice != nil:
		return string(entity.KindVoiceSession), e.Voice.MemberID
	}
	return string(entity.KindScope), e.ScopeID
}

// withScope copies the payloads, defaulting their scope to the event's.
func withScope(e event.Event) event.Event {
	if e.Channel != nil {
		c := *e.Channel
		if c.ScopeID == "" {
			c.ScopeID = e.ScopeID
		}
		e.Channel = &c
	}
	if e.Member != nil {
		m := *e.Member
		if m.ScopeID == "" {
			m.ScopeID = e.ScopeID
		}
		e.Member = &m
	}
	if e.Message != nil {
		m := *e.Message
		if m.ScopeID == "" {
			m.ScopeID = e.ScopeID
		}
		e.Message = &m
	}
	return e
}
