package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/event"
	"github.com/memohai/auditor/internal/mutation"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/store"
	"github.com/memohai/auditor/internal/store/storetest"
	"github.com/memohai/auditor/internal/writer"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	reg   *registry.Registry
	w     *writer.Writer
	in    *Ingestor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := storetest.New(t)
	reg := registry.New(storetest.Logger(), s)
	w := writer.New(storetest.Logger(), s, reg, writer.Options{})
	return fixture{store: s, reg: reg, w: w, in: New(storetest.Logger(), w)}
}

func (f fixture) handle(t *testing.T, e event.Event) {
	t.Helper()
	require.NoError(t, f.in.Handle(context.Background(), e))
}

func (f fixture) view(t *testing.T, fn func(tx *store.Tx)) {
	t.Helper()
	require.NoError(t, f.store.View(context.Background(), "g1", func(tx *store.Tx) error {
		fn(tx)
		return nil
	}))
}

func joined(f fixture, t *testing.T) {
	f.handle(t, event.Event{
		Type:    event.TypeScopeJoined,
		ScopeID: "g1",
		At:      t0,
		Scope:   &entity.Scope{ID: "g1", Name: "guild", OwnerID: "u1"},
	})
}

func textChannel(id string) *entity.Channel {
	return &entity.Channel{ID: id, Name: "general", Type: entity.ChannelText}
}

func TestMessageLifecycle(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	f.handle(t, event.Event{Type: event.TypeChannelCreated, ScopeID: "g1", Channel: textChannel("c1")})

	msg := &entity.Message{ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "hi"}
	f.handle(t, event.Event{Type: event.TypeMessageCreated, ScopeID: "g1", Message: msg})
	f.handle(t, event.Event{Type: event.TypeMessageCreated, ScopeID: "g1", Message: msg})

	edited := t0.Add(time.Minute)
	f.handle(t, event.Event{Type: event.TypeMessageEdited, ScopeID: "g1", Message: &entity.Message{
		ChannelID: "c1", ID: "m1", Content: "hello", EditedAt: &edited,
	}})
	// A stale edit arriving late changes nothing.
	f.handle(t, event.Event{Type: event.TypeMessageEdited, ScopeID: "g1", Message: &entity.Message{
		ChannelID: "c1", ID: "m1", Content: "stale", EditedAt: &t0,
	}})
	f.handle(t, event.Event{Type: event.TypeMessageDeleted, ScopeID: "g1", At: t0.Add(time.Hour), Message: &entity.Message{ChannelID: "c1", ID: "m1"}})

	f.view(t, func(tx *store.Tx) {
		m, err := tx.Message(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, "hello", m.Content)
		assert.True(t, m.IsEdited)
		require.NotNil(t, m.EditedAt)
		assert.True(t, m.EditedAt.Equal(edited))
		assert.True(t, m.IsDeleted)

		ms, err := tx.Messages(context.Background(), "c1")
		require.NoError(t, err)
		assert.Len(t, ms, 1)
	})
}

func TestEditOfUnknownMessageStoresIt(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	edited := t0.Add(time.Minute)
	f.handle(t, event.Event{Type: event.TypeMessageEdited, ScopeID: "g1", Message: &entity.Message{
		ChannelID: "c1", ID: "m9", AuthorID: "u2", CreatedAt: t0, Content: "after", IsEdited: true, EditedAt: &edited,
	}})
	f.view(t, func(tx *store.Tx) {
		m, err := tx.Message(context.Background(), "m9")
		require.NoError(t, err)
		assert.Equal(t, "after", m.Content)
		assert.True(t, m.IsEdited)
	})
}

func TestChannelUpdateUsesPreviousState(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	before := textChannel("c1")
	f.handle(t, event.Event{Type: event.TypeChannelCreated, ScopeID: "g1", Channel: before})

	after := *before
	after.Topic = entity.StringPtr("news")
	ms, err := f.in.Normalize(event.Event{
		Type: event.TypeChannelUpdated, ScopeID: "g1", Channel: &after,
		Previous: &event.Previous{Channel: before},
	})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, mutation.OpUpdate, ms[0].Op)
	assert.Equal(t, []string{entity.FieldTopic}, ms[0].Changes.Names())

	ms, err = f.in.Normalize(event.Event{
		Type: event.TypeChannelUpdated, ScopeID: "g1", Channel: before,
		Previous: &event.Previous{Channel: before},
	})
	require.NoError(t, err)
	assert.Empty(t, ms)

	f.handle(t, event.Event{Type: event.TypeChannelUpdated, ScopeID: "g1", Channel: &after, Previous: &event.Previous{Channel: before}})
	f.view(t, func(tx *store.Tx) {
		c, err := tx.Channel(context.Background(), "c1")
		require.NoError(t, err)
		require.NotNil(t, c.Topic)
		assert.Equal(t, "news", *c.Topic)
	})
}

func TestDeletedChannelIsNotRecreated(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	f.handle(t, event.Event{Type: event.TypeChannelCreated, ScopeID: "g1", Channel: textChannel("c1")})
	f.handle(t, event.Event{Type: event.TypeChannelDeleted, ScopeID: "g1", At: t0, Channel: &entity.Channel{ID: "c1"}})
	f.handle(t, event.Event{Type: event.TypeChannelCreated, ScopeID: "g1", Channel: textChannel("c1")})

	f.view(t, func(tx *store.Tx) {
		c, err := tx.Channel(context.Background(), "c1")
		require.NoError(t, err)
		assert.True(t, c.IsDeleted)
	})
}

func TestMemberRejoinReusesRow(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	f.handle(t, event.Event{Type: event.TypeMemberJoined, ScopeID: "g1", Member: &entity.Member{ID: "u2", DisplayName: "bob", Nickname: entity.StringPtr("b")}})
	f.handle(t, event.Event{Type: event.TypeMemberJoined, ScopeID: "g1", Member: &entity.Member{ID: "u2", DisplayName: "bob", Nickname: entity.StringPtr("bobby")}})

	f.view(t, func(tx *store.Tx) {
		ms, err := tx.Members(context.Background())
		require.NoError(t, err)
		require.Len(t, ms, 1)
		require.NotNil(t, ms[0].Nickname)
		assert.Equal(t, "bobby", *ms[0].Nickname)
	})
}

func TestScopeUpdateOnlyOnTrackedChange(t *testing.T) {
	f := newFixture(t)
	prev := &entity.Scope{ID: "g1", Name: "guild", OwnerID: "u1"}

	ms, err := f.in.Normalize(event.Event{Type: event.TypeScopeUpdated, ScopeID: "g1", Scope: prev, Previous: &event.Previous{Scope: prev}})
	require.NoError(t, err)
	assert.Empty(t, ms)

	joined(f, t)
	renamed := &entity.Scope{ID: "g1", Name: "renamed", OwnerID: "u1"}
	f.handle(t, event.Event{Type: event.TypeScopeUpdated, ScopeID: "g1", Scope: renamed, Previous: &event.Previous{Scope: prev}})
	sc, err := f.reg.Get(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", sc.Name)

	f.handle(t, event.Event{Type: event.TypeScopeLeft, ScopeID: "g1", At: t0.Add(time.Hour)})
	sc, err = f.reg.Get(context.Background(), "g1")
	require.NoError(t, err)
	assert.False(t, sc.CurrentlyEnrolled)
}

func TestScopeUpdateWithoutPreviousState(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	ctx := context.Background()
	apply := func(sc entity.Scope) writer.ApplyResult {
		t.Helper()
		ms, err := f.in.Normalize(event.Event{Type: event.TypeScopeUpdated, ScopeID: "g1", Scope: &sc})
		require.NoError(t, err)
		res, err := f.w.Apply(ctx, mutation.Batch{ScopeID: "g1", Origin: mutation.OriginEvent, Mutations: ms})
		require.NoError(t, err)
		return res
	}

	// Icon or banner changes arrive with name and owner unchanged.
	res := apply(entity.Scope{ID: "g1", Name: "guild", OwnerID: "u1"})
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, res.Skipped)

	res = apply(entity.Scope{ID: "g1", Name: "guild", OwnerID: "u9"})
	assert.Equal(t, 1, res.Applied)
	sc, err := f.reg.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "u9", sc.OwnerID)
}

func TestVoiceMoves(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	voice := func(before, after string, at time.Time) event.Event {
		return event.Event{Type: event.TypeVoiceStateChanged, ScopeID: "g1", At: at, Voice: &event.VoiceChange{MemberID: "u2", Before: before, After: after}}
	}
	f.handle(t, voice("", "v1", t0))
	f.handle(t, voice("v1", "v1", t0.Add(time.Second)))
	f.handle(t, voice("v1", "v2", t0.Add(time.Minute)))
	f.handle(t, voice("v2", "", t0.Add(2*time.Minute)))

	f.view(t, func(tx *store.Tx) {
		sessions, err := tx.VoiceSessions(context.Background(), "u2")
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "v1", sessions[0].ChannelID)
		assert.Equal(t, "v2", sessions[1].ChannelID)
		for _, s := range sessions {
			assert.False(t, s.Open())
		}
	})
}

func TestOwnEventsAreIgnored(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	f.in.SetSelfID("bot")
	f.handle(t, event.Event{Type: event.TypeMessageCreated, ScopeID: "g1", ActorID: "bot", Message: &entity.Message{
		ChannelID: "c1", ID: "m1", AuthorID: "bot", CreatedAt: t0, Content: "echo",
	}})
	f.view(t, func(tx *store.Tx) {
		_, err := tx.Message(context.Background(), "m1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMissingPayload(t *testing.T) {
	f := newFixture(t)
	err := f.in.Handle(context.Background(), event.Event{Type: event.TypeMessageCreated, ScopeID: "g1"})
	assert.True(t, errors.Is(err, ErrMissingPayload))

	_, err = f.in.Normalize(event.Event{Type: "bogus", ScopeID: "g1"})
	assert.Error(t, err)
}

func TestRunDrainsStream(t *testing.T) {
	f := newFixture(t)
	joined(f, t)
	hub := event.NewHub()
	_, stream, cancel := hub.Subscribe(8)

	done := make(chan struct{})
	go func() {
		f.in.Run(context.Background(), stream)
		close(done)
	}()

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, event.Event{Type: event.TypeMessageCreated, ScopeID: "g1"}))
	require.NoError(t, hub.Publish(ctx, event.Event{Type: event.TypeMemberJoined, ScopeID: "g1", Member: &entity.Member{ID: "u3", DisplayName: "carol"}}))
	require.Eventually(t, func() bool {
		var found bool
		_ = f.store.View(ctx, "g1", func(tx *store.Tx) error {
			_, err := tx.Member(ctx, "u3")
			found = err == nil
			return nil
		})
		return found
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after the stream closed")
	}
}
