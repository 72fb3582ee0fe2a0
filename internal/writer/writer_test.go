package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/auditor/internal/changefeed"
	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/mutation"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/store"
	"github.com/memohai/auditor/internal/store/storetest"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeArchiver struct {
	err   error
	calls int
}

func (f *fakeArchiver) Archive(_ context.Context, att entity.Attachment) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "blob/" + att.ID, nil
}

type recordingFeed struct {
	mu        sync.Mutex
	summaries []changefeed.Summary
	err       error
}

func (f *recordingFeed) Publish(_ context.Context, s changefeed.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return f.err
}

func (f *recordingFeed) Close() error { return nil }

type fixture struct {
	store *store.Store
	reg   *registry.Registry
	w     *Writer
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	s := storetest.New(t)
	reg := registry.New(storetest.Logger(), s)
	_, err := reg.Enroll(context.Background(), entity.Scope{ID: "g1", Name: "guild", EnrolledAt: t0})
	require.NoError(t, err)
	return fixture{store: s, reg: reg, w: New(storetest.Logger(), s, reg, opts)}
}

func batch(ms ...mutation.Mutation) mutation.Batch {
	return mutation.Batch{ScopeID: "g1", Origin: mutation.OriginEvent, Mutations: ms}
}

func (f fixture) message(t *testing.T, id string) entity.Message {
	t.Helper()
	var m entity.Message
	require.NoError(t, f.store.View(context.Background(), "g1", func(tx *store.Tx) error {
		var err error
		m, err = tx.Message(context.Background(), id)
		return err
	}))
	return m
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := batch(
		mutation.InsertMessage(entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "hi"}),
		mutation.InsertChannel(entity.Channel{ScopeID: "g1", ID: "c1", Name: "general", Type: entity.ChannelText}),
		mutation.InsertMember(entity.Member{ScopeID: "g1", ID: "u1", DisplayName: "alice"}),
		mutation.MarkEdited("g1", "c1", "m1", "hi!", t0.Add(time.Minute)),
		mutation.SoftDeleteMessage("g1", "c1", "m1", t0.Add(time.Hour)),
	)

	first, err := f.w.Apply(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Committed)
	assert.Zero(t, first.Rejected)

	second, err := f.w.Apply(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, second.Anomalies)

	m := f.message(t, "m1")
	assert.Equal(t, "hi!", m.Content)
	assert.True(t, m.IsEdited)
	assert.True(t, m.IsDeleted)
	assert.True(t, m.DeletedAt.Equal(t0.Add(time.Hour)))
}

func TestOlderEditIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.w.Apply(ctx, batch(
		mutation.InsertMessage(entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "hi"}),
		mutation.MarkEdited("g1", "c1", "m1", "newest", t0.Add(2*time.Minute)),
	))
	require.NoError(t, err)

	res, err := f.w.Apply(ctx, batch(mutation.MarkEdited("g1", "c1", "m1", "older", t0.Add(time.Minute))))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "newest", f.message(t, "m1").Content)
}

func TestRecreatedChannelIsAnomaly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ch := entity.Channel{ScopeID: "g1", ID: "c1", Name: "general", Type: entity.ChannelText}
	_, err := f.w.Apply(ctx, batch(mutation.InsertChannel(ch), mutation.SoftDeleteChannel("g1", "c1", t0)))
	require.NoError(t, err)

	ch.Name = "general-again"
	res, err := f.w.Apply(ctx, batch(mutation.InsertChannel(ch)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Anomalies)

	require.NoError(t, f.store.View(ctx, "g1", func(tx *store.Tx) error {
		c, err := tx.Channel(ctx, "c1")
		assert.True(t, c.IsDeleted)
		assert.Equal(t, "general", c.Name)
		return err
	}))
}

func TestVoiceMoveClosesPreviousSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.w.Apply(ctx, batch(
		mutation.OpenVoice(entity.VoiceSession{ScopeID: "g1", MemberID: "u1", ChannelID: "A", EnteredAt: t0}),
		mutation.OpenVoice(entity.VoiceSession{ScopeID: "g1", MemberID: "u1", ChannelID: "B", EnteredAt: t0.Add(time.Minute)}),
	))
	require.NoError(t, err)

	require.NoError(t, f.store.View(ctx, "g1", func(tx *store.Tx) error {
		sessions, err := tx.VoiceSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "A", sessions[0].ChannelID)
		require.NotNil(t, sessions[0].LeftAt)
		assert.True(t, sessions[1].Open())
		open, err := tx.OpenVoiceSessions(ctx)
		assert.Len(t, open, 1)
		return err
	}))
}

func TestBlobFailureStillPersistsMessage(t *testing.T) {
	archiver := &fakeArchiver{err: errors.New("cdn down")}
	f := newFixture(t, Options{Archiver: archiver})
	ctx := context.Background()
	msg := entity.Message{
		ScopeID: "g1", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "pic",
		Attachments: []entity.Attachment{{ID: "a1", Filename: "cat.png", URL: "https://cdn/cat.png"}},
	}

	res, err := f.w.Apply(ctx, batch(mutation.InsertMessage(msg)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.BlobFailures)
	assert.Equal(t, 1, res.Applied)
	stored := f.message(t, "m1")
	require.Len(t, stored.Attachments, 1)
	assert.Empty(t, stored.Attachments[0].Key)
	assert.Empty(t, msg.Attachments[0].Key, "caller's message must not be modified")

	archiver.err = nil
	res, err = f.w.Apply(ctx, batch(mutation.InsertMessage(msg)))
	require.NoError(t, err)
	assert.Zero(t, res.BlobFailures)
	assert.Equal(t, "blob/a1", f.message(t, "m1").Attachments[0].Key)
}

func TestInvalidMutationsAreRejected(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.w.Apply(context.Background(), batch(
		mutation.UpdateChannel("g1", "c1", nil),
		mutation.InsertMember(entity.Member{ScopeID: "other", ID: "u1"}),
		mutation.InsertMember(entity.Member{ScopeID: "g1", ID: "u2", DisplayName: "bob"}),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, 1, res.Applied)
}

func TestFailedGroupRollsBackAlone(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.w.Apply(ctx, batch(
		mutation.InsertChannel(entity.Channel{ScopeID: "g1", ID: "c1", Name: "general", Type: entity.ChannelText}),
		mutation.InsertMember(entity.Member{ScopeID: "g1", ID: "u1", DisplayName: "alice"}),
		mutation.UpdateMember("g1", "u1", entity.Fields{{Name: "is_deleted", Value: true}}),
		mutation.InsertMessage(entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "hi"}),
	))
	require.Error(t, err)

	require.NoError(t, f.store.View(ctx, "g1", func(tx *store.Tx) error {
		_, err := tx.Channel(ctx, "c1")
		require.NoError(t, err, "channel group committed before the failure")
		members, err := tx.Members(ctx)
		require.NoError(t, err)
		assert.Empty(t, members, "member group rolled back")
		_, err = tx.Message(ctx, "m1")
		assert.ErrorIs(t, err, store.ErrNotFound, "dependent message group not applied")
		return nil
	}))
}

func TestScopeMutationsGoThroughRegistry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.w.Apply(ctx, batch(mutation.Unenroll("g1", t0.Add(time.Hour))))
	require.NoError(t, err)
	_, err = f.w.Apply(ctx, batch(
		mutation.Enroll(entity.Scope{ID: "g1", Name: "guild"}),
		mutation.UpdateScope("g1", entity.Fields{{Name: entity.FieldName, Value: "renamed"}}),
	))
	require.NoError(t, err)

	all, err := f.reg.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].CurrentlyEnrolled)
	assert.Nil(t, all[0].UnenrolledAt)
	assert.Equal(t, "renamed", all[0].Name)
}

func TestChangeFeedFailureDoesNotFailApply(t *testing.T) {
	feed := &recordingFeed{err: errors.New("broker down")}
	f := newFixture(t, Options{Feed: feed})
	res, err := f.w.Apply(context.Background(), mutation.Batch{
		ScopeID: "g1", Origin: mutation.OriginReconcile, RunID: "run-1",
		Mutations: []mutation.Mutation{
			mutation.InsertChannel(entity.Channel{ScopeID: "g1", ID: "c1", Name: "general", Type: entity.ChannelText}),
			mutation.InsertChannel(entity.Channel{ScopeID: "g1", ID: "c2", Name: "random", Type: entity.ChannelText}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	require.Len(t, feed.summaries, 1)
	s := feed.summaries[0]
	assert.Equal(t, "channel", s.Kind)
	assert.Equal(t, "reconcile", s.Origin)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 2, s.Applied["insert"])
}

func TestConcurrentBatchesSameScope(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.w.Apply(ctx, batch(
		mutation.InsertMessage(entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "v0"}),
	))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.w.Apply(ctx, batch(mutation.MarkEdited("g1", "c1", "m1", "v"+string(rune('0'+i)), t0.Add(time.Duration(i)*time.Minute))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, "v8", f.message(t, "m1").Content)
}

func TestRecordsOfUnknownScopeEnrollIt(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, err := f.w.Apply(ctx, mutation.Batch{ScopeID: "g7", Origin: mutation.OriginEvent, Mutations: []mutation.Mutation{
		mutation.InsertMessage(entity.Message{ScopeID: "g7", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "early"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	sc, err := f.reg.Get(ctx, "g7")
	require.NoError(t, err)
	assert.True(t, sc.CurrentlyEnrolled)

	_, err = f.w.Apply(ctx, mutation.Batch{ScopeID: "g7", Origin: mutation.OriginEvent, Mutations: []mutation.Mutation{
		mutation.UpdateScope("g7", entity.Scope{ID: "g7", Name: "late guild", OwnerID: "o1"}.Project()),
	}})
	require.NoError(t, err)
	sc, err = f.reg.Get(ctx, "g7")
	require.NoError(t, err)
	assert.Equal(t, "late guild", sc.Name)

	all, err := f.reg.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
