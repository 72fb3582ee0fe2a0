package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/auditor/internal/auth"
	"github.com/memohai/auditor/internal/config"
	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/handlers"
	"github.com/memohai/auditor/internal/metrics"
	"github.com/memohai/auditor/internal/reconcile"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/schedule"
	"github.com/memohai/auditor/internal/server"
	"github.com/memohai/auditor/internal/store"
	"github.com/memohai/auditor/internal/store/storetest"
)

const secret = "handler-test-secret"

var t0 = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

type fakeReconciler struct {
	scopes []string
	err    error
}

func (f *fakeReconciler) RunScopes(_ context.Context, scopeIDs ...string) (reconcile.Summary, error) {
	f.scopes = scopeIDs
	if f.err != nil {
		return reconcile.Summary{}, f.err
	}
	return reconcile.Summary{RunID: "run-1", Scopes: []reconcile.ScopeSummary{{ScopeID: "g1", Mutations: 2}}}, nil
}

type fixture struct {
	echo  *echo.Echo
	rec   *fakeReconciler
	token string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := storetest.New(t)
	reg := registry.New(storetest.Logger(), s)
	_, err := reg.Enroll(ctx, entity.Scope{ID: "g1", Name: "guild", EnrolledAt: t0})
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx, "g1", func(tx *store.Tx) error {
		if _, err := tx.UpsertChannel(ctx, entity.Channel{ScopeID: "g1", ID: "c1", Name: "general", Type: entity.ChannelText}); err != nil {
			return err
		}
		if _, err := tx.SoftDeleteChannel(ctx, "c1", t0.Add(time.Hour)); err != nil {
			return err
		}
		_, err := tx.InsertMessage(ctx, entity.Message{ScopeID: "g1", ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "hi"})
		return err
	}))

	provider := metrics.NewProvider()
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })
	m, err := metrics.New(provider.Meter)
	require.NoError(t, err)
	m.RecordAnomaly(ctx, "channel")

	rec := &fakeReconciler{}
	log := storetest.Logger()
	sched, err := schedule.NewService(log, rec, config.ReconcileConfig{})
	require.NoError(t, err)
	srv := server.NewServer(log, config.ServerConfig{JWTSecret: secret},
		handlers.NewPingHandler(log),
		handlers.NewReconcileHandler(log, sched),
		handlers.NewAuditHandler(log, s, reg),
		handlers.NewMetricsHandler(provider),
	)
	token, _, err := auth.GenerateToken("admin", secret, time.Minute)
	require.NoError(t, err)
	return fixture{echo: srv.Echo(), rec: rec, token: token}
}

func (f fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authed {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestPingIsOpen(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ping", "", false).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodHead, "/health", "", false).Code)
}

func TestLookupRequiresToken(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/scopes/g1/channels", "", false).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/reconcile", "", false).Code)
}

func TestChannelLookupIncludesDeleted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/scopes/g1/channels", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.ChannelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.True(t, resp.Items[0].IsDeleted)
}

func TestMessageLookup(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/scopes/g1/messages/m1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg entity.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "hi", msg.Content)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/scopes/g1/messages/missing", "", true).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/scopes/g9/messages/m1", "", true).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/scopes/g1/channels/nope/messages", "", true).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/scopes/g1/channels/c1/messages", "", true).Code)
}

func TestScopeLookup(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/scopes", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.ScopeListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.True(t, resp.Items[0].CurrentlyEnrolled)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/scopes/g9", "", true).Code)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/reconcile?scope=g1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"g1"}, f.rec.scopes)
	var summary reconcile.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "run-1", summary.RunID)

	rec = f.do(http.MethodPost, "/reconcile", `{"scopes":["g2"]}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"g2"}, f.rec.scopes)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/reconcile?scope=bad-id!", "", true).Code)

	f.rec.err = reconcile.ErrRunning
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/reconcile", "", true).Code)
}

func TestMetricsSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Points)
}
