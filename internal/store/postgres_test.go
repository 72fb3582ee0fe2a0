package store_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/store"
	"github.com/memohai/auditor/internal/store/storetest"
)

// Requires a database migrated with `auditor migrate up`.
func TestPostgresMessageLifecycle(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	conn, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	s := store.New(conn, store.Postgres{}, store.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}, storetest.Logger())
	t.Cleanup(func() { _ = s.Close() })

	scopeID := "it_" + time.Now().UTC().Format("20060102150405")
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), `DROP SCHEMA IF EXISTS "scope_`+scopeID+`" CASCADE`)
		_, _ = conn.ExecContext(context.Background(), `DELETE FROM scopes WHERE scope_id = $1`, scopeID)
	})

	require.NoError(t, s.InsertScope(ctx, entity.Scope{ID: scopeID, Name: "it", EnrolledAt: t0}))
	_, err = s.EnsureSchema(ctx, scopeID)
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx, scopeID, func(tx *store.Tx) error {
		if _, err := tx.InsertMessage(ctx, entity.Message{ChannelID: "c1", ID: "m1", AuthorID: "u1", CreatedAt: t0, Content: "hi"}); err != nil {
			return err
		}
		ok, err := tx.MarkEdited(ctx, "m1", "hi!", t0.Add(time.Minute))
		require.True(t, ok)
		return err
	}))
	require.NoError(t, s.View(ctx, scopeID, func(tx *store.Tx) error {
		m, err := tx.Message(ctx, "m1")
		require.Equal(t, "hi!", m.Content)
		return err
	}))
}
