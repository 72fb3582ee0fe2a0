package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testStore(attempts int) *Store {
	return New(nil, SQLite{}, RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRetryRecoversFromTransient(t *testing.T) {
	s := testStore(3)
	calls := 0
	err := s.retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryEscalatesToFatal(t *testing.T) {
	s := testStore(2)
	calls := 0
	err := s.retry(context.Background(), func() error {
		calls++
		return ErrTransient
	})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	s := testStore(5)
	calls := 0
	boom := errors.New("constraint")
	err := s.retry(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDialectTables(t *testing.T) {
	if got := (Postgres{}).Table("g1", tableChannels); got != `"scope_g1"."channels"` {
		t.Errorf("postgres table = %s", got)
	}
	if got := (SQLite{}).Table("g1", tableChannels); got != `"scope_g1_channels"` {
		t.Errorf("sqlite table = %s", got)
	}
	if got := placeholders(Postgres{}, 2, 3); got != "$2, $3, $4" {
		t.Errorf("placeholders = %s", got)
	}
	ddl := strings.Join((Postgres{}).Provision("g1"), "\n")
	if !strings.Contains(ddl, `CREATE SCHEMA IF NOT EXISTS "scope_g1"`) || !strings.Contains(ddl, "TIMESTAMPTZ") {
		t.Errorf("postgres ddl missing schema or timestamptz:\n%s", ddl)
	}
	if err := ValidateScopeID("123456789012345678"); err != nil {
		t.Errorf("snowflake rejected: %v", err)
	}
	if err := ValidateScopeID(`x"; DROP`); err == nil {
		t.Error("quoted id accepted")
	}
}
