package sessionlog_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicetwin/internal/sessionlog"
	"github.com/MrWong99/voicetwin/pkg/twin"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOICETWIN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOICETWIN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICETWIN_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a [sessionlog.Postgres] on a freshly dropped table.
func newTestStore(t *testing.T) *sessionlog.Postgres {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS twin_sessions CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	pool.Close()

	store, err := sessionlog.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgres_SaveAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if err := store.Save(ctx, record(i)); err != nil {
			t.Fatalf("Save(%d): %v", i, err)
		}
	}

	got, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if ids(got) != "s2,s1" {
		t.Errorf("List = %q, want s2,s1", ids(got))
	}
	r := got[0]
	if r.Provider != "gemini-live" || r.Reason != twin.ReasonUserClosed {
		t.Errorf("record = %+v", r)
	}
	if len(r.Fragments) != 2 || r.Fragments[1] != "come posso aiutarti?" {
		t.Errorf("fragments = %q", r.Fragments)
	}
	if !r.ClosedAt.Equal(record(2).ClosedAt) {
		t.Errorf("closed_at = %v, want %v", r.ClosedAt, record(2).ClosedAt)
	}
}

func TestPostgres_SaveReplacesSameID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := record(0)
	_ = store.Save(ctx, r)
	r.Reason = twin.ReasonTransportError
	r.Error = "websocket closed"
	r.Fragments = nil
	r.ClosedAt = r.ClosedAt.Add(time.Second)
	if err := store.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Reason != twin.ReasonTransportError || got[0].Error != "websocket closed" {
		t.Errorf("record = %+v", got[0])
	}
	if len(got[0].Fragments) != 0 {
		t.Errorf("fragments = %q, want none", got[0].Fragments)
	}
}

func TestPostgres_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNewPostgres_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := sessionlog.NewPostgres(context.Background(), "://not a dsn"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
