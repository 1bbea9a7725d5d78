package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresStoreFindOrCreateIntegration(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	st := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, created, err := st.FindOrCreate(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create the discussion")
	}
	if first.ID == "" {
		t.Fatalf("expected non-empty discussion id")
	}

	// Reversed participant order must resolve to the same discussion.
	again, created, err := st.FindOrCreate(ctx, []string{"bob", "alice"})
	if err != nil {
		t.Fatalf("find-or-create reversed: %v", err)
	}
	if created {
		t.Fatalf("expected reversed order to find, not create")
	}
	if again.ID != first.ID {
		t.Fatalf("discussion id mismatch: %q vs %q", again.ID, first.ID)
	}

	byID, err := st.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if len(byID.Participants) != 2 {
		t.Fatalf("participants = %v, want 2", byID.Participants)
	}

	if _, err := st.FindByID(ctx, "does-not-exist"); !errors.Is(err, ErrDiscussionNotFound) {
		t.Fatalf("find by unknown id: err = %v, want ErrDiscussionNotFound", err)
	}
}

func TestPostgresStoreAppendOrderingIntegration(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	st := mustNewPostgresStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, _, err := st.FindOrCreate(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		msg, err := st.AppendMessage(ctx, AppendMessageInput{
			DiscussionID: d.ID,
			SenderID:     "alice",
			Content:      fmt.Sprintf("message %d", i+1),
			Now:          base,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i+1, err)
		}
		if msg.Seq != int64(i+1) {
			t.Fatalf("append %d: seq = %d, want %d", i+1, msg.Seq, i+1)
		}
	}

	// A skewed-backwards timestamp must still land after existing rows.
	skewed, err := st.AppendMessage(ctx, AppendMessageInput{
		DiscussionID: d.ID,
		SenderID:     "bob",
		Content:      "late clock",
		Now:          base.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("append skewed: %v", err)
	}
	if skewed.Seq != 4 {
		t.Fatalf("skewed seq = %d, want 4", skewed.Seq)
	}
	if skewed.Timestamp.Before(base) {
		t.Fatalf("skewed ts = %v, want clamped to >= %v", skewed.Timestamp, base)
	}

	reloaded, err := st.FindByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Messages) != 4 {
		t.Fatalf("message count = %d, want 4", len(reloaded.Messages))
	}
	for i, m := range reloaded.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d: seq = %d, want %d", i, m.Seq, i+1)
		}
		if i > 0 && m.Timestamp.Before(reloaded.Messages[i-1].Timestamp) {
			t.Fatalf("message %d: timestamp regressed", i)
		}
	}
	if reloaded.LastMessageAt.IsZero() {
		t.Fatalf("expected last_message_at to be set")
	}

	if _, err := st.AppendMessage(ctx, AppendMessageInput{
		DiscussionID: "does-not-exist",
		SenderID:     "alice",
		Content:      "hello",
		Now:          base,
	}); !errors.Is(err, ErrDiscussionNotFound) {
		t.Fatalf("append to unknown discussion: err = %v, want ErrDiscussionNotFound", err)
	}
}

func mustNewPostgresStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SUPCHAT_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SUPCHAT_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse SUPCHAT_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "supchat_it_" + strings.ToLower(MustULID(time.Now().UTC()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	discussions := pgIdent(schema, "discussions")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  participant_key TEXT NOT NULL UNIQUE,
  participants    TEXT[] NOT NULL,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_message_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %s (
  discussion_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq           BIGINT NOT NULL,
  id            TEXT NOT NULL,
  sender_id     TEXT NOT NULL,
  content       TEXT NOT NULL,
  ts            TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (discussion_id, seq),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0)
);

CREATE INDEX IF NOT EXISTS idx_messages_discussion_seq_asc
  ON %s (discussion_id, seq ASC);
`, discussions, messages, discussions, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
