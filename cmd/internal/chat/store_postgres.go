package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a DiscussionStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - FindOrCreate relies on a unique index on participant_key.
// - AppendMessage takes a per-discussion transactional advisory lock to
//   guarantee strict append ordering and gap-free seq allocation.
//
// Expected schema (schema name configurable, default "supchat"):
//
//	discussions(id text primary key,
//	            participant_key text unique not null,
//	            participants text[] not null,
//	            next_seq bigint not null default 1,
//	            created_at timestamptz not null,
//	            last_message_at timestamptz)
//	messages(discussion_id text not null references discussions(id),
//	         seq bigint not null,
//	         id text not null,
//	         sender_id text not null,
//	         content text not null,
//	         ts timestamptz not null,
//	         primary key (discussion_id, seq))
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "supchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed DiscussionStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "supchat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close(_ context.Context) error { return nil }

// FindOrCreate returns the discussion for the participant set, creating
// it when absent. The unique participant_key index makes concurrent
// creation for the same pair converge on a single row.
func (s *PostgresStore) FindOrCreate(ctx context.Context, participants []string) (Discussion, bool, error) {
	if s == nil || s.pool == nil {
		return Discussion{}, false, errors.New("chat: nil store")
	}
	key, norm := participantKey(participants)
	if key == "" {
		return Discussion{}, false, fmt.Errorf("%w: need at least two participants", ErrInvalidMessage)
	}
	if err := ctx.Err(); err != nil {
		return Discussion{}, false, err
	}

	discussions := pgIdent(s.schema, "discussions")
	now := time.Now().UTC()

	var (
		id      string
		created = true
	)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+discussions+` (id, participant_key, participants, next_seq, created_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (participant_key) DO NOTHING
		 RETURNING id`,
		MustULID(now), key, norm, now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM `+discussions+` WHERE participant_key = $1`, key,
		).Scan(&id)
	}
	if err != nil {
		return Discussion{}, false, fmt.Errorf("find or create discussion: %w", err)
	}

	d, err := s.FindByID(ctx, id)
	if err != nil {
		return Discussion{}, false, err
	}
	return d, created, nil
}

// FindByID loads a discussion with its full message history ordered by seq.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Discussion, error) {
	if s == nil || s.pool == nil {
		return Discussion{}, errors.New("chat: nil store")
	}
	if strings.TrimSpace(id) == "" {
		return Discussion{}, ErrDiscussionNotFound
	}
	if err := ctx.Err(); err != nil {
		return Discussion{}, err
	}

	discussions := pgIdent(s.schema, "discussions")
	messages := pgIdent(s.schema, "messages")

	var (
		d             Discussion
		lastMessageAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, participants, created_at, last_message_at
		   FROM `+discussions+`
		  WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.Participants, &d.CreatedAt, &lastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Discussion{}, ErrDiscussionNotFound
	}
	if err != nil {
		return Discussion{}, fmt.Errorf("load discussion: %w", err)
	}
	if lastMessageAt != nil {
		d.LastMessageAt = *lastMessageAt
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, sender_id, content, ts
		   FROM `+messages+`
		  WHERE discussion_id = $1
		  ORDER BY seq ASC`,
		id,
	)
	if err != nil {
		return Discussion{}, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := Message{DiscussionID: d.ID}
		if err := rows.Scan(&m.ID, &m.Seq, &m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return Discussion{}, fmt.Errorf("scan message: %w", err)
		}
		d.Messages = append(d.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return Discussion{}, fmt.Errorf("load messages: %w", err)
	}

	return d, nil
}

// AppendMessage appends a message under a per-discussion advisory lock,
// allocating a gap-free seq and keeping timestamps non-decreasing.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.DiscussionID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	discussions := pgIdent(s.schema, "discussions")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per discussion to guarantee strict monotonic
	// ordering without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.DiscussionID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var (
		seq           int64
		lastMessageAt *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT next_seq, last_message_at FROM `+discussions+` WHERE id = $1`,
		in.DiscussionID,
	).Scan(&seq, &lastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrDiscussionNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("read cursor: %w", err)
	}

	if lastMessageAt != nil && now.Before(*lastMessageAt) {
		now = *lastMessageAt
	}

	msg := Message{
		ID:           MustULID(now),
		DiscussionID: in.DiscussionID,
		SenderID:     in.SenderID,
		Content:      in.Content,
		Seq:          seq,
		Timestamp:    now,
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+discussions+`
		    SET next_seq = next_seq + 1,
		        last_message_at = $2
		  WHERE id = $1`,
		in.DiscussionID, now,
	); err != nil {
		return Message{}, fmt.Errorf("bump cursor: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (discussion_id, seq, id, sender_id, content, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.DiscussionID, msg.Seq, msg.ID, msg.SenderID, msg.Content, msg.Timestamp,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
