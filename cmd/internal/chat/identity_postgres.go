package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "supchat/contracts/chat/v1"
)

// PostgresIdentity resolves users from a users table owned by the
// surrounding application. The messaging core only reads id, name and
// email; accounts are created elsewhere.
type PostgresIdentity struct {
	pool   *pgxpool.Pool
	schema string
}

// IdentityOption configures PostgresIdentity behavior.
type IdentityOption func(*PostgresIdentity) error

// WithIdentitySchema sets the DB schema holding the users table (default: "supchat").
func WithIdentitySchema(schema string) IdentityOption {
	return func(p *PostgresIdentity) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgresIdentity constructs a Postgres-backed IdentityProvider.
func NewPostgresIdentity(pool *pgxpool.Pool, opts ...IdentityOption) (*PostgresIdentity, error) {
	p := &PostgresIdentity{pool: pool, schema: "supchat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return p, nil
}

// ResolveUser returns display data for one user id.
func (p *PostgresIdentity) ResolveUser(ctx context.Context, userID string) (v1.UserRef, error) {
	users := pgIdent(p.schema, "users")

	var u v1.UserRef
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, email FROM `+users+` WHERE id = $1`, userID,
	).Scan(&u.UserID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.UserRef{}, fmt.Errorf("%w: unknown user %q", ErrIdentityUnavailable, userID)
	}
	if err != nil {
		return v1.UserRef{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return u, nil
}

// ListUsers returns the full directory ordered by id.
func (p *PostgresIdentity) ListUsers(ctx context.Context) ([]v1.UserRef, error) {
	users := pgIdent(p.schema, "users")

	rows, err := p.pool.Query(ctx,
		`SELECT id, name, email FROM `+users+` ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	defer rows.Close()

	var out []v1.UserRef
	for rows.Next() {
		var u v1.UserRef
		if err := rows.Scan(&u.UserID, &u.Name, &u.Email); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return out, nil
}
