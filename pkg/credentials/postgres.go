package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads credentials from the credentials table.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// InitSchema creates the credentials table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init credentials schema: %w", err)
	}
	return nil
}

// Create inserts c, replacing a stored credential with the same id. Value
// must already be encrypted.
func (s *PostgresStore) Create(ctx context.Context, c Credential) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO credentials (id, user_id, name, type, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			updated_at = NOW()
	`, c.ID, c.UserID, c.Name, string(c.Type), c.Value)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id, userID string) (*Credential, error) {
	var c Credential
	var typ string
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, type, value, created_at, updated_at
		FROM credentials WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&c.ID, &c.UserID, &c.Name, &typ, &c.Value, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.Type = Type(typ)
	return &c, nil
}
