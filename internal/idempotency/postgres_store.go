package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps broker responses in a PostgreSQL table so replays
// survive restarts and are shared between broker replicas. The first
// response saved under a live key wins; a later save for the same request is
// a no-op and one for a different request is ErrRequestMismatch.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS broker_replays (
    key TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS broker_replays_expires_at_idx ON broker_replays (expires_at);
`

// A live row is only replaced once it has expired.
const saveSQL = `
INSERT INTO broker_replays (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE broker_replays.expires_at <= EXCLUDED.created_at
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create replay table: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT request_hash, status_code, response, created_at, expires_at
FROM broker_replays
WHERE key = $1 AND expires_at > $2
`, key, p.now())

	var rec Record
	if err := row.Scan(&rec.RequestHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Save stores record unless a live record already holds key. Two broker
// replicas racing on one key both see the first response afterwards.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = p.now()
	}
	tag, err := p.pool.Exec(ctx, saveSQL, key, record.RequestHash, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := p.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read conflicting replay: %w", err)
	}
	if existing != nil && !existing.Matches(record.RequestHash) {
		return fmt.Errorf("%w: %s", ErrRequestMismatch, key)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (p *PostgresStore) Purge(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM broker_replays WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
