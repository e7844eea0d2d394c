package buffer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/twodo-sync-engine/internal/types"
)

// PGStore persists buffers in Postgres, one row per document.
type PGStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// PGOption configures the store.
type PGOption func(*PGStore)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PGOption {
	return func(s *PGStore) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PGOption {
	return func(s *PGStore) {
		s.retryDelay = d
	}
}

// NewPGStore constructs a Postgres-backed durable store.
func NewPGStore(pool *pgxpool.Pool, opts ...PGOption) *PGStore {
	s := &PGStore{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the buffer table when it does not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
                        CREATE TABLE IF NOT EXISTS document_buffers (
                            document_id text PRIMARY KEY,
                            buffer      bytea NOT NULL,
                            updated_at  timestamptz NOT NULL DEFAULT now()
                        )
                `)
		return err
	})
}

// Write upserts the serialized buffer for a document. Transient failures are
// retried with exponential backoff.
func (s *PGStore) Write(ctx context.Context, doc types.DocumentID, data []byte) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
                        INSERT INTO document_buffers (document_id, buffer, updated_at)
                        VALUES ($1, $2, now())
                        ON CONFLICT (document_id)
                        DO UPDATE SET buffer = EXCLUDED.buffer, updated_at = now()
                `, doc, data)
		return err
	})
}

// Read returns the stored buffer for a document. A missing row reports
// ok=false without error.
func (s *PGStore) Read(ctx context.Context, doc types.DocumentID) ([]byte, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
                SELECT buffer FROM document_buffers WHERE document_id = $1
        `, doc).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *PGStore) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
