// Package store implements SQL persistence for the manager core on top of a
// pgx connection pool. All mutating lifecycle paths run inside WithTx, which
// retries the whole transaction body on serialization and deadlock failures.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the query surface shared by the pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store issues SQL against either the pool or, inside WithTx, a transaction.
type Store struct {
	pool *pgxpool.Pool
	db   DBTX
	log  *slog.Logger
}

// New creates a store over a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   pool,
		log:  slog.With("component", "store"),
	}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ErrNoRows is returned by single-row getters when nothing matches.
var ErrNoRows = pgx.ErrNoRows

const (
	txMaxRetries      = 10
	txInitialInterval = 20 * time.Millisecond
	txMaxInterval     = 2 * time.Second
)

// WithTx runs fn inside a transaction, committing on nil return. The whole
// body is retried with exponential backoff when the commit or any statement
// fails with a serialization (40001) or deadlock (40P01) error, so fn must
// be safe to run more than once.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q *Store) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     txInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         txMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, txMaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if IsRetryableTxError(err) {
			s.log.Warn("Retrying transaction after transient conflict",
				"attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, q *Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := &Store{pool: s.pool, db: tx, log: s.log}
	if err := fn(ctx, q); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryableTxError reports whether the error is a transient transaction
// conflict (serialization failure or deadlock) worth retrying.
func IsRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// ForeignKeyViolation extracts the violated constraint name when err is a
// foreign-key integrity error, so callers can produce a human message
// ("No such agent: i-xyz").
func ForeignKeyViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// intsToInt32 converts port lists to the wire type pgx encodes as int4[].
func intsToInt32(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func int32ToInts(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
