package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/bitacora/internal/retry"
)

// Beginner abre transações. *pgxpool.Pool satisfaz.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// NewPool abre o pool e valida a conexão.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// WithTx executa uma função dentro de uma transação explicita.
func WithTx(ctx context.Context, db Beginner, fn func(pctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// WithTxRetry repete a transação inteira quando o Postgres a aborta por
// conflito de serialização ou deadlock.
func WithTxRetry(ctx context.Context, db Beginner, policy retry.Policy, fn func(pctx context.Context, tx pgx.Tx) error) error {
	return retry.Run(ctx, policy.When(IsConflict), func(ctx context.Context) error {
		return WithTx(ctx, db, fn)
	})
}

// IsConflict reconhece serialization_failure (40001) e deadlock_detected (40P01).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
