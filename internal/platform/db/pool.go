package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// pgxQuerier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxSession runs statements on a pgx connection, pool or transaction.
type PgxSession struct {
	q pgxQuerier
}

// NewPgxSession wraps q.
func NewPgxSession(q pgxQuerier) *PgxSession {
	return &PgxSession{q: q}
}

func (s *PgxSession) Dialect() sqlbuilder.Dialect { return sqlbuilder.Postgres }

func (s *PgxSession) Exec(ctx context.Context, stmt sqlbuilder.Statement) (int64, error) {
	tag, err := s.q.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PgxSession) Query(ctx context.Context, stmt sqlbuilder.Statement, scan func(Scanner) error) error {
	rows, err := s.q.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Transact uses pgx.BeginFunc; on a pgx.Tx this opens a savepoint.
func (s *PgxSession) Transact(ctx context.Context, fn func(Session) error) error {
	return pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		return fn(&PgxSession{q: tx})
	})
}

// PgxSource hands out one pooled connection per session.
type PgxSource struct {
	pool *pgxpool.Pool
}

// NewPgxSource wraps an open pool.
func NewPgxSource(pool *pgxpool.Pool) *PgxSource {
	return &PgxSource{pool: pool}
}

func (p *PgxSource) Dialect() sqlbuilder.Dialect { return sqlbuilder.Postgres }

func (p *PgxSource) Acquire(ctx context.Context) (Session, func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	return NewPgxSession(conn), conn.Release, nil
}

func (p *PgxSource) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PgxSource) Close() { p.pool.Close() }

// Pool exposes the underlying pool for stats reporting.
func (p *PgxSource) Pool() *pgxpool.Pool { return p.pool }
