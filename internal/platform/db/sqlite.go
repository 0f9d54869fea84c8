package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		path = "fhirrepo.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return conn, nil
}

// sqlQuerier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLSession runs statements through database/sql.
type SQLSession struct {
	q       sqlQuerier
	dialect sqlbuilder.Dialect
	depth   int
}

// NewSQLSession wraps a *sql.DB, *sql.Conn or *sql.Tx.
func NewSQLSession(q sqlQuerier, dialect sqlbuilder.Dialect) *SQLSession {
	return &SQLSession{q: q, dialect: dialect}
}

func (s *SQLSession) Dialect() sqlbuilder.Dialect { return s.dialect }

func (s *SQLSession) Exec(ctx context.Context, stmt sqlbuilder.Statement) (int64, error) {
	res, err := s.q.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *SQLSession) Query(ctx context.Context, stmt sqlbuilder.Statement, scan func(Scanner) error) error {
	rows, err := s.q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Transact begins a transaction, or a savepoint if this session already is
// one.
func (s *SQLSession) Transact(ctx context.Context, fn func(Session) error) error {
	if tx, ok := s.q.(*sql.Tx); ok {
		return s.savepoint(ctx, tx, fn)
	}
	b, ok := s.q.(sqlBeginner)
	if !ok {
		return fmt.Errorf("session does not support transactions")
	}
	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&SQLSession{q: tx, dialect: s.dialect, depth: 1}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLSession) savepoint(ctx context.Context, tx *sql.Tx, fn func(Session) error) error {
	name := sqlbuilder.QuoteIdent(fmt.Sprintf("SP%d", s.depth))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(&SQLSession{q: tx, dialect: s.dialect, depth: s.depth + 1}); err != nil {
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// SQLSource hands out one *sql.Conn per session.
type SQLSource struct {
	db      *sql.DB
	dialect sqlbuilder.Dialect
	health  *sql.DB
}

// NewSQLSource wraps an open database.
func NewSQLSource(db *sql.DB, dialect sqlbuilder.Dialect) *SQLSource {
	return &SQLSource{db: db, dialect: dialect}
}

func (s *SQLSource) Dialect() sqlbuilder.Dialect { return s.dialect }

func (s *SQLSource) Acquire(ctx context.Context) (Session, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	return NewSQLSession(conn, s.dialect), func() { _ = conn.Close() }, nil
}

// WithHealthCheckDB pings through a separate handle to the same database.
// OpenSQLite allows one connection and every request holds it for its whole
// lifetime, so a ping on the main handle would queue behind them.
func (s *SQLSource) WithHealthCheckDB(health *sql.DB) *SQLSource {
	s.health = health
	return s
}

func (s *SQLSource) Ping(ctx context.Context) error {
	if s.health != nil {
		return s.health.PingContext(ctx)
	}
	return s.db.PingContext(ctx)
}

func (s *SQLSource) Close() {
	_ = s.db.Close()
	if s.health != nil {
		_ = s.health.Close()
	}
}
