package db

import (
	"context"

	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

// Scanner reads the current row.
type Scanner interface {
	Scan(dest ...any) error
}

// Session is one caller's handle on the store. Implementations wrap a pooled
// connection or an open transaction. Query drains and closes its rows before
// returning so the session can be reused immediately.
type Session interface {
	Dialect() sqlbuilder.Dialect
	Exec(ctx context.Context, stmt sqlbuilder.Statement) (int64, error)
	Query(ctx context.Context, stmt sqlbuilder.Statement, scan func(Scanner) error) error
	// Transact runs fn in a transaction, or in a savepoint when the session
	// is already transactional. fn's error rolls back and is returned.
	Transact(ctx context.Context, fn func(Session) error) error
}

// Source hands out sessions, one per request.
type Source interface {
	Dialect() sqlbuilder.Dialect
	Acquire(ctx context.Context) (Session, func(), error)
	Ping(ctx context.Context) error
	Close()
}

// ExecAll runs statements in order and stops at the first failure.
func ExecAll(ctx context.Context, s Session, stmts []sqlbuilder.Statement) error {
	for _, stmt := range stmts {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
