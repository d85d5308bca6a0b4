package stmtcache

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/pool"
)

// Statement is a prepared statement borrowed from a Conn. Close hands it back
// to the connection's cache; it must not be used afterwards.
type Statement struct {
	key  Key
	stmt *sql.Stmt
	conn *Conn

	destroyOnce sync.Once
	destroyErr  error
}

// Key returns the cache key of the statement.
func (s *Statement) Key() Key { return s.key }

// Stmt exposes the underlying prepared statement.
func (s *Statement) Stmt() *sql.Stmt { return s.stmt }

// ExecContext executes the statement.
func (s *Statement) ExecContext(ctx context.Context, args ...any) (sql.Result, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	s.conn.observe(err)
	return res, err
}

// QueryContext runs the statement as a query.
func (s *Statement) QueryContext(ctx context.Context, args ...any) (*sql.Rows, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	s.conn.observe(err)
	return rows, err
}

// QueryRowContext runs the statement as a single-row query.
func (s *Statement) QueryRowContext(ctx context.Context, args ...any) *sql.Row {
	return s.stmt.QueryRowContext(ctx, args...)
}

// Close returns the statement to the connection's cache. When the cache is
// full or closed the statement is destroyed instead. Closing a statement
// that is already cached is a no-op.
func (s *Statement) Close() error {
	c := s.conn
	err := c.cache.TryPut(s.key, s, c.cfg.LiveTime, c.cfg.MaxIdleTime)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pool.ErrAlreadyIdle):
		return nil
	}

	c.logger.Debug("statement not cached, destroying",
		zap.Stringer("key", s.key),
		zap.Error(err))
	return s.Destroy()
}

// Destroy closes the prepared statement on the server. It runs at most once;
// later calls return the first result. A failure is reported to the
// connection's failure hook.
func (s *Statement) Destroy() error {
	s.destroyOnce.Do(func() {
		if err := s.stmt.Close(); err != nil {
			s.destroyErr = errors.Wrap(err, errors.ErrorTypeDestroy, "close prepared statement").
				WithDetail("sql", s.key.SQL)
			s.conn.reportFailure(s.destroyErr)
		}
	})
	return s.destroyErr
}
