package stmtcache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/pool"
)

const tracerName = "github.com/ajitpratap0/tidepool/pkg/stmtcache"

// ErrConnDestroyed is returned by Prepare after Destroy.
var ErrConnDestroyed = errors.New(errors.ErrorTypeClosed, "connection is destroyed")

// Config sizes the statement cache of one connection.
type Config struct {
	// Capacity bounds the statements cached per connection, idle and in use.
	Capacity int
	// LiveTime bounds the lifetime of a cached statement. Zero means unlimited.
	LiveTime time.Duration
	// MaxIdleTime drops statements unused for longer. Zero means unlimited.
	MaxIdleTime time.Duration
	// EvictionDelay is the sweep interval of the cache. Zero disables it.
	EvictionDelay time.Duration
	// Policy picks the statements dropped when a full cache admits a new one.
	Policy pool.EvictionPolicy
}

// DefaultConfig caches up to 64 statements, dropping those idle for ten
// minutes.
func DefaultConfig() Config {
	return Config{
		Capacity:      64,
		MaxIdleTime:   10 * time.Minute,
		EvictionDelay: 30 * time.Second,
		Policy:        pool.LastAccessTime,
	}
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		Capacity:      c.Capacity,
		EvictionDelay: c.EvictionDelay,
		Policy:        c.Policy,
		AutoBalance:   true,
		BalanceFactor: pool.DefaultBalanceFactor,
	}
}

// FailureHook is told about errors that suggest the connection is broken. It
// is never called while the statement cache is locked.
type FailureHook func(c *Conn, err error)

// Option customises a Conn.
type Option func(*Conn)

// WithFailureHook sets the function told about connection failures.
func WithFailureHook(fn FailureHook) Option {
	return func(c *Conn) { c.onFailure = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithTracer sets the tracer used for Prepare spans. The default comes from
// the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Conn) { c.tracer = t }
}

// WithPoolOptions passes options through to the statement pool, e.g. a
// scheduler or shutdown registry.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(c *Conn) { c.poolOpts = append(c.poolOpts, opts...) }
}

var connSeq atomic.Uint64

// Conn is a database connection with its own prepared statement cache.
type Conn struct {
	id        string
	conn      *sql.Conn
	cfg       Config
	cache     *pool.KeyedObjectPool[Key, *Statement]
	onFailure FailureHook
	logger    *zap.Logger
	tracer    trace.Tracer
	poolOpts  []pool.Option

	prepared  atomic.Int64
	failures  atomic.Int64
	destroyed atomic.Bool

	destroyOnce sync.Once
	destroyErr  error
}

// NewConn takes ownership of conn. The returned Conn must be destroyed to
// release it.
func NewConn(conn *sql.Conn, cfg Config, opts ...Option) (*Conn, error) {
	c := &Conn{
		id:   fmt.Sprintf("conn-%d", connSeq.Add(1)),
		conn: conn,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Named("stmtcache")
	}
	c.logger = c.logger.With(zap.String(string(logger.ConnectionKey), c.id))
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	poolOpts := append([]pool.Option{
		pool.WithName(c.id + "/statements"),
		pool.WithLogger(c.logger),
		// The owner of the connection destroys it, which closes the cache.
		pool.WithoutShutdownHook(),
	}, c.poolOpts...)

	cache, err := pool.NewKeyedObjectPool[Key, *Statement](cfg.poolConfig(), poolOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "create statement cache")
	}
	c.cache = cache
	return c, nil
}

// ID returns the identifier used in logs.
func (c *Conn) ID() string { return c.id }

// Raw exposes the underlying connection.
func (c *Conn) Raw() *sql.Conn { return c.conn }

// PrepareContext is Prepare with a plain statement key.
func (c *Conn) PrepareContext(ctx context.Context, query string) (*Statement, error) {
	return c.Prepare(ctx, NewKey(query))
}

// Prepare returns a cached statement for key, or prepares a new one.
func (c *Conn) Prepare(ctx context.Context, key Key) (*Statement, error) {
	ctx, span := c.tracer.Start(ctx, "stmtcache.Prepare",
		trace.WithAttributes(
			attribute.String("db.statement", key.SQL),
			attribute.String("db.connection_id", c.id),
		))
	defer span.End()

	if c.destroyed.Load() {
		span.SetStatus(codes.Error, "connection destroyed")
		return nil, ErrConnDestroyed
	}

	if s, ok := c.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("stmtcache.hit", true))
		return s, nil
	}
	span.SetAttributes(attribute.Bool("stmtcache.hit", false))

	stmt, err := c.conn.PrepareContext(ctx, key.SQL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		c.observe(err)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "prepare statement").
			WithDetail("sql", key.SQL)
	}
	c.prepared.Add(1)
	return &Statement{key: key, stmt: stmt, conn: c}, nil
}

// Invalidate drops every idle cached statement for key, e.g. after a schema
// change, and returns how many were dropped.
func (c *Conn) Invalidate(key Key) int {
	var dropped []*Statement
	c.cache.Atomically(func(tx *pool.Tx[Key, *Statement]) {
		for {
			s, ok := tx.Remove(key)
			if !ok {
				return
			}
			dropped = append(dropped, s)
		}
	})
	for _, s := range dropped {
		_ = s.Destroy()
	}
	return len(dropped)
}

// Cached returns the number of idle statements cached under key.
func (c *Conn) Cached(key Key) int { return c.cache.KeySize(key) }

// Prepared returns how many statements were prepared on the server.
func (c *Conn) Prepared() int64 { return c.prepared.Load() }

// Failures returns how many failures were reported for this connection.
func (c *Conn) Failures() int64 { return c.failures.Load() }

// Stats returns the statistics of the statement cache.
func (c *Conn) Stats() pool.Stats { return c.cache.Stats() }

// Destroy closes the statement cache, destroying every cached statement,
// and then the connection. It is idempotent.
func (c *Conn) Destroy() error {
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		_ = c.cache.Close()
		if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			c.destroyErr = errors.Wrap(err, errors.ErrorTypeConnection, "close connection")
		}
		c.logger.Debug("connection destroyed",
			zap.Int64("prepared", c.prepared.Load()),
			zap.Int64("failures", c.failures.Load()))
	})
	return c.destroyErr
}

// observe reports errors that indicate a broken connection.
func (c *Conn) observe(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		c.reportFailure(errors.Wrap(err, errors.ErrorTypeConnection, "connection failed"))
	}
}

// reportFailure must be called without any pool lock held.
func (c *Conn) reportFailure(err error) {
	c.failures.Add(1)
	c.logger.Warn("connection failure", zap.Error(err))
	if c.onFailure != nil {
		c.onFailure(c, err)
	}
}
