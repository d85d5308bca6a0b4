// Package datasource pools database connections that each carry their own
// prepared statement cache.
//
// A DataSource keeps idle connections in a pool.ObjectPool and tracks the
// ones handed out under a manager lock. The manager lock is never held while
// calling into a pool or destroying a connection: statement caches report
// failures back through ReportFailure, which takes that lock, and they may do
// so from inside their own destruction path.
package datasource

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/pool"
	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/shutdown"
	"github.com/ajitpratap0/tidepool/pkg/stmtcache"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New(errors.ErrorTypeClosed, "data source is closed")
	// ErrUnknownConn is returned when releasing a connection that was not
	// acquired from the data source.
	ErrUnknownConn = errors.New(errors.ErrorTypeInternal, "connection was not acquired from this data source")
)

// Config sizes a DataSource.
type Config struct {
	// MaxOpen bounds the connections held, idle and in use. Zero means
	// unbounded.
	MaxOpen int
	// LiveTime bounds the lifetime of a pooled connection.
	LiveTime time.Duration
	// MaxIdleTime closes connections idle for longer.
	MaxIdleTime time.Duration
	// EvictionDelay is the interval of the idle connection sweep.
	EvictionDelay time.Duration
	// AcquireTimeout bounds Acquire when ctx carries no deadline.
	AcquireTimeout time.Duration
	// PingOnAcquire validates idle connections before handing them out.
	PingOnAcquire bool
	// Statements configures the statement cache of every connection.
	Statements stmtcache.Config
}

// DefaultConfig returns a configuration for a small service.
func DefaultConfig() Config {
	return Config{
		MaxOpen:        16,
		LiveTime:       time.Hour,
		MaxIdleTime:    5 * time.Minute,
		EvictionDelay:  pool.DefaultEvictionDelay,
		AcquireTimeout: 30 * time.Second,
		Statements:     stmtcache.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxOpen < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "max open connections must not be negative, got %d", c.MaxOpen)
	}
	if c.LiveTime < 0 || c.MaxIdleTime < 0 || c.AcquireTimeout < 0 {
		return errors.New(errors.ErrorTypeConfig, "connection durations must not be negative")
	}
	if c.Statements.Capacity < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "statement cache capacity must not be negative, got %d", c.Statements.Capacity)
	}
	return nil
}

// Option customises a DataSource.
type Option func(*DataSource)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ds *DataSource) { ds.logger = l }
}

// WithScheduler runs the sweeps of the connection pool and of every statement
// cache on s.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(ds *DataSource) { ds.scheduler = s }
}

// WithShutdownRegistry registers Close with r instead of shutdown.Default().
func WithShutdownRegistry(r *shutdown.Registry) Option {
	return func(ds *DataSource) { ds.registry = r }
}

// WithTracer sets the tracer of the statement caches.
func WithTracer(t trace.Tracer) Option {
	return func(ds *DataSource) { ds.tracer = t }
}

type connState struct {
	acquiredAt time.Time
	broken     bool
	failures   int
}

// DataSource hands out connections with statement caches.
type DataSource struct {
	db     *sql.DB
	ownsDB bool
	cfg    Config
	idle   *pool.ObjectPool[*stmtcache.Conn]
	slots  *semaphore.Weighted
	logger *zap.Logger
	tracer trace.Tracer

	scheduler  *scheduler.Scheduler
	registry   *shutdown.Registry
	unregister func()

	// mu is the manager lock. It guards active only.
	mu     sync.Mutex
	active map[*stmtcache.Conn]*connState

	closed    atomic.Bool
	opened    atomic.Int64
	acquired  atomic.Int64
	discarded atomic.Int64
	failures  atomic.Int64
}

// Open opens a database with the given driver and wraps it. The DataSource
// owns the database and closes it on Close.
func Open(driverName, dsn string, cfg Config, opts ...Option) (*DataSource, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "open database").
			WithDetail("driver", driverName)
	}
	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	ds, err := New(db, cfg, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	ds.ownsDB = true
	return ds, nil
}

// New wraps db. The caller keeps ownership of db.
func New(db *sql.DB, cfg Config, opts ...Option) (*DataSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ds := &DataSource{
		db:     db,
		cfg:    cfg,
		active: make(map[*stmtcache.Conn]*connState),
	}
	for _, opt := range opts {
		opt(ds)
	}
	if ds.logger == nil {
		ds.logger = logger.Named("datasource")
	}
	if cfg.MaxOpen > 0 {
		ds.slots = semaphore.NewWeighted(int64(cfg.MaxOpen))
	}

	poolOpts := []pool.Option{
		pool.WithName("datasource"),
		pool.WithLogger(ds.logger),
		pool.WithoutShutdownHook(),
		pool.WithDestroyHook(ds.dropped),
	}
	if ds.scheduler != nil {
		poolOpts = append(poolOpts, pool.WithScheduler(ds.scheduler))
	}
	idle, err := pool.NewObjectPool[*stmtcache.Conn](pool.Config{
		Capacity:      cfg.MaxOpen,
		EvictionDelay: cfg.EvictionDelay,
		Policy:        pool.LastAccessTime,
		AutoBalance:   true,
	}, poolOpts...)
	if err != nil {
		return nil, err
	}
	ds.idle = idle

	r := ds.registry
	if r == nil {
		r = shutdown.Default()
	}
	ds.unregister = r.Register("datasource", func() { _ = ds.Close() })
	return ds, nil
}

// DB returns the wrapped database.
func (ds *DataSource) DB() *sql.DB { return ds.db }

// Acquire returns an idle connection or opens a new one, waiting while
// MaxOpen connections are in use.
func (ds *DataSource) Acquire(ctx context.Context) (*stmtcache.Conn, error) {
	if ds.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok && ds.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ds.cfg.AcquireTimeout)
		defer cancel()
	}

	if ds.slots != nil {
		if err := ds.slots.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "waiting for a free connection")
		}
	}

	c, err := ds.checkout(ctx)
	if err != nil {
		ds.releaseSlot()
		return nil, err
	}

	ds.mu.Lock()
	ds.active[c] = &connState{acquiredAt: time.Now()}
	ds.mu.Unlock()
	ds.acquired.Add(1)
	return c, nil
}

func (ds *DataSource) checkout(ctx context.Context) (*stmtcache.Conn, error) {
	for {
		c, ok := ds.idle.Get()
		if !ok {
			return ds.open(ctx)
		}
		if !ds.cfg.PingOnAcquire {
			return c, nil
		}
		err := c.Raw().PingContext(ctx)
		if err == nil {
			return c, nil
		}
		ds.logger.Warn("idle connection failed ping, discarding",
			zap.String(string(logger.ConnectionKey), c.ID()),
			zap.Error(err))
		ds.idle.Detach(c)
		ds.discard(c)
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "validating idle connection")
		}
	}
}

// open creates a connection and admits it to the pool checked out.
func (ds *DataSource) open(ctx context.Context) (*stmtcache.Conn, error) {
	raw, err := ds.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "open connection")
	}

	opts := []stmtcache.Option{
		stmtcache.WithLogger(ds.logger),
		stmtcache.WithFailureHook(ds.ReportFailure),
	}
	if ds.tracer != nil {
		opts = append(opts, stmtcache.WithTracer(ds.tracer))
	}
	if ds.scheduler != nil {
		opts = append(opts, stmtcache.WithPoolOptions(pool.WithScheduler(ds.scheduler)))
	}
	c, err := stmtcache.NewConn(raw, ds.cfg.Statements, opts...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	var (
		got      *stmtcache.Conn
		admitErr error
	)
	ds.idle.Atomically(func(tx *pool.ObjectTx[*stmtcache.Conn]) {
		if admitErr = tx.TryPut(c, ds.cfg.LiveTime, ds.cfg.MaxIdleTime); admitErr != nil {
			return
		}
		got, _ = tx.Get()
	})
	if admitErr != nil {
		ds.discard(c)
		return nil, admitErr
	}
	ds.opened.Add(1)
	ds.logger.Debug("opened connection", zap.String(string(logger.ConnectionKey), c.ID()))
	return got, nil
}

// Release hands a connection back. Connections reported broken are
// destroyed instead of pooled.
func (ds *DataSource) Release(c *stmtcache.Conn) error {
	ds.mu.Lock()
	st, ok := ds.active[c]
	if ok {
		delete(ds.active, c)
	}
	ds.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	defer ds.releaseSlot()

	ds.logger.Debug("released connection",
		zap.String(string(logger.ConnectionKey), c.ID()),
		zap.Duration("held", time.Since(st.acquiredAt)),
		zap.Bool("broken", st.broken),
		zap.Int("failures", st.failures))

	if st.broken {
		ds.idle.Detach(c)
		ds.discard(c)
		return nil
	}
	if err := ds.idle.TryPut(c, ds.cfg.LiveTime, ds.cfg.MaxIdleTime); err != nil {
		ds.discard(c)
	}
	return nil
}

// ReportFailure marks c broken so that Release destroys it. It is the
// failure hook of every statement cache and takes the manager lock, so it
// must not be called while holding a pool lock.
func (ds *DataSource) ReportFailure(c *stmtcache.Conn, err error) {
	ds.failures.Add(1)

	ds.mu.Lock()
	st, ok := ds.active[c]
	if ok {
		st.broken = true
		st.failures++
	}
	ds.mu.Unlock()

	ds.logger.Debug("connection failure reported",
		zap.String(string(logger.ConnectionKey), c.ID()),
		zap.Bool("in_use", ok),
		zap.Error(err))
}

// Stats is a snapshot of a DataSource.
type Stats struct {
	Pool      pool.Stats `json:"pool"`
	InUse     int        `json:"in_use"`
	Opened    int64      `json:"opened"`
	Acquired  int64      `json:"acquired"`
	Discarded int64      `json:"discarded"`
	Failures  int64      `json:"failures"`
}

// Stats returns a snapshot of the data source and its idle pool.
func (ds *DataSource) Stats() Stats {
	return Stats{
		Pool:      ds.idle.Stats(),
		InUse:     ds.InUse(),
		Opened:    ds.opened.Load(),
		Acquired:  ds.acquired.Load(),
		Discarded: ds.discarded.Load(),
		Failures:  ds.failures.Load(),
	}
}

// InUse returns the number of acquired connections.
func (ds *DataSource) InUse() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.active)
}

// Close destroys idle connections and rejects further Acquire calls.
// Connections in use are destroyed when released.
func (ds *DataSource) Close() error {
	if !ds.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ds.unregister != nil {
		ds.unregister()
	}
	_ = ds.idle.Close()

	var err error
	if ds.ownsDB {
		if cerr := ds.db.Close(); cerr != nil {
			err = errors.Wrap(cerr, errors.ErrorTypeConnection, "close database")
		}
	}
	ds.logger.Info("data source closed",
		zap.Int64("opened", ds.opened.Load()),
		zap.Int64("acquired", ds.acquired.Load()),
		zap.Int64("discarded", ds.discarded.Load()))
	return err
}

// discard destroys a connection that is no longer tracked by the pool. The
// manager lock must not be held.
func (ds *DataSource) discard(c *stmtcache.Conn) {
	ds.discarded.Add(1)
	if err := c.Destroy(); err != nil {
		ds.logger.Warn("destroy connection failed",
			zap.String(string(logger.ConnectionKey), c.ID()),
			zap.Error(err))
	}
}

// dropped counts connections the idle pool destroyed itself, such as one
// that expired while checked out and was returned through Release.
func (ds *DataSource) dropped(c *stmtcache.Conn, reason string) {
	if reason == pool.ReasonClosed {
		return
	}
	ds.discarded.Add(1)
	ds.logger.Debug("pool destroyed connection",
		zap.String(string(logger.ConnectionKey), c.ID()),
		zap.String("reason", reason))
}

func (ds *DataSource) releaseSlot() {
	if ds.slots != nil {
		ds.slots.Release(1)
	}
}
