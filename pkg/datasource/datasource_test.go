package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/shutdown"
	"github.com/ajitpratap0/tidepool/pkg/stmtcache"
)

var errBoom = fmt.Errorf("boom")

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	// Keep driver connections around; sqlmock forgets its DSN once every
	// connection is closed.
	db.SetMaxIdleConns(16)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func testConfig(maxOpen int) Config {
	cfg := DefaultConfig()
	cfg.MaxOpen = maxOpen
	cfg.EvictionDelay = 0
	cfg.AcquireTimeout = time.Second
	cfg.Statements.EvictionDelay = 0
	return cfg
}

func newDataSource(t *testing.T, db *sql.DB, cfg Config, extra ...Option) *DataSource {
	t.Helper()
	s := scheduler.New(scheduler.Config{MaxWorkers: 1}, nil)
	t.Cleanup(s.Close)
	opts := append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithScheduler(s),
		WithShutdownRegistry(shutdown.New(nil)),
	}, extra...)
	ds, err := New(db, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxOpen = -1
	assert.True(t, errors.IsType(cfg.Validate(), errors.ErrorTypeConfig))

	cfg = DefaultConfig()
	cfg.MaxIdleTime = -time.Second
	assert.True(t, errors.IsType(cfg.Validate(), errors.ErrorTypeConfig))

	cfg = DefaultConfig()
	cfg.Statements.Capacity = -1
	assert.Error(t, cfg.Validate())

	db, _ := newMock(t)
	_, err := New(db, Config{MaxOpen: -1})
	assert.Error(t, err)
}

func TestAcquireReusesConnection(t *testing.T) {
	db, _ := newMock(t)
	ds := newDataSource(t, db, testConfig(4))
	ctx := context.Background()

	c1, err := ds.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.InUse())
	require.NoError(t, ds.Release(c1))
	assert.Equal(t, 0, ds.InUse())

	c2, err := ds.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	require.NoError(t, ds.Release(c2))

	stats := ds.Stats()
	assert.Equal(t, int64(1), stats.Opened)
	assert.Equal(t, int64(2), stats.Acquired)
	assert.Equal(t, 1, stats.Pool.Size)
	assert.Equal(t, 1, stats.Pool.Idle)
}

func TestStatementsSurviveRelease(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectPrepare("SELECT 1")
	ds := newDataSource(t, db, testConfig(1))
	ctx := context.Background()

	c, err := ds.Acquire(ctx)
	require.NoError(t, err)
	s, err := c.PrepareContext(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, ds.Release(c))

	c, err = ds.Acquire(ctx)
	require.NoError(t, err)
	s2, err := c.PrepareContext(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, s, s2)
	require.NoError(t, s2.Close())
	require.NoError(t, ds.Release(c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireWaitsForMaxOpen(t *testing.T) {
	db, _ := newMock(t)
	ds := newDataSource(t, db, testConfig(1))

	c, err := ds.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ds.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	got := make(chan *stmtcache.Conn, 1)
	go func() {
		c, err := ds.Acquire(context.Background())
		if err == nil {
			got <- c
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ds.Release(c))

	select {
	case c2 := <-got:
		assert.Same(t, c, c2)
		require.NoError(t, ds.Release(c2))
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire was not woken by Release")
	}
}

func TestBrokenConnectionIsDestroyedOnRelease(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectPrepare("SELECT 1").WillReturnCloseError(errBoom)
	ds := newDataSource(t, db, testConfig(2))
	ctx := context.Background()

	c, err := ds.Acquire(ctx)
	require.NoError(t, err)
	s, err := c.PrepareContext(ctx, "SELECT 1")
	require.NoError(t, err)

	// The statement reports its close failure to the data source.
	require.Error(t, s.Destroy())
	assert.Equal(t, int64(1), ds.Stats().Failures)

	require.NoError(t, ds.Release(c))
	assert.Equal(t, int64(1), ds.Stats().Discarded)
	assert.Equal(t, 0, ds.Stats().Pool.Size)

	_, err = c.PrepareContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, stmtcache.ErrConnDestroyed)

	c2, err := ds.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.Equal(t, int64(2), ds.Stats().Opened)
	require.NoError(t, ds.Release(c2))
}

func TestExpiredConnectionCountedOnRelease(t *testing.T) {
	db, _ := newMock(t)
	cfg := testConfig(2)
	cfg.LiveTime = 20 * time.Millisecond
	ds := newDataSource(t, db, cfg)
	ctx := context.Background()

	c, err := ds.Acquire(ctx)
	require.NoError(t, err)
	time.Sleep(2 * cfg.LiveTime)

	require.NoError(t, ds.Release(c))
	assert.Equal(t, int64(1), ds.Stats().Discarded)
	assert.Equal(t, 0, ds.Stats().Pool.Size)

	_, err = c.PrepareContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, stmtcache.ErrConnDestroyed)
}

func TestClosedPoolDoesNotCountDiscards(t *testing.T) {
	db, _ := newMock(t)
	ds := newDataSource(t, db, testConfig(2))

	c, err := ds.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, ds.Release(c))
	require.NoError(t, ds.Close())
	assert.Equal(t, int64(0), ds.Stats().Discarded)
}

func TestReportFailureForIdleConnection(t *testing.T) {
	db, _ := newMock(t)
	ds := newDataSource(t, db, testConfig(2))

	c, err := ds.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, ds.Release(c))

	ds.ReportFailure(c, errBoom)
	assert.Equal(t, int64(1), ds.Stats().Failures)
	assert.Equal(t, 1, ds.Stats().Pool.Idle, "only connections in use are condemned")
}

func TestReleaseUnknownConnection(t *testing.T) {
	db, _ := newMock(t)
	ds := newDataSource(t, db, testConfig(2))

	c, err := ds.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, ds.Release(c))
	assert.ErrorIs(t, ds.Release(c), ErrUnknownConn)
}

func TestPingOnAcquire(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db.SetMaxIdleConns(16)
	t.Cleanup(func() { _ = db.Close() })

	cfg := testConfig(2)
	cfg.PingOnAcquire = true
	ds := newDataSource(t, db, cfg)
	ctx := context.Background()

	c, err := ds.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, ds.Release(c))

	mock.ExpectPing().WillReturnError(errBoom)
	c2, err := ds.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, c2, "the connection that failed its ping was replaced")
	assert.Equal(t, int64(1), ds.Stats().Discarded)
	require.NoError(t, ds.Release(c2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose(t *testing.T) {
	db, _ := newMock(t)
	reg := shutdown.New(nil)
	ds := newDataSource(t, db, testConfig(4), WithShutdownRegistry(reg))
	ctx := context.Background()
	require.Equal(t, 1, reg.Len())

	inUse, err := ds.Acquire(ctx)
	require.NoError(t, err)
	idle, err := ds.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, ds.Release(idle))

	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())
	assert.Equal(t, 0, reg.Len())

	_, err = idle.PrepareContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, stmtcache.ErrConnDestroyed)

	_, err = ds.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, ds.Release(inUse))
	_, err = inUse.PrepareContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, stmtcache.ErrConnDestroyed)
}

func TestShutdownRegistryClosesDataSource(t *testing.T) {
	db, _ := newMock(t)
	reg := shutdown.New(nil)
	ds := newDataSource(t, db, testConfig(4), WithShutdownRegistry(reg))

	reg.Run()

	_, err := ds.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// Statement caches report close failures into the manager lock while other
// goroutines hold that lock around their own bookkeeping. The data source
// must keep working.
func TestConcurrentFailuresDoNotDeadlock(t *testing.T) {
	const (
		workers    = 4
		iterations = 10
	)
	db, mock := newMock(t)
	mock.MatchExpectationsInOrder(false)
	for w := 0; w < workers; w++ {
		for i := 0; i < iterations; i++ {
			mock.ExpectPrepare(fmt.Sprintf("SELECT %d", w*100+i)).WillReturnCloseError(errBoom)
		}
	}

	cfg := testConfig(2)
	cfg.Statements.Capacity = 1
	ds := newDataSource(t, db, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				ctx := context.Background()
				for i := 0; i < iterations; i++ {
					c, err := ds.Acquire(ctx)
					if err != nil {
						t.Errorf("acquire: %v", err)
						return
					}
					s, err := c.PrepareContext(ctx, fmt.Sprintf("SELECT %d", w*100+i))
					if err != nil {
						t.Errorf("prepare: %v", err)
					} else {
						_ = s.Close()
					}
					_ = ds.InUse()
					if err := ds.Release(c); err != nil {
						t.Errorf("release: %v", err)
					}
				}
			}(w)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("data source deadlocked")
	}
	assert.Equal(t, 0, ds.InUse())
	assert.Positive(t, ds.Stats().Failures)
}
