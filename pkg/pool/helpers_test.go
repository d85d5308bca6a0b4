package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/shutdown"
)

// res is a test resource that counts how often it is destroyed.
type res struct {
	id          int
	size        int64
	destroyed   atomic.Int32
	destroyErr  error
	activateErr error
	passivates  atomic.Int32
	passErr     error
	onDestroy   func()
}

func newRes(id int) *res { return &res{id: id} }

func (r *res) Destroy() error {
	r.destroyed.Add(1)
	if r.onDestroy != nil {
		r.onDestroy()
	}
	return r.destroyErr
}

func (r *res) Activate() error { return r.activateErr }

func (r *res) Passivate() error {
	r.passivates.Add(1)
	return r.passErr
}

func (r *res) destroyCount() int32 { return r.destroyed.Load() }

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock safe for use from the sweep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testOptions isolates a pool from the process-wide scheduler and shutdown
// registry.
func testOptions(t *testing.T, extra ...Option) []Option {
	t.Helper()
	s := scheduler.New(scheduler.Config{MaxWorkers: 2}, nil)
	t.Cleanup(s.Close)
	opts := []Option{
		WithName(t.Name()),
		WithLogger(zaptest.NewLogger(t)),
		WithScheduler(s),
		WithShutdownRegistry(shutdown.New(nil)),
	}
	return append(opts, extra...)
}

func newObjectPool(t *testing.T, cfg Config, extra ...Option) *ObjectPool[*res] {
	t.Helper()
	p, err := NewObjectPool[*res](cfg, testOptions(t, extra...)...)
	if err != nil {
		t.Fatalf("NewObjectPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newKeyedPool(t *testing.T, cfg Config, extra ...Option) *KeyedObjectPool[string, *res] {
	t.Helper()
	p, err := NewKeyedObjectPool[string, *res](cfg, testOptions(t, extra...)...)
	if err != nil {
		t.Fatalf("NewKeyedObjectPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func noSweep(capacity int) Config {
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	cfg.EvictionDelay = 0
	return cfg
}
