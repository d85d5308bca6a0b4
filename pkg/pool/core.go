package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/shutdown"
)

var (
	// ErrClosed is returned by every admission or wait on a closed pool.
	ErrClosed = errors.New(errors.ErrorTypeClosed, "pool is closed")
	// ErrPoolFull is returned by a non-blocking admission when the pool has
	// no room for the resource.
	ErrPoolFull = errors.New(errors.ErrorTypeCapacity, "pool is full")
	// ErrAlreadyIdle is returned when a resource that is already idle in the
	// pool is put again.
	ErrAlreadyIdle = errors.New(errors.ErrorTypeInternal, "resource is already idle in the pool")
)

var poolSeq atomic.Uint64

// core is the substrate shared by ObjectPool and KeyedObjectPool. All entry
// bookkeeping happens under mu; counters are atomics so observers never
// need the lock.
type core[K comparable, V Resource] struct {
	name    string
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	measure func(V) int64
	onDrop  func(V, string)

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	idle     map[K][]*Entry[K, V] // most recently used last
	entries  map[V]*Entry[K, V]   // idle and checked out
	seq      uint64
	memory   int64

	closed        atomic.Bool
	size          atomic.Int64
	idleCount     atomic.Int64
	memorySize    atomic.Int64
	putCount      atomic.Int64
	hitCount      atomic.Int64
	missCount     atomic.Int64
	evictionCount atomic.Int64

	cancelSweep func()
	unregister  func()
}

func newCore[K comparable, V Resource](cfg Config, opts []Option) (*core[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	c := &core[K, V]{
		name:    o.name,
		cfg:     cfg,
		logger:  o.logger,
		now:     o.clock,
		idle:    make(map[K][]*Entry[K, V]),
		entries: make(map[V]*Entry[K, V]),
	}
	if c.name == "" {
		c.name = fmt.Sprintf("pool-%d", poolSeq.Add(1))
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = logger.Named("pool")
	}
	c.logger = c.logger.With(zap.String("pool", c.name))

	if o.measure != nil {
		m, ok := o.measure.(func(V) int64)
		if !ok {
			var zero V
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"memory measure %T does not accept %T", o.measure, zero)
		}
		c.measure = m
	}
	if o.onDestroy != nil {
		h, ok := o.onDestroy.(func(V, string))
		if !ok {
			var zero V
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"destroy hook %T does not accept %T", o.onDestroy, zero)
		}
		c.onDrop = h
	}
	if cfg.MaxMemorySize > 0 && c.measure == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "max memory size requires a memory measure")
	}

	c.notFull = sync.NewCond(&c.mu)
	c.notEmpty = sync.NewCond(&c.mu)

	if cfg.EvictionDelay > 0 {
		s := o.scheduler
		if s == nil {
			s = scheduler.Default()
		}
		c.cancelSweep = s.Schedule(c.name+"/sweep", cfg.EvictionDelay, c.sweep)
	}
	if !o.noHook {
		r := o.shutdown
		if r == nil {
			r = shutdown.Default()
		}
		c.unregister = r.Register(c.name, func() { _ = c.close() })
	}

	c.logger.Debug("pool created",
		zap.Int("capacity", cfg.Capacity),
		zap.Duration("eviction_delay", cfg.EvictionDelay),
		zap.Stringer("policy", cfg.Policy),
		zap.Bool("auto_balance", cfg.AutoBalance))
	return c, nil
}

// put admits v under key, or checks it back in if it is checked out.
func (c *core[K, V]) put(ctx context.Context, key K, v V, liveTime, maxIdleTime time.Duration, block bool) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if p, ok := any(v).(Passivator); ok {
		if err := p.Passivate(); err != nil {
			c.detach(v)
			return errors.Wrap(err, errors.ErrorTypeInternal, "passivate failed")
		}
	}

	var victims []*Entry[K, V]
	c.mu.Lock()
	err := c.putLocked(ctx, key, v, liveTime, maxIdleTime, block, &victims)
	c.mu.Unlock()

	if len(victims) > 0 {
		c.logger.Debug("admission evicted resources",
			zap.Int("count", len(victims)),
			zap.Stringer("policy", c.cfg.Policy))
	}
	c.destroy(victims, ReasonEvicted)
	return err
}

func (c *core[K, V]) putLocked(ctx context.Context, key K, v V, liveTime, maxIdleTime time.Duration, block bool, victims *[]*Entry[K, V]) error {
	if c.closed.Load() {
		return ErrClosed
	}

	now := c.now()
	if e, ok := c.entries[v]; ok {
		if !e.active {
			return ErrAlreadyIdle
		}
		if e.IsExpired(now) {
			c.unlinkLocked(e)
			*victims = append(*victims, e)
			c.evictionCount.Add(1)
			c.notFull.Broadcast()
		} else {
			if err := c.remeasureLocked(e, victims); err != nil {
				return err
			}
			e.active = false
			c.pushIdleLocked(e)
			c.notEmpty.Broadcast()
		}
		c.putCount.Add(1)
		return nil
	}

	var size int64
	if c.measure != nil {
		size = c.measure(v)
		if c.cfg.MaxMemorySize > 0 && size > c.cfg.MaxMemorySize {
			return ErrPoolFull
		}
	}

	for !c.hasRoomLocked(size) {
		if c.cfg.AutoBalance && c.balanceLocked(func() bool { return c.hasRoomLocked(size) }, victims) > 0 {
			continue
		}
		if !block {
			return ErrPoolFull
		}
		if len(*victims) > 0 {
			c.flushLocked(victims)
			continue
		}
		if err := c.waitLocked(ctx, c.notFull, "waiting for free capacity"); err != nil {
			return err
		}
		if c.closed.Load() {
			return ErrClosed
		}
	}

	c.seq++
	e := &Entry[K, V]{
		Activity: NewActivity(now, liveTime, maxIdleTime),
		Key:      key,
		Value:    v,
		size:     size,
	}
	e.seq = c.seq
	c.entries[v] = e
	c.size.Add(1)
	c.memory += size
	c.memorySize.Store(c.memory)
	c.pushIdleLocked(e)
	c.putCount.Add(1)
	c.notEmpty.Broadcast()
	return nil
}

// remeasureLocked updates the measured size of a checked-out entry that is
// coming back. If the grown resource no longer fits under MaxMemorySize and
// balancing cannot free enough, the entry is forgotten and ErrPoolFull
// returned; the caller keeps the resource.
func (c *core[K, V]) remeasureLocked(e *Entry[K, V], victims *[]*Entry[K, V]) error {
	if c.measure == nil {
		return nil
	}
	size := c.measure(e.Value)
	c.memory += size - e.size
	e.size = size
	c.memorySize.Store(c.memory)

	if c.cfg.MaxMemorySize <= 0 {
		return nil
	}
	fits := func() bool { return c.memory <= c.cfg.MaxMemorySize }
	for !fits() {
		if !c.cfg.AutoBalance || c.balanceLocked(fits, victims) == 0 {
			break
		}
	}
	if fits() {
		return nil
	}
	c.forgetLocked(e)
	c.notFull.Broadcast()
	return ErrPoolFull
}

// get checks out the most recently used idle resource under key.
func (c *core[K, V]) get(ctx context.Context, key K, block bool) (V, error) {
	var zero V
	for {
		e, err := c.checkout(ctx, key, block)
		if err != nil {
			c.missCount.Add(1)
			return zero, err
		}

		if a, ok := any(e.Value).(Activator); ok {
			if err := a.Activate(); err != nil {
				c.logger.Warn("activate failed, destroying resource", zap.Error(err))
				c.detach(e.Value)
				c.destroy([]*Entry[K, V]{e}, ReasonActivateFailed)
				continue
			}
		}

		c.hitCount.Add(1)
		return e.Value, nil
	}
}

// errMiss marks a non-blocking lookup that found nothing.
var errMiss = errors.New(errors.ErrorTypeCapacity, "no idle resource")

func (c *core[K, V]) checkout(ctx context.Context, key K, block bool) (*Entry[K, V], error) {
	var victims []*Entry[K, V]
	defer func() { c.destroy(victims, ReasonExpired) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		if e := c.takeIdleLocked(key, &victims); e != nil {
			e.active = true
			e.Touch(c.now())
			return e, nil
		}
		if !block {
			return nil, errMiss
		}
		if len(victims) > 0 {
			c.flushLocked(&victims)
			continue
		}
		if err := c.waitLocked(ctx, c.notEmpty, "waiting for an idle resource"); err != nil {
			return nil, err
		}
	}
}

// takeIdleLocked pops the most recently used unexpired idle entry for key,
// unlinking expired ones it meets into victims.
func (c *core[K, V]) takeIdleLocked(key K, victims *[]*Entry[K, V]) *Entry[K, V] {
	now := c.now()
	for {
		e := c.popIdleLocked(key)
		if e == nil {
			return nil
		}
		if !e.IsExpired(now) {
			return e
		}
		c.forgetLocked(e)
		*victims = append(*victims, e)
		c.evictionCount.Add(1)
		c.notFull.Broadcast()
	}
}

// remove takes the most recently used idle resource under key out of the
// pool without destroying it.
func (c *core[K, V]) remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e := c.popIdleLocked(key)
	if e == nil {
		return zero, false
	}
	c.forgetLocked(e)
	c.notFull.Broadcast()
	return e.Value, true
}

// detach forgets a checked-out resource without destroying it.
func (c *core[K, V]) detach(v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[v]
	if !ok || !e.active {
		return false
	}
	c.unlinkLocked(e)
	c.notFull.Broadcast()
	return true
}

// sweep destroys every expired idle entry. It runs on the shared scheduler.
func (c *core[K, V]) sweep() {
	if c.closed.Load() {
		return
	}

	var victims []*Entry[K, V]
	c.mu.Lock()
	now := c.now()
	for key, stack := range c.idle {
		kept := stack[:0]
		for _, e := range stack {
			if e.IsExpired(now) {
				victims = append(victims, e)
				continue
			}
			kept = append(kept, e)
		}
		clear(stack[len(kept):])
		if len(kept) == 0 {
			delete(c.idle, key)
		} else {
			c.idle[key] = kept
		}
	}
	for _, e := range victims {
		c.forgetLocked(e)
	}
	if len(victims) > 0 {
		c.idleCount.Add(-int64(len(victims)))
		c.evictionCount.Add(int64(len(victims)))
		c.notFull.Broadcast()
	}
	c.mu.Unlock()

	if len(victims) > 0 {
		c.logger.Debug("sweep evicted expired resources", zap.Int("count", len(victims)))
	}
	c.destroy(victims, ReasonExpired)
}

// balanceLocked evicts the least valuable idle entries until at least the
// balance count is gone and fits reports true. It returns the number evicted.
func (c *core[K, V]) balanceLocked(fits func() bool, victims *[]*Entry[K, V]) int {
	candidates := make([]*Entry[K, V], 0, c.idleCount.Load())
	for _, stack := range c.idle {
		candidates = append(candidates, stack...)
	}
	if len(candidates) == 0 {
		return 0
	}
	policy := c.cfg.Policy
	sort.Slice(candidates, func(i, j int) bool {
		return policy.Less(&candidates[i].Activity, &candidates[j].Activity)
	})

	n := c.cfg.balanceCount()
	evicted := 0
	for _, e := range candidates {
		if evicted >= n && fits() {
			break
		}
		c.unlinkLocked(e)
		*victims = append(*victims, e)
		evicted++
	}
	c.evictionCount.Add(int64(evicted))
	c.notFull.Broadcast()
	return evicted
}

// close marks the pool closed, destroys idle resources, forgets checked-out
// ones and wakes every waiter. It is idempotent.
func (c *core[K, V]) close() error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(true)

	victims := make([]*Entry[K, V], 0, c.idleCount.Load())
	for _, stack := range c.idle {
		victims = append(victims, stack...)
	}
	forgotten := len(c.entries) - len(victims)
	c.idle = make(map[K][]*Entry[K, V])
	c.entries = make(map[V]*Entry[K, V])
	c.memory = 0
	c.size.Store(0)
	c.idleCount.Store(0)
	c.memorySize.Store(0)
	c.notFull.Broadcast()
	c.notEmpty.Broadcast()
	c.mu.Unlock()

	if c.cancelSweep != nil {
		c.cancelSweep()
	}
	if c.unregister != nil {
		c.unregister()
	}
	c.destroy(victims, ReasonClosed)

	c.logger.Info("pool closed",
		zap.Int("destroyed", len(victims)),
		zap.Int("checked_out", forgotten),
		zap.Int64("puts", c.putCount.Load()),
		zap.Int64("hits", c.hitCount.Load()),
		zap.Int64("misses", c.missCount.Load()),
		zap.Int64("evictions", c.evictionCount.Load()))
	return nil
}

// Reasons passed to a destroy hook.
const (
	ReasonEvicted        = "evicted"
	ReasonExpired        = "expired"
	ReasonActivateFailed = "activate failed"
	ReasonClosed         = "closed"
)

// destroy releases resources that have already been unlinked. It must be
// called without holding mu. Failures are logged and swallowed.
func (c *core[K, V]) destroy(victims []*Entry[K, V], reason string) {
	for _, e := range victims {
		c.destroyOne(e, reason)
	}
}

func (c *core[K, V]) destroyOne(e *Entry[K, V], reason string) {
	if c.onDrop != nil {
		defer c.onDrop(e.Value, reason)
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("destroy panicked",
				zap.String("reason", reason),
				zap.Any("panic", rec))
		}
	}()
	if err := e.Value.Destroy(); err != nil {
		c.logger.Warn("destroy failed",
			zap.String("reason", reason),
			zap.Int64("access_count", e.AccessCount),
			zap.Error(errors.Wrap(err, errors.ErrorTypeDestroy, "destroy resource")))
	}
}

// flushLocked destroys victims collected so far, temporarily releasing mu.
func (c *core[K, V]) flushLocked(victims *[]*Entry[K, V]) {
	pending := *victims
	*victims = nil
	c.mu.Unlock()
	c.destroy(pending, ReasonEvicted)
	c.mu.Lock()
}

// waitLocked blocks on cond until it is signalled or ctx is done. The
// cancellation of ctx is turned into a broadcast so the waiter re-checks.
func (c *core[K, V]) waitLocked(ctx context.Context, cond *sync.Cond, what string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, what)
	}
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cond.Broadcast()
	})
	cond.Wait()
	stop()
	return nil
}

func (c *core[K, V]) hasRoomLocked(size int64) bool {
	if c.cfg.Capacity > 0 && len(c.entries) >= c.cfg.Capacity {
		return false
	}
	if c.cfg.MaxMemorySize > 0 && c.memory+size > c.cfg.MaxMemorySize {
		return false
	}
	return true
}

func (c *core[K, V]) pushIdleLocked(e *Entry[K, V]) {
	c.idle[e.Key] = append(c.idle[e.Key], e)
	c.idleCount.Add(1)
}

func (c *core[K, V]) popIdleLocked(key K) *Entry[K, V] {
	stack := c.idle[key]
	if len(stack) == 0 {
		return nil
	}
	e := stack[len(stack)-1]
	stack[len(stack)-1] = nil
	if len(stack) == 1 {
		delete(c.idle, key)
	} else {
		c.idle[key] = stack[:len(stack)-1]
	}
	c.idleCount.Add(-1)
	return e
}

// unlinkLocked removes e from every index. Idle entries are also removed
// from their key's stack.
func (c *core[K, V]) unlinkLocked(e *Entry[K, V]) {
	if !e.active {
		stack := c.idle[e.Key]
		for i, x := range stack {
			if x == e {
				copy(stack[i:], stack[i+1:])
				stack[len(stack)-1] = nil
				stack = stack[:len(stack)-1]
				c.idleCount.Add(-1)
				break
			}
		}
		if len(stack) == 0 {
			delete(c.idle, e.Key)
		} else {
			c.idle[e.Key] = stack
		}
	}
	c.forgetLocked(e)
}

// forgetLocked drops e from the entry index and the size accounting.
func (c *core[K, V]) forgetLocked(e *Entry[K, V]) {
	if _, ok := c.entries[e.Value]; !ok {
		return
	}
	delete(c.entries, e.Value)
	c.size.Add(-1)
	c.memory -= e.size
	c.memorySize.Store(c.memory)
}

func (c *core[K, V]) stats() Stats {
	size := c.size.Load()
	idle := c.idleCount.Load()
	return Stats{
		Name:          c.name,
		Capacity:      c.cfg.Capacity,
		Size:          int(size),
		Idle:          int(idle),
		Active:        int(size - idle),
		MemorySize:    c.memorySize.Load(),
		MaxMemorySize: c.cfg.MaxMemorySize,
		PutCount:      c.putCount.Load(),
		HitCount:      c.hitCount.Load(),
		MissCount:     c.missCount.Load(),
		EvictionCount: c.evictionCount.Load(),
		Policy:        c.cfg.Policy.String(),
		Closed:        c.closed.Load(),
	}
}
