package pool

import (
	"context"
	"time"
)

type noKey struct{}

// ObjectPool is a bounded pool of interchangeable resources.
type ObjectPool[V Resource] struct {
	c *core[noKey, V]
}

// NewObjectPool creates an ObjectPool. It fails only when cfg is invalid.
func NewObjectPool[V Resource](cfg Config, opts ...Option) (*ObjectPool[V], error) {
	c, err := newCore[noKey, V](cfg, opts)
	if err != nil {
		return nil, err
	}
	return &ObjectPool[V]{c: c}, nil
}

// Put admits v, waiting for room until ctx is done or the pool closes. If v
// is checked out from this pool it is checked back in and keeps the limits
// it was first admitted with. On error the caller keeps ownership of v.
func (p *ObjectPool[V]) Put(ctx context.Context, v V, liveTime, maxIdleTime time.Duration) error {
	return p.c.put(ctx, noKey{}, v, liveTime, maxIdleTime, true)
}

// TryPut is Put without waiting: it returns ErrPoolFull when there is no room.
func (p *ObjectPool[V]) TryPut(v V, liveTime, maxIdleTime time.Duration) error {
	return p.c.put(context.Background(), noKey{}, v, liveTime, maxIdleTime, false)
}

// Get checks out the most recently returned idle resource.
func (p *ObjectPool[V]) Get() (V, bool) {
	v, err := p.c.get(context.Background(), noKey{}, false)
	return v, err == nil
}

// Take is Get, waiting for an idle resource until ctx is done or the pool
// closes.
func (p *ObjectPool[V]) Take(ctx context.Context) (V, error) {
	return p.c.get(ctx, noKey{}, true)
}

// Remove takes an idle resource out of the pool without destroying it.
func (p *ObjectPool[V]) Remove() (V, bool) {
	return p.c.remove(noKey{})
}

// Detach forgets a checked-out resource without destroying it, freeing its
// slot. It reports whether v was checked out from this pool.
func (p *ObjectPool[V]) Detach(v V) bool {
	return p.c.detach(v)
}

// Atomically runs fn while holding the pool lock. Resources evicted by the
// transaction are destroyed after the lock is released. fn must not call
// methods on p itself.
func (p *ObjectPool[V]) Atomically(fn func(tx *ObjectTx[V])) {
	p.c.atomically(func(tx *Tx[noKey, V]) {
		fn(&ObjectTx[V]{tx: tx})
	})
}

// Close destroys every idle resource and rejects further use. Resources
// checked out at that point are forgotten; putting them back returns
// ErrClosed. Close is idempotent.
func (p *ObjectPool[V]) Close() error { return p.c.close() }

// Name returns the pool name.
func (p *ObjectPool[V]) Name() string { return p.c.name }

// Size returns the number of tracked resources, idle and checked out.
func (p *ObjectPool[V]) Size() int { return int(p.c.size.Load()) }

// Capacity returns the configured capacity; zero means unbounded.
func (p *ObjectPool[V]) Capacity() int { return p.c.cfg.Capacity }

// IsEmpty reports whether no resource is tracked.
func (p *ObjectPool[V]) IsEmpty() bool { return p.Size() == 0 }

// IsClosed reports whether Close has been called.
func (p *ObjectPool[V]) IsClosed() bool { return p.c.closed.Load() }

// PutCount returns the number of successful puts.
func (p *ObjectPool[V]) PutCount() int64 { return p.c.putCount.Load() }

// HitCount returns the number of gets that returned a resource.
func (p *ObjectPool[V]) HitCount() int64 { return p.c.hitCount.Load() }

// MissCount returns the number of gets that returned nothing.
func (p *ObjectPool[V]) MissCount() int64 { return p.c.missCount.Load() }

// EvictionCount returns the number of resources destroyed by expiry or
// auto-balance.
func (p *ObjectPool[V]) EvictionCount() int64 { return p.c.evictionCount.Load() }

// MemorySize returns the summed measured size of tracked resources.
func (p *ObjectPool[V]) MemorySize() int64 { return p.c.memorySize.Load() }

// Stats returns a snapshot of the pool.
func (p *ObjectPool[V]) Stats() Stats { return p.c.stats() }

// ObjectTx is the view of an ObjectPool inside Atomically.
type ObjectTx[V Resource] struct {
	tx *Tx[noKey, V]
}

// Get checks out an idle resource. Activation hooks are not invoked.
func (t *ObjectTx[V]) Get() (V, bool) { return t.tx.Get(noKey{}) }

// TryPut admits or checks in v without waiting. Passivation hooks are not
// invoked.
func (t *ObjectTx[V]) TryPut(v V, liveTime, maxIdleTime time.Duration) error {
	return t.tx.TryPut(noKey{}, v, liveTime, maxIdleTime)
}

// Remove takes an idle resource out without destroying it.
func (t *ObjectTx[V]) Remove() (V, bool) { return t.tx.Remove(noKey{}) }

// Size returns the number of tracked resources.
func (t *ObjectTx[V]) Size() int { return t.tx.Size() }
