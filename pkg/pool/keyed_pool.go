package pool

import (
	"context"
	"time"
)

// KeyedObjectPool is a bounded pool whose resources are grouped by key. Any
// number of resources may share a key; the capacity bounds the total.
type KeyedObjectPool[K comparable, V Resource] struct {
	c *core[K, V]
}

// NewKeyedObjectPool creates a KeyedObjectPool. It fails only when cfg is
// invalid.
func NewKeyedObjectPool[K comparable, V Resource](cfg Config, opts ...Option) (*KeyedObjectPool[K, V], error) {
	c, err := newCore[K, V](cfg, opts)
	if err != nil {
		return nil, err
	}
	return &KeyedObjectPool[K, V]{c: c}, nil
}

// Put admits v under key, waiting for room until ctx is done or the pool
// closes. If v is checked out from this pool it is checked back in under the
// key it was first admitted with. On error the caller keeps ownership of v.
func (p *KeyedObjectPool[K, V]) Put(ctx context.Context, key K, v V, liveTime, maxIdleTime time.Duration) error {
	return p.c.put(ctx, key, v, liveTime, maxIdleTime, true)
}

// TryPut is Put without waiting: it returns ErrPoolFull when there is no room.
func (p *KeyedObjectPool[K, V]) TryPut(key K, v V, liveTime, maxIdleTime time.Duration) error {
	return p.c.put(context.Background(), key, v, liveTime, maxIdleTime, false)
}

// Get checks out the most recently returned idle resource under key.
func (p *KeyedObjectPool[K, V]) Get(key K) (V, bool) {
	v, err := p.c.get(context.Background(), key, false)
	return v, err == nil
}

// Take is Get, waiting for an idle resource under key until ctx is done or
// the pool closes.
func (p *KeyedObjectPool[K, V]) Take(ctx context.Context, key K) (V, error) {
	return p.c.get(ctx, key, true)
}

// Remove takes an idle resource under key out of the pool without
// destroying it.
func (p *KeyedObjectPool[K, V]) Remove(key K) (V, bool) {
	return p.c.remove(key)
}

// Detach forgets a checked-out resource without destroying it, freeing its
// slot. It reports whether v was checked out from this pool.
func (p *KeyedObjectPool[K, V]) Detach(v V) bool {
	return p.c.detach(v)
}

// Atomically runs fn while holding the pool lock. Resources evicted by the
// transaction are destroyed after the lock is released. fn must not call
// methods on p itself.
func (p *KeyedObjectPool[K, V]) Atomically(fn func(tx *Tx[K, V])) {
	p.c.atomically(fn)
}

// KeySize returns the number of idle resources under key.
func (p *KeyedObjectPool[K, V]) KeySize(key K) int {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return len(p.c.idle[key])
}

// Keys returns the keys that currently have idle resources.
func (p *KeyedObjectPool[K, V]) Keys() []K {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	keys := make([]K, 0, len(p.c.idle))
	for k := range p.c.idle {
		keys = append(keys, k)
	}
	return keys
}

// Close destroys every idle resource and rejects further use. Resources
// checked out at that point are forgotten; putting them back returns
// ErrClosed. Close is idempotent.
func (p *KeyedObjectPool[K, V]) Close() error { return p.c.close() }

// Name returns the pool name.
func (p *KeyedObjectPool[K, V]) Name() string { return p.c.name }

// Size returns the number of tracked resources, idle and checked out.
func (p *KeyedObjectPool[K, V]) Size() int { return int(p.c.size.Load()) }

// Capacity returns the configured capacity; zero means unbounded.
func (p *KeyedObjectPool[K, V]) Capacity() int { return p.c.cfg.Capacity }

// IsEmpty reports whether no resource is tracked.
func (p *KeyedObjectPool[K, V]) IsEmpty() bool { return p.Size() == 0 }

// IsClosed reports whether Close has been called.
func (p *KeyedObjectPool[K, V]) IsClosed() bool { return p.c.closed.Load() }

// PutCount returns the number of successful puts.
func (p *KeyedObjectPool[K, V]) PutCount() int64 { return p.c.putCount.Load() }

// HitCount returns the number of gets that returned a resource.
func (p *KeyedObjectPool[K, V]) HitCount() int64 { return p.c.hitCount.Load() }

// MissCount returns the number of gets that returned nothing.
func (p *KeyedObjectPool[K, V]) MissCount() int64 { return p.c.missCount.Load() }

// EvictionCount returns the number of resources destroyed by expiry or
// auto-balance.
func (p *KeyedObjectPool[K, V]) EvictionCount() int64 { return p.c.evictionCount.Load() }

// MemorySize returns the summed measured size of tracked resources.
func (p *KeyedObjectPool[K, V]) MemorySize() int64 { return p.c.memorySize.Load() }

// Stats returns a snapshot of the pool.
func (p *KeyedObjectPool[K, V]) Stats() Stats { return p.c.stats() }
