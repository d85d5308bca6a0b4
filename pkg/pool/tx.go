package pool

import (
	"context"
	"time"
)

// Tx is the view of a pool inside Atomically. Its methods run under the pool
// lock, so they never wait and never call resource hooks. A Tx must not be
// retained after the callback returns.
type Tx[K comparable, V Resource] struct {
	c       *core[K, V]
	victims []*Entry[K, V]
}

// atomically runs fn under the pool lock and destroys whatever the
// transaction evicted once the lock is released.
func (c *core[K, V]) atomically(fn func(tx *Tx[K, V])) {
	tx := &Tx[K, V]{c: c}
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		fn(tx)
	}()
	c.destroy(tx.victims, ReasonEvicted)
}

// Get checks out the most recently used idle resource under key.
func (t *Tx[K, V]) Get(key K) (V, bool) {
	var zero V
	if t.c.closed.Load() {
		t.c.missCount.Add(1)
		return zero, false
	}
	e := t.c.takeIdleLocked(key, &t.victims)
	if e == nil {
		t.c.missCount.Add(1)
		return zero, false
	}
	e.active = true
	e.Touch(t.c.now())
	t.c.hitCount.Add(1)
	return e.Value, true
}

// TryPut admits or checks in v without waiting.
func (t *Tx[K, V]) TryPut(key K, v V, liveTime, maxIdleTime time.Duration) error {
	return t.c.putLocked(context.Background(), key, v, liveTime, maxIdleTime, false, &t.victims)
}

// Remove takes an idle resource under key out without destroying it.
func (t *Tx[K, V]) Remove(key K) (V, bool) {
	var zero V
	e := t.c.popIdleLocked(key)
	if e == nil {
		return zero, false
	}
	t.c.forgetLocked(e)
	t.c.notFull.Broadcast()
	return e.Value, true
}

// Size returns the number of tracked resources.
func (t *Tx[K, V]) Size() int {
	return len(t.c.entries)
}
