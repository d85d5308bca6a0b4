// Package pool implements bounded, concurrent pools of expensive resources
// such as database connections, prepared statements and large buffers.
//
// # Architecture
//
// Both pool shapes share one generic core that owns capacity accounting,
// blocking admission, counters, the background eviction sweep and shutdown:
//
//   - ObjectPool[V]: interchangeable resources; Get returns the most recently
//     returned idle one so warm resources are reused first.
//   - KeyedObjectPool[K, V]: resources grouped by key, used as a cache (for
//     example prepared statements keyed by their SQL).
//
// A resource is any comparable value with a Destroy method. It may also
// implement Activator and Passivator to be notified on check-out and
// check-in.
//
// # Lifecycle
//
// Put admits a resource, or checks it back in if it was obtained from the
// same pool. Get checks out an idle resource; it stays accounted against the
// capacity until it is Put back or Detached. Remove takes an idle resource
// out of the pool without destroying it, handing ownership to the caller.
//
//	p, err := pool.NewObjectPool[*pool.Buffer](pool.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//
//	buf, ok := p.Get()
//	if !ok {
//		buf = pool.NewBuffer(4096)
//	}
//	// use buf...
//	if err := p.TryPut(buf, 0, time.Minute); err != nil {
//		_ = buf.Destroy()
//	}
//
// A failed Put never takes ownership: the caller still holds the resource and
// decides whether to destroy it.
//
// # Expiry and eviction
//
// Every entry carries a live time (measured from admission) and a max idle
// time (measured from its last check-out). A zero duration disables the
// limit. Expired idle entries are destroyed by a sweep that runs on the
// shared scheduler every Config.EvictionDelay, and lazily by Get. When
// Config.AutoBalance is set, an admission that finds the pool full evicts
// the least valuable idle entries, as ranked by Config.Policy, instead of
// waiting.
//
// # Locking
//
// Each pool has a single mutex. Resources chosen for destruction are
// unlinked while it is held and destroyed after it is released, and no hook
// or Destroy call ever runs under it. This keeps pools safe to use from code
// that holds its own locks, such as a connection manager that destroys
// statements while a statement cache reports failures back to it.
package pool
