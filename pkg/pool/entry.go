package pool

import (
	"time"
)

// Resource is the constraint satisfied by pooled values. Destroy releases the
// underlying resource; it must be idempotent, although a pool calls it at
// most once per admitted value.
type Resource interface {
	comparable
	Destroy() error
}

// Activator is implemented by resources that need preparing before they are
// handed out by Get.
type Activator interface {
	Activate() error
}

// Passivator is implemented by resources that need resetting before they
// become idle in the pool.
type Passivator interface {
	Passivate() error
}

// Activity is the bookkeeping a pool keeps for each resource.
type Activity struct {
	CreatedAt      time.Time
	LastAccessTime time.Time
	AccessCount    int64
	// LiveTime bounds the total lifetime from CreatedAt. Zero means unlimited.
	LiveTime time.Duration
	// MaxIdleTime bounds the time since LastAccessTime. Zero means unlimited.
	MaxIdleTime time.Duration

	seq uint64
}

// NewActivity returns the activity of a resource admitted at now.
func NewActivity(now time.Time, liveTime, maxIdleTime time.Duration) Activity {
	return Activity{
		CreatedAt:      now,
		LastAccessTime: now,
		LiveTime:       liveTime,
		MaxIdleTime:    maxIdleTime,
	}
}

// IsExpired reports whether the resource has outlived its live time or has
// been idle longer than its max idle time.
func (a *Activity) IsExpired(now time.Time) bool {
	if a.LiveTime > 0 && now.Sub(a.CreatedAt) > a.LiveTime {
		return true
	}
	return a.MaxIdleTime > 0 && now.Sub(a.LastAccessTime) > a.MaxIdleTime
}

// ExpiresAt returns the earliest instant at which the resource expires, and
// false if it never does.
func (a *Activity) ExpiresAt() (time.Time, bool) {
	var at time.Time
	limited := false
	if a.LiveTime > 0 {
		at = a.CreatedAt.Add(a.LiveTime)
		limited = true
	}
	if a.MaxIdleTime > 0 {
		idle := a.LastAccessTime.Add(a.MaxIdleTime)
		if !limited || idle.Before(at) {
			at = idle
		}
		limited = true
	}
	return at, limited
}

// Touch records one access.
func (a *Activity) Touch(now time.Time) {
	a.LastAccessTime = now
	a.AccessCount++
}

// Entry is a pooled resource together with its activity. Entries are owned
// and mutated by their pool under its lock.
type Entry[K comparable, V any] struct {
	Activity
	Key   K
	Value V

	active bool
	size   int64
}
