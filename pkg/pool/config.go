package pool

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/shutdown"
)

const (
	// DefaultCapacity is the capacity used by DefaultConfig.
	DefaultCapacity = 1000
	// DefaultEvictionDelay is the sweep interval used by DefaultConfig.
	DefaultEvictionDelay = 3000 * time.Millisecond
	// DefaultBalanceFactor is the share of capacity freed by one auto-balance.
	DefaultBalanceFactor = 0.2
)

// Config holds the construction parameters shared by every pool shape.
type Config struct {
	// Capacity bounds the number of resources tracked by the pool, idle and
	// checked out. Zero disables the bound.
	Capacity int
	// EvictionDelay is the interval between background sweeps. Zero
	// disables the sweep; expired entries are then only dropped by Get.
	EvictionDelay time.Duration
	// Policy ranks entries for auto-balance eviction.
	Policy EvictionPolicy
	// AutoBalance evicts idle entries instead of waiting when an admission
	// finds the pool full.
	AutoBalance bool
	// BalanceFactor is the fraction of Capacity evicted by one auto-balance.
	// At least one entry is evicted.
	BalanceFactor float64
	// MaxMemorySize bounds the summed measured size of all resources. Zero
	// disables the bound. Requires WithMemoryMeasure.
	MaxMemorySize int64
}

// DefaultConfig returns a bounded configuration with a 3s sweep.
func DefaultConfig() Config {
	return Config{
		Capacity:      DefaultCapacity,
		EvictionDelay: DefaultEvictionDelay,
		Policy:        LastAccessTime,
		BalanceFactor: DefaultBalanceFactor,
	}
}

// Validate checks the configuration. Every failure is an ErrorTypeConfig
// error.
func (c Config) Validate() error {
	if c.Capacity < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "capacity must not be negative, got %d", c.Capacity)
	}
	if c.EvictionDelay < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "eviction delay must not be negative, got %s", c.EvictionDelay)
	}
	if c.BalanceFactor < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "balance factor must not be negative, got %v", c.BalanceFactor)
	}
	if c.MaxMemorySize < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "max memory size must not be negative, got %d", c.MaxMemorySize)
	}
	if !c.Policy.Valid() {
		return errors.Newf(errors.ErrorTypeConfig, "unknown eviction policy %d", int(c.Policy))
	}
	return nil
}

// balanceCount is the number of entries one auto-balance evicts.
func (c Config) balanceCount() int {
	if c.Capacity <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(float64(c.Capacity)*c.BalanceFactor)))
}

// Option customises pool construction beyond Config.
type Option func(*options)

type options struct {
	name      string
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	shutdown  *shutdown.Registry
	noHook    bool
	measure   any
	onDestroy any
	clock     func() time.Time
}

// WithName names the pool in logs, metrics and statistics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger. The default is the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithScheduler runs the eviction sweep on s instead of scheduler.Default().
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithShutdownRegistry registers the pool's Close with r instead of
// shutdown.Default().
func WithShutdownRegistry(r *shutdown.Registry) Option {
	return func(o *options) { o.shutdown = r }
}

// WithoutShutdownHook skips shutdown registration; the owner must call
// Close.
func WithoutShutdownHook() Option {
	return func(o *options) { o.noHook = true }
}

// WithMemoryMeasure sets the function estimating the size in bytes of a
// resource, used with Config.MaxMemorySize. Its type parameter must match
// the pool's resource type.
func WithMemoryMeasure[V any](measure func(V) int64) Option {
	return func(o *options) { o.measure = measure }
}

// WithDestroyHook calls fn after the pool destroys a resource on its own,
// with one of the Reason constants. It runs without the pool lock held.
// Its type parameter must match the pool's resource type.
func WithDestroyHook[V any](fn func(v V, reason string)) Option {
	return func(o *options) { o.onDestroy = fn }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}
