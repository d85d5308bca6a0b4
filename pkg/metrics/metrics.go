// Package metrics exports pool statistics to Prometheus and provides small
// helpers for measuring workloads that drive pools.
//
// # Overview
//
// The package provides:
//   - PoolCollector, a prometheus.Collector reading Stats snapshots from any
//     number of pools at scrape time
//   - Pre-defined metrics for acquire latency and workload throughput
//   - Throughput and latency tracking utilities
//
// # Basic Usage
//
//	collector := metrics.NewPoolCollector("tidepool")
//	collector.Add(bufferPool)
//	prometheus.MustRegister(collector)
//
//	timer := metrics.NewTimer("acquire")
//	buf, err := bufferPool.Take(ctx)
//	metrics.AcquireLatency.WithLabelValues(bufferPool.Name()).Observe(timer.Stop().Seconds())
//
// # Performance Considerations
//
// Pool counters are atomics, so a scrape never takes a pool lock.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/tidepool/pkg/pool"
)

// StatsProvider is implemented by ObjectPool and KeyedObjectPool.
type StatsProvider interface {
	Name() string
	Stats() pool.Stats
}

// PoolCollector exposes the statistics of registered pools. Pools are read at
// scrape time; closed pools are dropped automatically.
type PoolCollector struct {
	mu    sync.RWMutex
	pools map[string]StatsProvider

	size      *prometheus.Desc
	idle      *prometheus.Desc
	active    *prometheus.Desc
	capacity  *prometheus.Desc
	memory    *prometheus.Desc
	puts      *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
}

// NewPoolCollector creates a collector whose metric names start with
// namespace.
func NewPoolCollector(namespace string) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", name),
			help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		pools:     make(map[string]StatsProvider),
		size:      desc("size", "Resources tracked by the pool, idle and checked out."),
		idle:      desc("idle", "Idle resources."),
		active:    desc("active", "Checked-out resources."),
		capacity:  desc("capacity", "Configured capacity, 0 when unbounded."),
		memory:    desc("memory_bytes", "Measured size of all resources."),
		puts:      desc("puts_total", "Successful admissions and check-ins."),
		hits:      desc("hits_total", "Gets that returned a resource."),
		misses:    desc("misses_total", "Gets that found nothing."),
		evictions: desc("evictions_total", "Resources destroyed by expiry or balancing."),
	}
}

// Add registers p under its name, replacing any pool with the same name.
func (c *PoolCollector) Add(p StatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[p.Name()] = p
}

// Remove unregisters the pool with the given name.
func (c *PoolCollector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pools, name)
}

// Names returns the registered pool names in order.
func (c *PoolCollector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.size, c.idle, c.active, c.capacity, c.memory,
		c.puts, c.hits, c.misses, c.evictions,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	providers := make([]StatsProvider, 0, len(c.pools))
	for _, p := range c.pools {
		providers = append(providers, p)
	}
	c.mu.RUnlock()

	for _, p := range providers {
		s := p.Stats()
		if s.Closed {
			c.Remove(s.Name)
			continue
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, s.Name)
		}
		counter := func(d *prometheus.Desc, v int64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), s.Name)
		}
		gauge(c.size, float64(s.Size))
		gauge(c.idle, float64(s.Idle))
		gauge(c.active, float64(s.Active))
		gauge(c.capacity, float64(s.Capacity))
		gauge(c.memory, float64(s.MemorySize))
		counter(c.puts, s.PutCount)
		counter(c.hits, s.HitCount)
		counter(c.misses, s.MissCount)
		counter(c.evictions, s.EvictionCount)
	}
}

var (
	// AcquireLatency tracks how long callers wait for a resource, in seconds.
	// Labels: pool
	//
	// Example:
	//	start := time.Now()
	//	conn, err := ds.Acquire(ctx)
	//	metrics.AcquireLatency.WithLabelValues("datasource").Observe(time.Since(start).Seconds())
	AcquireLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tidepool_acquire_latency_seconds",
			Help: "Time spent waiting for a pooled resource",
			Buckets: []float64{
				1e-6, // 1μs - idle hit
				1e-5, // 10μs - contended hit
				1e-4, // 100μs - new resource
				1e-3, // 1ms
				1e-2, // 10ms - waiting for capacity
				1e-1, // 100ms
				1,    // 1s
			},
		},
		[]string{"pool"},
	)

	// Throughput tracks operations per second of a workload.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidepool_throughput_ops_per_second",
			Help: "Current throughput in operations per second",
		},
		[]string{"workload"},
	)
)

// Timer measures the duration of one operation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the name the timer was created with.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It may be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks operations per second over time windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	workload  string
}

// NewThroughputTracker creates a tracker reporting under the workload label.
func NewThroughputTracker(workload string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		workload:  workload,
	}
}

// Increment adds n to the operation count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the throughput since the last reset, publishes it to
// the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.workload).Set(throughput)
	return throughput
}

// LatencyTracker keeps the most recent latencies for percentile queries.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	next    int
	maxSize int
}

// NewLatencyTracker creates a tracker remembering up to maxSize values.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a latency, overwriting the oldest once full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxSize <= 0 {
		return
	}
	if len(l.values) < l.maxSize {
		l.values = append(l.values, d)
		return
	}
	l.values[l.next] = d
	l.next = (l.next + 1) % l.maxSize
}

// Percentile returns the p-th percentile (0-100) of the recorded values.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := append([]time.Duration(nil), l.values...)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
