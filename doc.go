// Package tidepool provides generic, concurrent pools for expensive resources
// such as buffers, database connections and prepared statements.
//
// A pool tracks every resource it admitted, idle or checked out, up to a
// fixed capacity. Idle resources expire after their lifetime or idle limit and
// are swept by a process-wide scheduler. When a full pool admits a new
// resource it can evict idle ones ranked by an eviction policy instead of
// refusing. Every resource is destroyed exactly once, and never while a pool
// lock is held, so destroy callbacks may call back into pools or into their
// owners.
//
// # Packages
//
//   - pkg/pool: ObjectPool, KeyedObjectPool, eviction policies, Buffer
//   - pkg/scheduler: shared bounded scheduler for background sweeps
//   - pkg/shutdown: explicit registry of close hooks run on SIGINT/SIGTERM
//   - pkg/stmtcache: per-connection prepared statement cache
//   - pkg/datasource: pool of connections carrying statement caches
//   - pkg/config, pkg/logger, pkg/errors: configuration, zap logging, typed errors
//   - pkg/metrics, pkg/observability: Prometheus export and OpenTelemetry tracing
//
// # Quick Start
//
//	p, err := pool.NewObjectPool[*pool.Buffer](pool.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	b, ok := p.Get()
//	if !ok {
//	    b = pool.NewBuffer(4096)
//	}
//	b.WriteString("hello")
//	if err := p.TryPut(b, 0, time.Minute); err != nil {
//	    b.Destroy()
//	}
//
// The tidepool command drives the same pools from the shell:
//
//	tidepool bench --workers 16 --duration 30s --metrics-addr :9090
//	tidepool stmt --driver pgx --dsn postgres://localhost/app --query 'SELECT 1'
package tidepool
