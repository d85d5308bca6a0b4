// Package bench drives synthetic workloads through Tidepool pools and reports
// throughput, latency and process resource usage.
package bench

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/metrics"
)

// Op performs one operation of a workload.
type Op func(ctx context.Context, worker, i int) error

// Options controls a run. A run stops after Iterations operations per worker
// or, when Iterations is zero, after Duration.
type Options struct {
	Workers    int
	Iterations int
	Duration   time.Duration
	// MaxErrors aborts the run once exceeded. Zero aborts on the first error.
	MaxErrors int64
}

// Result summarises a run.
type Result struct {
	Workload   string  `json:"workload"`
	Workers    int     `json:"workers"`
	Operations int64   `json:"operations"`
	Errors     int64   `json:"errors"`
	Elapsed    string  `json:"elapsed"`
	Throughput float64 `json:"ops_per_second"`
	P50        string  `json:"p50"`
	P95        string  `json:"p95"`
	P99        string  `json:"p99"`
	Process    Process `json:"process"`
}

// Process holds resource usage of the current process.
type Process struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int     `json:"goroutines"`
}

// Run executes op on opts.Workers goroutines.
func Run(ctx context.Context, workload string, opts Options, op Op, l *zap.Logger) (Result, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Iterations <= 0 && opts.Duration <= 0 {
		return Result{}, errors.New(errors.ErrorTypeConfig, "either iterations or duration is required")
	}

	runCtx := ctx
	if opts.Iterations <= 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	latency := metrics.NewLatencyTracker(10000)
	throughput := metrics.NewThroughputTracker(workload)
	var ops, failures atomic.Int64

	l.Info("starting workload",
		zap.String("workload", workload),
		zap.Int("workers", opts.Workers),
		zap.Int("iterations", opts.Iterations),
		zap.Duration("duration", opts.Duration))

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < opts.Workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; opts.Iterations <= 0 || i < opts.Iterations; i++ {
				if gctx.Err() != nil {
					return nil
				}
				timer := metrics.NewTimer(workload)
				err := op(gctx, w, i)
				latency.Record(timer.Stop())
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					if failures.Add(1) > opts.MaxErrors {
						return errors.Wrap(err, errors.ErrorTypeInternal, "workload failed").
							WithDetail("worker", w)
					}
					continue
				}
				ops.Add(1)
				throughput.Increment(1)
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	throughput.GetAndReset()

	res := Result{
		Workload:   workload,
		Workers:    opts.Workers,
		Operations: ops.Load(),
		Errors:     failures.Load(),
		Elapsed:    elapsed.String(),
		P50:        latency.Percentile(50).String(),
		P95:        latency.Percentile(95).String(),
		P99:        latency.Percentile(99).String(),
		Process:    SampleProcess(),
	}
	if elapsed > 0 {
		res.Throughput = float64(res.Operations) / elapsed.Seconds()
	}

	l.Info("workload finished",
		zap.String("workload", workload),
		zap.Int64("operations", res.Operations),
		zap.Int64("errors", res.Errors),
		zap.Float64("ops_per_second", res.Throughput))
	return res, err
}

// SampleProcess reads resource usage of the current process. Fields that
// cannot be read are left zero.
func SampleProcess() Process {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	p := Process{
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return p
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		p.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		p.CPUPercent = cpu
	}
	return p
}
