package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/internal/bench"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/pool"
)

type benchFlags struct {
	workers    int
	iterations int
	duration   time.Duration
	keyed      bool
	classes    int
	bufferSize int
}

func newBenchCmd(global *globalFlags) *cobra.Command {
	f := &benchFlags{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a synthetic buffer workload through a pool",
		Long: `Borrow, fill and return byte buffers from many goroutines and report
throughput, latency percentiles and pool statistics as JSON.

Example:
  tidepool bench --workers 16 --duration 30s --keyed --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), global, f)
		},
	}
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 8, "Concurrent workers")
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 0, "Operations per worker; 0 runs for --duration")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Run time when --iterations is 0")
	cmd.Flags().BoolVar(&f.keyed, "keyed", false, "Use a keyed pool with one key per size class")
	cmd.Flags().IntVar(&f.classes, "classes", 4, "Size classes of the keyed workload")
	cmd.Flags().IntVar(&f.bufferSize, "buffer-size", 4096, "Initial buffer capacity in bytes")
	return cmd
}

func runBench(ctx context.Context, global *globalFlags, f *benchFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, env, err := setup(ctx, global)
	if err != nil {
		return err
	}
	defer env.close()

	poolCfg, err := env.cfg.Pool.ToPool()
	if err != nil {
		return err
	}
	opts := []pool.Option{
		pool.WithLogger(logger.Named("pool")),
		pool.WithScheduler(env.scheduler),
		pool.WithShutdownRegistry(env.registry),
	}
	if poolCfg.MaxMemorySize > 0 {
		opts = append(opts, pool.WithMemoryMeasure(pool.BufferSize))
	}
	lifetimes := bench.Lifetimes{
		LiveTime:    env.cfg.Pool.LiveTime,
		MaxIdleTime: env.cfg.Pool.MaxIdleTime,
	}
	runOpts := bench.Options{
		Workers:    f.workers,
		Iterations: f.iterations,
		Duration:   f.duration,
	}

	var (
		op    bench.Op
		stats func() pool.Stats
		name  string
	)
	if f.keyed {
		name = "keyed-buffers"
		p, err := pool.NewKeyedObjectPool[string, *pool.Buffer](poolCfg, append(opts, pool.WithName(name))...)
		if err != nil {
			return err
		}
		env.collector.Add(p)
		op, stats = bench.KeyedBufferOp(p, f.bufferSize, f.classes, lifetimes), p.Stats
	} else {
		name = "buffers"
		p, err := pool.NewObjectPool[*pool.Buffer](poolCfg, append(opts, pool.WithName(name))...)
		if err != nil {
			return err
		}
		env.collector.Add(p)
		op, stats = bench.BufferOp(p, f.bufferSize, lifetimes), p.Stats
	}

	res, err := bench.Run(ctx, name, runOpts, op, env.log)
	if err != nil {
		env.log.Error("workload aborted", zap.Error(err))
	}
	return printReport(bench.Report{Result: res, Pools: []pool.Stats{stats()}}, err)
}

// printReport writes the report to stdout and passes runErr through.
func printReport(r bench.Report, runErr error) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return runErr
}
