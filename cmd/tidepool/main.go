// Command tidepool exercises Tidepool pools: synthetic buffer workloads,
// statement caching against a real database, and configuration handling.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/config"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/metrics"
	"github.com/ajitpratap0/tidepool/pkg/observability"
	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/shutdown"
)

var version = "0.1.0"

// globalFlags are shared by every command.
type globalFlags struct {
	configFile  string
	logLevel    string
	metricsAddr string
}

// runtimeEnv holds what a command needs once configuration is loaded.
type runtimeEnv struct {
	cfg       *config.Config
	log       *zap.Logger
	scheduler *scheduler.Scheduler
	registry  *shutdown.Registry
	collector *metrics.PoolCollector
	tracing   *observability.Tracing
}

func main() {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "tidepool",
		Short: "Tidepool - concurrent resource pools with expiry and eviction",
		Long: `Tidepool pools expensive resources such as buffers, connections and prepared
statements, expiring idle ones in the background and evicting by policy when full.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address; overrides the configuration")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tidepool v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newBenchCmd(flags))
	root.AddCommand(newStmtCmd(flags))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		_ = logger.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and starts the ambient services. The returned
// context is cancelled on SIGINT or SIGTERM; closing the environment runs
// every shutdown hook.
func setup(ctx context.Context, flags *globalFlags) (context.Context, *runtimeEnv, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = flags.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, nil, err
	}

	env := &runtimeEnv{
		cfg:      cfg,
		log:      logger.Named("cli"),
		registry: shutdown.Default(),
	}
	env.scheduler = scheduler.New(cfg.Scheduler.ToScheduler(), logger.Named("scheduler"))
	env.registry.Register("scheduler", env.scheduler.Close)

	env.tracing, err = observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, nil, err
	}
	env.registry.Register("tracing", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := env.tracing.Shutdown(ctx); err != nil {
			env.log.Warn("failed to flush traces", zap.Error(err))
		}
	})

	env.collector = metrics.NewPoolCollector(cfg.Metrics.Namespace)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			env.collector,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.AcquireLatency,
			metrics.Throughput,
		)
		srv, err := observability.NewMetricsServer(cfg.Metrics.Address, reg, logger.Named("metrics"))
		if err != nil {
			return nil, nil, err
		}
		srv.Serve()
		env.registry.Register("metrics-server", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := env.registry.NotifyOnSignal(ctx)
	env.registry.Register("signals", stop)
	go func() {
		select {
		case <-env.registry.Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, env, nil
}

// close runs the shutdown hooks and flushes the logger.
func (e *runtimeEnv) close() {
	e.registry.Run()
	_ = logger.Sync()
}
