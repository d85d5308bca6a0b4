package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	// Database drivers selectable with database.driver.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ajitpratap0/tidepool/internal/bench"
	"github.com/ajitpratap0/tidepool/pkg/datasource"
	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/observability"
	"github.com/ajitpratap0/tidepool/pkg/pool"
)

type stmtFlags struct {
	driver     string
	dsn        string
	query      string
	workers    int
	iterations int
	duration   time.Duration
	maxErrors  int64
}

func newStmtCmd(global *globalFlags) *cobra.Command {
	f := &stmtFlags{}
	cmd := &cobra.Command{
		Use:   "stmt",
		Short: "Run a query repeatedly through pooled connections and cached statements",
		Long: `Open the database from the configuration, then acquire connections, prepare the
query through each connection's statement cache and read every row.

Example:
  TIDEPOOL_DATABASE_DSN='app:secret@tcp(localhost:3306)/app' tidepool stmt --query 'SELECT 1'
  tidepool stmt --driver pgx --dsn postgres://localhost/app --query 'SELECT now()' --workers 4 -n 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStmt(cmd.Context(), global, f)
		},
	}
	cmd.Flags().StringVar(&f.driver, "driver", "", "database/sql driver (mysql, pgx); overrides database.driver")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "Data source name; overrides database.dsn")
	cmd.Flags().StringVarP(&f.query, "query", "q", "SELECT 1", "Query to run")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 4, "Concurrent workers")
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 100, "Queries per worker; 0 runs for --duration")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Run time when --iterations is 0")
	cmd.Flags().Int64Var(&f.maxErrors, "max-errors", 0, "Failed queries tolerated before aborting")
	return cmd
}

func runStmt(ctx context.Context, global *globalFlags, f *stmtFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, env, err := setup(ctx, global)
	if err != nil {
		return err
	}
	defer env.close()

	db := env.cfg.Database
	if f.driver != "" {
		db.Driver = f.driver
	}
	if f.dsn != "" {
		db.DSN = f.dsn
	}
	if db.DSN == "" {
		return errors.New(errors.ErrorTypeConfig, "database.dsn is required (set TIDEPOOL_DATABASE_DSN)")
	}
	dsCfg, err := db.ToDataSource()
	if err != nil {
		return err
	}
	ds, err := datasource.Open(db.Driver, db.DSN, dsCfg,
		datasource.WithLogger(logger.Named("datasource")),
		datasource.WithScheduler(env.scheduler),
		datasource.WithShutdownRegistry(env.registry),
		datasource.WithTracer(env.tracing.Tracer("github.com/ajitpratap0/tidepool/pkg/stmtcache")),
	)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()
	env.collector.Add(dataSourcePool{ds})

	var res bench.Result
	runErr := observability.Trace(ctx, env.tracing.Tracer("tidepool"), "stmt.run", func(ctx context.Context) error {
		res, err = bench.Run(ctx, "statements", bench.Options{
			Workers:    f.workers,
			Iterations: f.iterations,
			Duration:   f.duration,
			MaxErrors:  f.maxErrors,
		}, bench.StatementOp(ds, f.query), env.log)
		return err
	}, attribute.String("db.system", db.Driver), attribute.String("db.statement", f.query))
	if runErr != nil {
		env.log.Error("workload aborted", zap.Error(runErr))
	}

	stats := ds.Stats()
	return printReport(bench.Report{Result: res, DataSource: &stats}, runErr)
}

// dataSourcePool exposes the idle connection pool of a data source to the
// pool collector.
type dataSourcePool struct {
	ds *datasource.DataSource
}

func (d dataSourcePool) Name() string { return d.ds.Stats().Pool.Name }

func (d dataSourcePool) Stats() pool.Stats { return d.ds.Stats().Pool }
