// Command dwhload loads a staged TurningPages run into the sales warehouse.
//
//	dwhload load [--only prechecks|payment|book|customer|fact|checks|all]
//	dwhload migrate
//	dwhload calendar --from 2024-01-01 --to 2024-12-31
//	dwhload version
//
// Exit codes: 0 success, 1 runtime failure, 2 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vbyelov/turning-pages-etl/internal/config"
	"github.com/vbyelov/turning-pages-etl/internal/load"
	"github.com/vbyelov/turning-pages-etl/internal/logging"
	"github.com/vbyelov/turning-pages-etl/internal/staging"
	"github.com/vbyelov/turning-pages-etl/internal/storage"

	// register all backends with the storage factory.
	_ "github.com/vbyelov/turning-pages-etl/internal/storage/all"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// appDeps are the side-effecting seams runMain depends on.
type appDeps struct {
	initLogging   func(logging.Config) (zerolog.Logger, io.Closer)
	initMetrics   func(ctx context.Context, cfg config.MetricsConfig) (func(), error)
	openWarehouse func(ctx context.Context, cfg storage.Config) (storage.Warehouse, error)
	openSource    func(cfg config.StagingConfig) (staging.Source, error)
	clock         clockwork.Clock
}

func defaultDeps() appDeps {
	return appDeps{
		initLogging: func(c logging.Config) (zerolog.Logger, io.Closer) {
			closer := logging.Init(c)
			return logging.Logger, closer
		},
		initMetrics:   initMetrics,
		openWarehouse: storage.Open,
		openSource:    openSource,
		clock:         clockwork.NewRealClock(),
	}
}

// runError marks a failure that happened after argument parsing succeeded.
// Anything else returned by cobra is a usage error.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func failed(format string, a ...any) error {
	return &runError{err: fmt.Errorf(format, a...)}
}

// runMain executes the CLI and returns the process exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var re *runError
	if errors.As(err, &re) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "usage: %v\nrun 'dwhload --help' for usage\n", err)
	return 2
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	deps   appDeps

	cfgFile string
	envFile string
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, deps: deps}

	root := &cobra.Command{
		Use:   "dwhload",
		Short: "Load staged TurningPages data into the sales warehouse",
		Long: `dwhload reads the staged CSV datasets of one transform run and applies
them to the warehouse: payment methods (insert-only), books (overwrite with
coalesce), customers (versioned history) and a full reload of Fact_Sales.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return errors.New("missing command")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default: ./dwhload.yaml)")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file merged into the environment when present")
	pf.String("storage", "", "warehouse backend (mssql, postgres, sqlite)")
	pf.String("dsn", "", "warehouse DSN (overrides host/user/database settings)")
	pf.String("schema", "", "warehouse schema")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "also write JSON logs to this rotating file")
	pf.String("metrics-backend", "", "metrics backend (none, pushgateway, datadog)")
	pf.String("pushgateway-url", "", "Pushgateway base URL")

	root.AddCommand(c.loadCmd(), c.migrateCmd(), c.calendarCmd(), c.versionCmd())
	return root
}

// session is the per-command state built from the effective config.
type session struct {
	cfg *config.Config
	log zerolog.Logger
	wh  storage.Warehouse
}

// open loads config, initializes logging and connects to the warehouse. The
// returned cleanup is never nil.
func (c *cli) open(cmd *cobra.Command) (*session, func(), error) {
	cfg, err := config.Load(config.Options{File: c.cfgFile, EnvFile: c.envFile, Flags: cmd.Flags()})
	if err != nil {
		return nil, func() {}, failed("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, func() {}, fmt.Errorf("invalid config: %w", err)
	}

	log, logCloser := c.deps.initLogging(logging.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Out:        c.stderr,
	})
	cleanup := func() { _ = logCloser.Close() }

	wc, err := cfg.Warehouse()
	if err != nil {
		return nil, cleanup, failed("storage: %w", err)
	}
	wh, err := c.deps.openWarehouse(cmd.Context(), wc)
	if err != nil {
		return nil, cleanup, failed("open warehouse: %w", err)
	}
	log.Debug().Str("storage", wh.Kind()).Str("schema", wc.Schema).Msg("warehouse connected")

	return &session{cfg: cfg, log: log, wh: wh}, func() {
		wh.Close()
		cleanup()
	}, nil
}

func (c *cli) loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run the load pipeline (or one stage of it)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cleanup, err := c.open(cmd)
			defer cleanup()
			if err != nil {
				return err
			}

			stage, err := load.ParseStage(s.cfg.Load.Only)
			if err != nil {
				return err
			}

			ctx := s.log.WithContext(cmd.Context())
			stopMetrics, err := c.deps.initMetrics(ctx, s.cfg.Metrics)
			if err != nil {
				return failed("init metrics: %w", err)
			}
			defer stopMetrics()

			var bundle *staging.Bundle
			if stage != load.StageChecks {
				bundle, err = c.readRun(ctx, s.cfg.Staging)
				if err != nil {
					return &runError{err: err}
				}
			}

			sum, err := load.New(s.wh, s.log, c.deps.clock).Run(ctx, stage, bundle)
			if sum != nil {
				printSummary(c.stdout, sum)
			}
			if err != nil {
				return failed("run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("only", "", "run a single stage: prechecks, payment, book, customer, fact, checks, all")
	cmd.Flags().String("staging-root", "", "directory holding one subdirectory per transform run")
	cmd.Flags().String("run", "", "staged run name (default: latest)")
	return cmd
}

// readRun resolves the run to load and reads its datasets into memory.
func (c *cli) readRun(ctx context.Context, cfg config.StagingConfig) (*staging.Bundle, error) {
	src, err := c.deps.openSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	run := cfg.Run
	if run == "" {
		run, err = staging.LatestRun(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("resolve staged run: %w", err)
		}
	}
	b, err := staging.ReadBundle(ctx, src, run)
	if err != nil {
		return nil, fmt.Errorf("read staged run %s: %w", run, err)
	}
	zerolog.Ctx(ctx).Info().Str("run", run).Str("location", b.Location).
		Int("absent", len(b.Absent)).Msg("staged run resolved")
	return b, nil
}

func openSource(cfg config.StagingConfig) (staging.Source, error) {
	if cfg.UsesObjectStore() {
		return staging.NewObjectSource(cfg.Object())
	}
	return staging.DirSource{Root: cfg.Root}, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the warehouse schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cleanup, err := c.open(cmd)
			defer cleanup()
			if err != nil {
				return err
			}
			if err := s.wh.Migrate(s.log.WithContext(cmd.Context())); err != nil {
				return failed("migrate: %w", err)
			}
			fmt.Fprintln(c.stdout, "ok")
			return nil
		},
	}
}

const dateLayout = "2006-01-02"

func (c *cli) calendarCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Insert missing Dim_Date rows for a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := time.Parse(dateLayout, from)
			if err != nil {
				return fmt.Errorf("--from: want YYYY-MM-DD, got %q", from)
			}
			end, err := time.Parse(dateLayout, to)
			if err != nil {
				return fmt.Errorf("--to: want YYYY-MM-DD, got %q", to)
			}
			if end.Before(start) {
				return fmt.Errorf("--to %s is before --from %s", to, from)
			}

			s, cleanup, err := c.open(cmd)
			defer cleanup()
			if err != nil {
				return err
			}
			n, err := s.wh.SeedCalendar(cmd.Context(), start, end)
			if err != nil {
				return failed("seed calendar: %w", err)
			}
			s.log.Info().Str("from", from).Str("to", to).Int64("inserted", n).Msg("calendar seeded")
			fmt.Fprintf(c.stdout, "inserted %d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(c.stdout, "dwhload %s\n", version)
		},
	}
}
