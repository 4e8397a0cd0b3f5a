// blobstore-healer repairs incompletely replicated blobs in a multiplexed
// blob store, using the sync queue as its record of successful writes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/config"
	"github.com/blobmux/healer/internal/healer"
	"github.com/blobmux/healer/internal/metrics"
	"github.com/blobmux/healer/internal/scheduler"
	"github.com/blobmux/healer/internal/storage"
	"github.com/blobmux/healer/internal/svc"
	"github.com/blobmux/healer/pkg/bytesize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	serviceRun bool

	storageID      string
	syncQueueLimit int
	dryRun         bool
	dbRegions      string
	keyLike        string
	metricsListen  string
)

func main() {
	// Started by the service manager
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blobstore-healer",
		Short: "Repair incompletely replicated blobs in a multiplexed blob store",
		Long: `blobstore-healer reads the blobstore sync queue, finds keys that are
missing from some replicas of a multiplexed storage, copies them into the
missing replicas and drains the queue entries once every replica holds the key.

Between passes it waits for database replication lag to drop below the
configured threshold.

Examples:
  # Verify what a pass would do without writing anything
  blobstore-healer -c healer.yaml --storage-id main_multiplex --dry-run

  # Heal a subset of keys
  blobstore-healer -c healer.yaml --storage-id main_multiplex --blobstore-key-like 'repo0042.%'

  # Run forever, throttled by lag in two regions
  blobstore-healer -c healer.yaml --storage-id main_multiplex --db-regions us-east,eu-west`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		RunE: runHealer,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", svc.DefaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (default: from config, else info)")
	rootCmd.PersistentFlags().StringVar(&storageID, "storage-id", "", "storage to operate on (default: the only configured storage)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log mutations instead of performing them; the healer runs a single pass")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.Flags().IntVar(&syncQueueLimit, "sync-queue-limit", config.DefaultSyncQueueLimit, "sync queue entries fetched per pass")
	rootCmd.Flags().StringVar(&dbRegions, "db-regions", "", "comma separated regions whose replication lag throttles the healer")
	rootCmd.Flags().StringVar(&keyLike, "blobstore-key-like", "", "only heal keys matching this SQL LIKE pattern")
	rootCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address for the Prometheus /metrics endpoint")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blobstore-healer %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	})
	rootCmd.AddCommand(newPutCmd(), newGetCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newServiceCmd())

	return rootCmd
}

// runOptions are the per-invocation settings that are not part of the
// configuration file.
type runOptions struct {
	StorageID string
	DryRun    bool
	KeyLike   string
}

func runHealer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return runWithConfig(ctx, cfg, runOptions{
		StorageID: storageID,
		DryRun:    dryRun,
		KeyLike:   keyLike,
	}, cmd.OutOrStdout())
}

// loadConfig loads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logLevel == "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	if storageID == "" {
		ids := cfg.StorageIDs()
		if len(ids) != 1 {
			return nil, fmt.Errorf("--storage-id is required (configured: %s)", strings.Join(ids, ", "))
		}
		storageID = ids[0]
	}
	return cfg, nil
}

// applyOverrides copies explicitly set flags into cfg.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Lookup("sync-queue-limit") != nil && flags.Changed("sync-queue-limit") {
		cfg.Healer.SyncQueueLimit = syncQueueLimit
	}
	if flags.Lookup("db-regions") != nil && flags.Changed("db-regions") {
		cfg.Healer.DBRegions = splitList(dbRegions)
	}
	if flags.Lookup("metrics-listen") != nil && flags.Changed("metrics-listen") {
		cfg.MetricsListen = metricsListen
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runWithConfig opens the storage and runs the healer. A dry run performs a
// single pass and prints its report to out; otherwise the healer loops
// until ctx is cancelled or a fatal error occurs.
func runWithConfig(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) error {
	logger := log.Logger.With().Str("storage", opts.StorageID).Logger()

	st, err := storage.Open(ctx, cfg, storage.Options{
		StorageID: opts.StorageID,
		DryRun:    opts.DryRun,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("connectivity check: %w", err)
	}

	m := metrics.InitMetrics(opts.StorageID, Version, opts.DryRun)
	if cfg.MetricsListen != "" {
		stop := serveMetrics(cfg.MetricsListen)
		defer stop()
	}
	go metrics.NewQueueCollector(m, st, 0, logger).Run(ctx)

	h, err := healer.New(healer.Config{
		Replicas:       st.Router,
		Queue:          st.Queue,
		SyncQueueLimit: cfg.Healer.SyncQueueLimit,
		KeyLike:        opts.KeyLike,
		KeyConcurrency: cfg.Healer.KeyConcurrency,
		PutRateLimit:   cfg.Healer.PutRateLimit,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Healer:       h,
		Monitors:     st.Monitors,
		LagThreshold: cfg.Healer.Threshold(),
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("storage", opts.StorageID).
		Bool("dry_run", opts.DryRun).
		Int("sync_queue_limit", cfg.Healer.SyncQueueLimit).
		Str("key_like", opts.KeyLike).
		Msg("blobstore healer starting")

	if opts.DryRun {
		report, err := sched.RunOnce(ctx)
		if report != nil {
			printReport(out, report)
		}
		return err
	}
	return sched.Run(ctx)
}

func serveMetrics(addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printReport writes one line per key followed by a summary.
func printReport(out io.Writer, report *healer.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tOUTCOME\tCLAIMED\tMISSING\tSIZE\tERROR")
	for _, res := range report.Results {
		outcome := string(res.Outcome)
		if res.Reason != "" {
			outcome += " (" + string(res.Reason) + ")"
		}
		errText := "-"
		if res.Err != nil {
			errText = res.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			res.Key, outcome, idsOrDash(res.Claimed), idsOrDash(res.Missing),
			bytesize.Format(int64(res.Bytes)), errText)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d entries, %d keys: %d already complete, %d healed, %d failed; %d entries drained\n",
		report.Fetched, len(report.Results),
		report.Count(healer.OutcomeAlreadyComplete),
		report.Count(healer.OutcomeHealed),
		report.Count(healer.OutcomeFailed),
		report.Deleted)
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging writes to a log file as well as stderr, because the
// service manager may not capture stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/blobstore-healer.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

func idsOrDash(ids []blobstore.ID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
