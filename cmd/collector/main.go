package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitchhikinghq/collector/internal/config"
	"github.com/hitchhikinghq/collector/internal/discovery"
	"github.com/hitchhikinghq/collector/internal/export"
	"github.com/hitchhikinghq/collector/internal/logging"
	"github.com/hitchhikinghq/collector/internal/metrics"
	"github.com/hitchhikinghq/collector/internal/pipeline"
	"github.com/hitchhikinghq/collector/internal/prober"
	"github.com/hitchhikinghq/collector/internal/scamper"
	"github.com/hitchhikinghq/collector/internal/scheduler"
	"github.com/hitchhikinghq/collector/internal/warehouse"
	"github.com/hitchhikinghq/collector/pkg/types"
)

const (
	metricsFile          = "collector.prom"
	metricsFlushInterval = 30 * time.Second
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run", "trace", "ping":
		err = execute(ctx, cmd, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Hitchhiking Collector CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  hitchhiking-collector run [--config /etc/hitchhiking/collector.yaml]")
	fmt.Println("  hitchhiking-collector trace [--config path]")
	fmt.Println("  hitchhiking-collector ping --input exposed_services.json [--config path]")
}

type commandFlags struct {
	configPath string
	input      string
}

func parseFlags(cmd string, args []string) (commandFlags, error) {
	var flags commandFlags
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.StringVar(&flags.configPath, "config", "", "Path to collector configuration file (default $HITCHHIKING_CONFIG or "+config.DefaultConfigPath+")")
	if cmd == "ping" {
		fs.StringVar(&flags.input, "input", "", "Exposed services file written by a previous trace")
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	if fs.NArg() > 0 {
		return flags, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if cmd == "ping" && flags.input == "" {
		return flags, errors.New("--input is required")
	}
	return flags, nil
}

func loadConfig(ctx context.Context, path string) (config.Config, error) {
	if path == "" {
		return config.LoadFromEnv(ctx)
	}
	return config.Load(ctx, path)
}

func execute(ctx context.Context, cmd string, args []string) error {
	flags, err := parseFlags(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx, flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runID := uuid.NewString()
	logger := logging.WithRun(logging.New(), runID)

	if err := os.MkdirAll(cfg.Collector.DataDir, 0o755); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	workDir := filepath.Join(cfg.Collector.WorkDir, "hitchhiking-"+runID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("ensure work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	logger.Printf("collector %s starting (asn=%d, ip_version=%d, data_dir=%s, export=%s, label=%s)",
		cmd, cfg.Target.ASN, cfg.Target.IPVersion, cfg.Collector.DataDir, cfg.Export.Mode, cfg.Collector.Label)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := metrics.NewStore()
	metricsPath := filepath.Join(cfg.Collector.DataDir, metricsFile)

	sink, closeSink, err := buildSink(runCtx, cfg, workDir, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	launcher := scamper.NewExecLauncher(scamper.Command{
		Binary:    cfg.Scamper.Binary,
		Method:    cfg.Scamper.Method,
		Attempts:  cfg.Scamper.Attempts,
		ExtraArgs: cfg.Scamper.ExtraArgs,
	}, os.Stderr)
	runner := prober.New(launcher,
		prober.WithWorkDir(workDir),
		prober.WithRoundTimeout(cfg.Ping.RoundTimeout),
		prober.WithLogger(logger),
		prober.WithMetrics(store.ProbeRecorder()),
	)
	sched := scheduler.New(runner, sink,
		scheduler.WithRounds(cfg.Ping.Count, cfg.Ping.Interval),
		scheduler.WithWorkDir(workDir),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(store.ProbeRecorder()),
	)

	done := make(chan struct{})
	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		defer close(done)
		switch cmd {
		case "ping":
			return schedulePings(groupCtx, flags.input, sched, store, logger)
		case "trace":
			return runPipeline(groupCtx, cfg, workDir, launcher, sink, nil, store, logger)
		default:
			return runPipeline(groupCtx, cfg, workDir, launcher, sink, sched, store, logger)
		}
	})

	grp.Go(func() error {
		ticker := time.NewTicker(metricsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				if err := store.WriteTextfile(metricsPath); err != nil {
					logger.Printf("metrics flush failed: %v", err)
				}
			}
		}
	})

	runErr := grp.Wait()
	if err := store.WriteTextfile(metricsPath); err != nil {
		logger.Printf("metrics flush failed: %v", err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Printf("collector %s finished", cmd)
	return nil
}

func runPipeline(ctx context.Context, cfg config.Config, workDir string, tracer scamper.Tracer, sink export.Sink, sched pipeline.Scheduler, store *metrics.Store, logger *log.Logger) error {
	source, closeSource, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	p := pipeline.New(source, tracer, sink, sched,
		pipeline.WithWorkDir(workDir),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(store.PipelineRecorder()),
	)
	report, err := p.Run(ctx, discovery.Query{ASN: cfg.Target.ASN, IPVersion: cfg.Target.IPVersion})
	if err != nil {
		return err
	}
	logger.Printf("run summary discovery=%s services=%d groups=%d", report.Discovery.Status, report.Services, report.Schedule.Groups)
	return nil
}

func schedulePings(ctx context.Context, input string, sched *scheduler.Scheduler, store *metrics.Store, logger *log.Logger) error {
	rows, err := readExposedServices(input)
	if err != nil {
		return err
	}
	logger.Printf("loaded %d exposed services from %s", len(rows), input)
	summary, err := sched.Run(ctx, rows)
	store.PipelineRecorder().ObserveGroups(summary.Groups)
	if err != nil {
		return fmt.Errorf("schedule pings: %w", err)
	}
	logger.Printf("pings complete groups=%d last_rows=%d sec_last_rows=%d",
		summary.Groups, summary.Rows[types.LastHop], summary.Rows[types.SecondLastHop])
	return nil
}

func readExposedServices(path string) ([]types.ExposedService, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open exposed services %q: %w", path, err)
	}
	defer f.Close()
	rows, err := export.DecodeExposedServices(f)
	if err != nil {
		return nil, fmt.Errorf("decode exposed services %q: %w", path, err)
	}
	return rows, nil
}

func buildSource(ctx context.Context, cfg config.Config, logger *log.Logger) (discovery.Source, func(), error) {
	d := cfg.Discovery
	switch strings.ToLower(d.Source) {
	case config.SourceBigQuery:
		client, err := bigquery.NewClient(ctx, d.Project)
		if err != nil {
			return nil, nil, fmt.Errorf("create bigquery client: %w", err)
		}
		src, err := discovery.NewBigQuerySource(client, d.BigQueryTable, d.ClassifyMatch, logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return src, func() { client.Close() }, nil
	default:
		src, err := discovery.NewCensysSource(discovery.CensysConfig{
			APIURL:         d.APIURL,
			APIID:          d.APIID,
			APISecret:      d.APISecret,
			PerPage:        d.PerPage,
			RequestsPerSec: d.RequestsPerSec,
			MaxRetries:     d.RetryLimit(),
			ClassifyMatch:  d.ClassifyMatch,
			CertCacheSize:  d.CertCacheSize,
		}, discovery.Dependencies{Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("init censys source: %w", err)
		}
		return src, func() {}, nil
	}
}

func buildSink(ctx context.Context, cfg config.Config, workDir string, logger *log.Logger) (export.Sink, func(), error) {
	e := cfg.Export
	tables := export.Tables{
		ExposedServices: e.Tables.ExposedServices,
		LastHopPings:    e.Tables.LastHopPings,
		SecLastHopPings: e.Tables.SecLastHopPings,
	}
	switch strings.ToLower(e.Mode) {
	case config.ExportBigQuery:
		client, err := bigquery.NewClient(ctx, e.BigQuery.Project)
		if err != nil {
			return nil, nil, fmt.Errorf("create bigquery client: %w", err)
		}
		uploader, err := warehouse.NewBigQueryUploader(client, e.BigQuery.Dataset, logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return export.NewWarehouseSink(uploader, tables, workDir, logger), func() { client.Close() }, nil
	case config.ExportPostgres:
		uploader, err := warehouse.NewPostgresUploader(ctx, e.Postgres.DSN, e.Postgres.Schema, logger)
		if err != nil {
			return nil, nil, err
		}
		return export.NewWarehouseSink(uploader, tables, workDir, logger), uploader.Close, nil
	default:
		return export.NewFileSink(cfg.Collector.DataDir, export.WithLogger(logger)), func() {}, nil
	}
}
