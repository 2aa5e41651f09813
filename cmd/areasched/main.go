package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"areasched/internal/batch"
	"areasched/internal/config"
	"areasched/internal/events"
	appLog "areasched/internal/log"
	"areasched/internal/metrics"
	"areasched/internal/model"
	"areasched/internal/web"
)

// flagConfig holds CLI flag values; non-empty values override the config file.
type flagConfig struct {
	configPath string
	envFile    string
	csvPath    string
	geojson    string
	maxWorkers int
	dryRun     bool
	fromDate   string
	toDate     string
	watch      string
	listen     string
	debug      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("areasched starting", "version", "0.1.0")

	if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	applyFlags(conf, flags)

	from, to, err := dateFilters(flags)
	if err != nil {
		appLog.Error("invalid date filter", err)
		return 1
	}

	appLog.Info("effective config",
		"events", conf.Events,
		"geojson", conf.GeoJSON,
		"workers", conf.Workers,
		"threshold", conf.Split.Threshold,
		"chunk_days", conf.Split.ChunkDays,
		"api_url", conf.API.URL,
		"api_key_set", conf.APIKey() != "",
		"dry_run", flags.dryRun,
		"watch", conf.Watch,
	)

	m := metrics.New()
	runner := batch.NewRunner(conf, m)
	runner.From, runner.To = from, to
	runner.DryRun = flags.dryRun

	// Root context with cancellation on SIGINT/SIGTERM. A started batch is
	// detached from it and always runs to completion.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if conf.Watch == "" {
		if _, err := runner.Run(context.WithoutCancel(ctx)); err != nil {
			appLog.Error("batch aborted", err)
			return 1
		}
		return 0
	}
	return watch(ctx, conf, runner, m)
}

// watch runs one batch per cron tick and serves status until ctx ends.
func watch(ctx context.Context, conf *config.Config, runner *batch.Runner, m *metrics.Metrics) int {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	entryID, err := c.AddFunc(conf.Watch, func() {
		if _, err := runner.Run(context.WithoutCancel(ctx)); err != nil {
			appLog.Error("scheduled batch aborted", err)
		}
	})
	if err != nil {
		appLog.Error("invalid watch schedule", err, "watch", conf.Watch)
		return 1
	}

	srv := web.NewServer(conf, runner, m)
	srv.NextRun = func() time.Time { return c.Entry(entryID).Next }
	go func() {
		if err := srv.Serve(ctx); err != nil {
			appLog.Error("HTTP server stopped", err)
		}
	}()

	c.Start()
	appLog.Info("watch mode started", "schedule", conf.Watch, "next_run", c.Entry(entryID).Next.Format(time.RFC3339))

	<-ctx.Done()

	// Stop scheduling and wait for a running batch to finish.
	<-c.Stop().Done()
	appLog.Info("areasched exiting")
	return 0
}

func applyFlags(conf *config.Config, f flagConfig) {
	if f.csvPath != "" {
		conf.Events = f.csvPath
	}
	if f.geojson != "" {
		conf.GeoJSON = f.geojson
	}
	if f.maxWorkers > 0 {
		conf.Workers = f.maxWorkers
	}
	if f.watch != "" {
		conf.Watch = f.watch
	}
	if f.listen != "" {
		conf.Listen = f.listen
	}
}

func dateFilters(f flagConfig) (from, to model.Date, err error) {
	if f.fromDate != "" {
		d, ok := events.ParseDate(f.fromDate)
		if !ok {
			return from, to, fmt.Errorf("bad -from-date %q", f.fromDate)
		}
		from = d
	}
	if f.toDate != "" {
		d, ok := events.ParseDate(f.toDate)
		if !ok {
			return from, to, fmt.Errorf("bad -to-date %q", f.toDate)
		}
		to = d
	}
	return from, to, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "", "Path to YAML config file (written with defaults if missing)")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional .env file providing "+config.APIKeyEnv)
	flag.StringVar(&cfg.csvPath, "csv", "", "Event source: CSV or ICS path, or http(s) URL")
	flag.StringVar(&cfg.geojson, "geojson", "", "Polygon GeoJSON path (default: discover in working directory)")
	flag.IntVar(&cfg.maxWorkers, "max-workers", 0, "Worker pool size")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Print planned intervals without calling the API")
	flag.StringVar(&cfg.fromDate, "from-date", "", "Inclusive start date filter (YYYY-MM-DD)")
	flag.StringVar(&cfg.toDate, "to-date", "", "Inclusive end date filter (YYYY-MM-DD)")
	flag.StringVar(&cfg.watch, "watch", "", "Cron schedule; stay running and start a batch on every tick")
	flag.StringVar(&cfg.listen, "listen", "", "Status server listen address in watch mode")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
