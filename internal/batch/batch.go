// Package batch wires one end-to-end run: load events and polygons, expand
// them into intervals, dispatch the intervals and flush the summary.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"areasched/internal/audit"
	"areasched/internal/config"
	"areasched/internal/dispatch"
	"areasched/internal/events"
	"areasched/internal/executor"
	"areasched/internal/expand"
	appLog "areasched/internal/log"
	"areasched/internal/metrics"
	"areasched/internal/model"
	"areasched/internal/query"
	"areasched/internal/registry"
	"areasched/internal/split"
	"areasched/internal/store"
)

// Runner executes batches with a fixed configuration. Run calls are
// serialized so watch-mode ticks never overlap on the same output files.
type Runner struct {
	cfg     *config.Config
	metrics *metrics.Metrics

	// From / To restrict intervals by local start date. Zero disables.
	From model.Date
	To   model.Date
	// DryRun plans without calling the API or writing files.
	DryRun bool

	runMu sync.Mutex

	stateMu sync.RWMutex
	running bool
	last    *dispatch.Report
}

// Status is a snapshot of the runner for the status server.
type Status struct {
	Running bool
	Last    *dispatch.Report
}

func NewRunner(cfg *config.Config, m *metrics.Metrics) *Runner {
	return &Runner{cfg: cfg, metrics: m}
}

// Plan loads both inputs and expands them. A missing event source or
// polygon registry is returned as an error wrapping events.ErrSourceMissing
// or registry.ErrRegistryMissing.
func (r *Runner) Plan(ctx context.Context) (expand.Result, error) {
	specs, err := events.Load(ctx, r.cfg.Events, events.Options{CacheDir: r.cfg.CacheDir})
	if err != nil {
		return expand.Result{}, err
	}

	path := r.cfg.GeoJSON
	if path == "" {
		path, err = registry.Discover(".")
		if err != nil {
			return expand.Result{}, fmt.Errorf("geojson not found, set geojson or -geojson: %w", err)
		}
	}
	reg, err := registry.Load(path)
	if err != nil {
		return expand.Result{}, err
	}

	exp := expand.New(reg, expand.Config{
		MaxOccurrencesPerEvent: r.cfg.MaxOccurrences,
		From:                   r.From,
		To:                     r.To,
	})
	return exp.ExpandAll(specs), nil
}

// Run performs one batch. Per-interval failures end up in the error log and
// never fail the batch; only input loading errors are returned.
func (r *Runner) Run(ctx context.Context) (dispatch.Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.setRunning(true)
	defer r.setRunning(false)

	plan, err := r.Plan(ctx)
	if err != nil {
		return dispatch.Report{}, err
	}
	if len(plan.Intervals) == 0 {
		appLog.Info("no intervals to process")
		rep := dispatch.Report{Started: time.Now(), DryRun: r.DryRun}
		r.setLast(rep)
		return rep, nil
	}

	errLog := audit.NewErrorLog(r.cfg.ErrorLogPath)
	summary := audit.NewSummary()

	client := query.NewClient(query.Options{
		URL:               r.cfg.API.URL,
		Key:               r.cfg.APIKey(),
		Timeout:           r.cfg.API.RequestTimeout,
		RequestsPerSecond: r.cfg.API.RequestsPerSecond,
	})
	exec := executor.New(
		client,
		store.New(r.cfg.OutputDir, r.cfg.IDsDir),
		errLog,
		split.Policy{Threshold: r.cfg.Split.Threshold, ChunkDays: r.cfg.Split.ChunkDays},
		r.metrics,
	)
	d := dispatch.New(exec, errLog, summary, dispatch.Options{
		Workers: r.cfg.Workers,
		DryRun:  r.DryRun,
		Metrics: r.metrics,
	})

	rep := d.Run(ctx, plan.Intervals)
	r.setLast(rep)
	if r.DryRun {
		return rep, nil
	}

	wrote, err := summary.Flush(r.cfg.SummaryPath)
	if err != nil {
		appLog.Error("failed to write summary", err, "path", r.cfg.SummaryPath)
	} else if wrote {
		appLog.Info("summary saved", "path", r.cfg.SummaryPath, "rows", summary.Len())
	}
	if n := errLog.Count(); n > 0 {
		appLog.Warn("errors were logged", "path", errLog.Path(), "rows", n)
	} else {
		appLog.Info("no API errors encountered")
	}
	return rep, nil
}

// Status reports whether a batch is in progress and the last finished one.
func (r *Runner) Status() Status {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return Status{Running: r.running, Last: r.last}
}

func (r *Runner) setRunning(v bool) {
	r.stateMu.Lock()
	r.running = v
	r.stateMu.Unlock()
}

func (r *Runner) setLast(rep dispatch.Report) {
	r.stateMu.Lock()
	r.last = &rep
	r.stateMu.Unlock()
}
