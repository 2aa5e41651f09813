// Package dispatch runs a batch of top-level intervals on a bounded worker
// pool and collects one outcome per interval.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"areasched/internal/expand"
	appLog "areasched/internal/log"
	"areasched/internal/metrics"
	"areasched/internal/model"
)

// Executor resolves one top-level interval, including any recursive splits.
type Executor interface {
	Execute(ctx context.Context, iv model.Interval) (model.DeviceSet, error)
}

// ErrorSink receives worker failures.
type ErrorSink interface {
	Record(rec model.ErrorRecord) error
}

// SummarySink receives one record per completed interval.
type SummarySink interface {
	Add(rec model.SummaryRecord)
}

type Options struct {
	Workers int
	DryRun  bool
	Metrics *metrics.Metrics
}

// Outcome is the result of one top-level interval: either a device count or
// the error that aborted it.
type Outcome struct {
	Interval model.Interval
	Devices  int
	Err      error
}

// Report describes a finished batch.
type Report struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	DryRun   bool
	// Planned holds every interval in (polygon index, start) order.
	Planned  []model.Interval
	Outcomes []Outcome
}

// Failed counts intervals aborted by a worker error.
func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

type Dispatcher struct {
	exec    Executor
	errs    ErrorSink
	summary SummarySink
	opts    Options
}

func New(exec Executor, errs ErrorSink, summary SummarySink, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Dispatcher{exec: exec, errs: errs, summary: summary, opts: opts}
}

// Sorted returns a copy of intervals ordered by polygon index, then start.
func Sorted(intervals []model.Interval) []model.Interval {
	out := slices.Clone(intervals)
	expand.SortIntervals(out)
	return out
}

// Run processes every interval and returns once all have an outcome. In dry
// run mode nothing is queried or written; the plan is logged and returned.
func (d *Dispatcher) Run(ctx context.Context, intervals []model.Interval) Report {
	rep := Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		DryRun:  d.opts.DryRun,
		Planned: Sorted(intervals),
	}

	if d.opts.DryRun {
		for _, iv := range rep.Planned {
			appLog.Info("PLAN",
				"polygon", iv.Polygon,
				"start", iv.Start.Format("2006-01-02 15:04"),
				"end", iv.End.Format("2006-01-02 15:04"),
				"tz", iv.Start.Location().String(),
			)
		}
		rep.Duration = time.Since(rep.Started)
		return rep
	}

	workers := min(d.opts.Workers, len(rep.Planned))
	appLog.Info("dispatching intervals",
		"run_id", rep.RunID,
		"intervals", len(rep.Planned),
		"workers", workers,
	)

	jobs := make(chan model.Interval)
	results := make(chan Outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iv := range jobs {
				results <- d.runOne(ctx, iv)
			}
		}()
	}

	go func() {
		for _, iv := range rep.Planned {
			jobs <- iv
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	for o := range results {
		d.settle(o)
		rep.Outcomes = append(rep.Outcomes, o)
	}

	rep.Duration = time.Since(rep.Started)
	if m := d.opts.Metrics; m != nil {
		m.LastRun.SetToCurrentTime()
	}
	appLog.Info("batch finished",
		"run_id", rep.RunID,
		"intervals", len(rep.Outcomes),
		"failed", rep.Failed(),
		"duration", rep.Duration.Round(time.Millisecond).String(),
	)
	return rep
}

// runOne executes one interval, turning a panic into an error.
func (d *Dispatcher) runOne(ctx context.Context, iv model.Interval) (o Outcome) {
	o.Interval = iv
	defer func() {
		if r := recover(); r != nil {
			appLog.Debug("worker panic", "stack", string(debug.Stack()))
			o.Err = fmt.Errorf("panic: %v", r)
		}
	}()
	ids, err := d.exec.Execute(ctx, iv)
	if err != nil {
		o.Err = err
		return o
	}
	o.Devices = ids.Len()
	return o
}

// settle records o in the summary or the error log. It runs on the
// collecting goroutine only.
func (d *Dispatcher) settle(o Outcome) {
	iv := o.Interval
	if o.Err != nil {
		appLog.Error("interval failed", o.Err, "polygon", iv.Polygon, "start", iv.Start.Format(time.RFC3339))
		if m := d.opts.Metrics; m != nil {
			m.WorkerErrors.Inc()
		}
		rec := model.ErrorRecord{
			Polygon: iv.Polygon,
			Start:   iv.Start,
			End:     iv.End,
			Message: "worker exception: " + o.Err.Error(),
		}
		if err := d.errs.Record(rec); err != nil {
			appLog.Error("could not write error log", err, "polygon", iv.Polygon)
		}
		return
	}

	d.summary.Add(model.SummaryRecord{
		Polygon:       iv.Polygon,
		Start:         iv.Start,
		End:           iv.End,
		UniqueDevices: o.Devices,
	})
	if m := d.opts.Metrics; m != nil {
		m.Intervals.Inc()
	}
}
