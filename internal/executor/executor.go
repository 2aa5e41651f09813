// Package executor resolves one interval into device API calls. A window
// whose answer is too dense is bisected and both halves are re-queried in
// the calling goroutine; the device sets of all leaves are merged.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "areasched/internal/log"
	"areasched/internal/metrics"
	"areasched/internal/model"
	"areasched/internal/query"
	"areasched/internal/split"
	"areasched/internal/store"
)

// Querier issues one device API call.
type Querier interface {
	Query(ctx context.Context, w query.Window) (model.QueryResult, error)
}

// Persister stores the artifacts of a leaf window.
type Persister interface {
	Put(iv model.Interval, res model.QueryResult) (store.Artifact, error)
}

// ErrorSink receives one row per failed call.
type ErrorSink interface {
	Record(rec model.ErrorRecord) error
}

type Executor struct {
	api     Querier
	store   Persister
	errs    ErrorSink
	policy  split.Policy
	metrics *metrics.Metrics
}

// New builds an Executor. m may be nil.
func New(api Querier, st Persister, errs ErrorSink, policy split.Policy, m *metrics.Metrics) *Executor {
	return &Executor{api: api, store: st, errs: errs, policy: policy, metrics: m}
}

// EpochMS converts t to UTC epoch milliseconds. An instant that falls exactly
// on local midnight is moved to 23:59:59 of the same day first.
func EpochMS(t time.Time) int64 {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		y, m, d := t.Date()
		t = time.Date(y, m, d, 23, 59, 59, t.Nanosecond(), t.Location())
	}
	return t.UnixMilli()
}

// Execute returns the union of device IDs over every leaf window of iv.
// Failed calls are written to the error sink and contribute nothing; only a
// failure to persist a leaf or to record an error aborts the interval.
func (e *Executor) Execute(ctx context.Context, iv model.Interval) (model.DeviceSet, error) {
	return e.execute(ctx, iv, 0, e.policy.MaxDepth(iv.DaySpan()))
}

// execute queries iv and recurses into its halves while the policy asks for
// a split. A window at maxDepth is persisted as a leaf whatever its count.
func (e *Executor) execute(ctx context.Context, iv model.Interval, depth, maxDepth int) (model.DeviceSet, error) {
	res, err := e.call(ctx, iv)
	if err != nil {
		if rerr := e.recordFailure(iv, res, err); rerr != nil {
			return nil, rerr
		}
		return model.NewDeviceSet(), nil
	}

	days := iv.DaySpan()
	if e.policy.ShouldSplit(res.Devices.Len(), days) {
		left, right, ok := split.Bisect(iv)
		if ok && depth >= maxDepth {
			appLog.Warn("split depth limit reached, keeping window whole",
				"polygon", iv.Polygon,
				"days", days,
				"depth", depth,
			)
			ok = false
		}
		if ok {
			appLog.Warn("window over threshold, splitting",
				"polygon", iv.Polygon,
				"start", iv.Start.Format("2006-01-02"),
				"end", iv.End.Format("2006-01-02"),
				"devices", res.Devices.Len(),
				"depth", depth,
			)
			if e.metrics != nil {
				e.metrics.Splits.Inc()
			}
			l, err := e.execute(ctx, left, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			r, err := e.execute(ctx, right, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			return l.Union(r), nil
		}
	}

	art, err := e.store.Put(iv, res)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", store.Label(iv), err)
	}
	if e.metrics != nil {
		e.metrics.Leaves.Inc()
	}
	appLog.Info("leaf persisted",
		"polygon", iv.Polygon,
		"start", iv.Start.Format("2006-01-02 15:04"),
		"end", iv.End.Format("2006-01-02 15:04"),
		"devices", res.Devices.Len(),
		"label", art.Label,
	)
	return res.Devices, nil
}

func (e *Executor) call(ctx context.Context, iv model.Interval) (model.QueryResult, error) {
	w := query.Window{StartMS: EpochMS(iv.Start), EndMS: EpochMS(iv.End)}
	if iv.Geometry != nil {
		w.Geometry = iv.Geometry.Raw
	}

	if e.metrics != nil {
		e.metrics.InFlight.Inc()
		defer e.metrics.InFlight.Dec()
	}
	began := time.Now()
	res, err := e.api.Query(ctx, w)
	e.metrics.ObserveCall(outcome(err), time.Since(began))
	return res, err
}

func (e *Executor) recordFailure(iv model.Interval, res model.QueryResult, err error) error {
	rec := model.ErrorRecord{
		Polygon: iv.Polygon,
		Start:   iv.Start,
		End:     iv.End,
		Message: err.Error(),
	}

	var apiErr *query.APIError
	switch {
	case errors.As(err, &apiErr):
		rec.Status = apiErr.Status
		if len(apiErr.Body) > 0 {
			rec.Message = string(apiErr.Body)
		}
	case errors.Is(err, query.ErrMalformedResponse):
		rec.Status = res.Status
	default:
		rec.Status = 0
	}

	appLog.Error("device query failed", err,
		"polygon", iv.Polygon,
		"start", iv.Start.Format("2006-01-02 15:04"),
		"end", iv.End.Format("2006-01-02 15:04"),
		"status", rec.Status,
	)
	if rerr := e.errs.Record(rec); rerr != nil {
		return fmt.Errorf("record error row: %w", rerr)
	}
	return nil
}

func outcome(err error) string {
	var apiErr *query.APIError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &apiErr):
		return metrics.OutcomeAPIError
	case errors.Is(err, query.ErrMalformedResponse):
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeTransport
	}
}
