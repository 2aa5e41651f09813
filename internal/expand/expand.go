package expand

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "areasched/internal/log"
	"areasched/internal/model"
	"areasched/internal/registry"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

var (
	allDayStart = model.Clock{Hour: 0, Minute: 0, Second: 0}
	allDayEnd   = model.Clock{Hour: 23, Minute: 59, Second: 59}
)

// PolygonLookup resolves an event's polygon name. *registry.Registry
// implements it.
type PolygonLookup interface {
	Lookup(name string) (*registry.Polygon, error)
}

// Config controls how recurrence expansion is performed.
type Config struct {
	// MaxOccurrencesPerEvent is a safety cap on the days a single event may
	// expand to. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int

	// From / To optionally restrict the result to intervals whose local
	// start date falls inside [From, To]. Zero values disable the bound.
	From model.Date
	To   model.Date
}

// Expander turns recurring event specs into concrete intervals.
type Expander struct {
	polygons PolygonLookup
	cfg      Config
}

// New creates an Expander backed by the given polygon lookup.
func New(polygons PolygonLookup, cfg Config) *Expander {
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	return &Expander{polygons: polygons, cfg: cfg}
}

// Result collects the intervals of a batch of events together with the
// non-fatal problems found while expanding them.
type Result struct {
	Intervals []model.Interval
	// Warnings holds one error per skipped event, e.g. wrapping
	// registry.ErrPolygonNotFound.
	Warnings []error
	// TruncatedEvents names polygons whose events hit the occurrence cap.
	TruncatedEvents []string
}

// ExpandAll expands every spec, applies the date filter and returns the
// intervals sorted by (polygon index, start).
func (e *Expander) ExpandAll(specs []model.RecurringEventSpec) Result {
	var res Result
	for _, spec := range specs {
		ivs, truncated, err := e.expand(spec)
		if err != nil {
			appLog.Warn("event skipped", "polygon", spec.Polygon, "reason", err.Error())
			res.Warnings = append(res.Warnings, err)
			continue
		}
		if truncated {
			res.TruncatedEvents = append(res.TruncatedEvents, spec.Polygon)
		}
		res.Intervals = append(res.Intervals, e.filter(ivs)...)
	}
	SortIntervals(res.Intervals)
	return res
}

// Expand converts one spec into its ordered list of intervals, one per
// qualifying day in the event's time zone. An unknown polygon yields an empty
// list and an error wrapping registry.ErrPolygonNotFound; callers treat it
// as a warning.
func (e *Expander) Expand(spec model.RecurringEventSpec) ([]model.Interval, error) {
	ivs, _, err := e.expand(spec)
	return ivs, err
}

func (e *Expander) expand(spec model.RecurringEventSpec) ([]model.Interval, bool, error) {
	poly, err := e.polygons.Lookup(spec.Polygon)
	if err != nil {
		return nil, false, err
	}

	loc := spec.Location
	if loc == nil {
		loc = time.UTC
	}

	days, truncated, err := e.selectDays(spec, loc)
	if err != nil {
		return nil, false, err
	}
	if truncated {
		appLog.Error("expand: truncated occurrences for event due to cap",
			errors.New("max occurrences reached"),
			"polygon", spec.Polygon,
			"cap", e.cfg.MaxOccurrencesPerEvent,
		)
	}

	out := make([]model.Interval, 0, len(days))
	for _, day := range days {
		start, end := DailyWindow(spec, day, loc)
		iv, err := model.NewInterval(spec.Polygon, poly.Index, start, end, poly.Geometry)
		if err != nil {
			return nil, false, err
		}
		out = append(out, iv)
	}
	return out, truncated, nil
}

// DailyWindow builds the [start, end] window of spec on day. All-day events
// cover 00:00:00..23:59:59 local. Timed events whose end does not follow the
// start, or that are flagged overnight, end on the following day.
func DailyWindow(spec model.RecurringEventSpec, day model.Date, loc *time.Location) (time.Time, time.Time) {
	if spec.AllDay() {
		return allDayStart.On(day, loc), allDayEnd.On(day, loc)
	}
	start := spec.StartTime.On(day, loc)
	end := spec.EndTime.On(day, loc)
	if spec.Overnight || !end.After(start) {
		end = spec.EndTime.On(day.AddDays(1), loc)
	}
	return start, end
}

// selectDays enumerates the qualifying calendar days with a rule anchored at
// local midnight of the start date. The rule is DAILY unless a Weekly event
// repeats every Nth week. ExDates are removed through an rrule.Set.
func (e *Expander) selectDays(spec model.RecurringEventSpec, loc *time.Location) ([]model.Date, bool, error) {
	if spec.EndDate.Before(spec.StartDate) {
		return nil, false, nil
	}

	opt := rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: spec.StartDate.In(loc),
		Until:   spec.EndDate.In(loc),
		// One past the cap so truncation can be detected.
		Count: e.cfg.MaxOccurrencesPerEvent + 1,
	}

	switch rep := spec.Repetition.(type) {
	case model.Once, model.Daily, nil:
		// every day in range
	case model.Specific:
		opt.Byweekday = byWeekday(rep.Weekdays, spec.StartDate)
	case model.Weekly:
		opt.Byweekday = byWeekday(rep.Weekdays, spec.StartDate)
		if spec.Every > 1 {
			opt.Freq = rrule.WEEKLY
			opt.Wkst = rrule.MO
		}
	default:
		return nil, false, fmt.Errorf("expand: unsupported repetition %T", rep)
	}
	if _, once := spec.Repetition.(model.Once); !once && spec.Every > 1 {
		opt.Interval = spec.Every
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, false, fmt.Errorf("expand: build rule for %q: %w", spec.Polygon, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range spec.ExDates {
		set.ExDate(ex.In(loc))
	}

	occ := set.All()
	truncated := false
	if len(occ) > e.cfg.MaxOccurrencesPerEvent {
		occ = occ[:e.cfg.MaxOccurrencesPerEvent]
		truncated = true
	}

	days := make([]model.Date, 0, len(occ))
	for _, t := range occ {
		days = append(days, model.DateOf(t.In(loc)))
	}
	return days, truncated, nil
}

// byWeekday maps a weekday set to rrule weekdays. An empty set falls back to
// the weekday of the start date.
func byWeekday(set []time.Weekday, start model.Date) []rrule.Weekday {
	if len(set) == 0 {
		set = []time.Weekday{start.Weekday()}
	}
	seen := make(map[time.Weekday]bool, len(set))
	out := make([]rrule.Weekday, 0, len(set))
	for _, wd := range set {
		if seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, rruleWeekday(wd))
	}
	return out
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func (e *Expander) filter(ivs []model.Interval) []model.Interval {
	if e.cfg.From.IsZero() && e.cfg.To.IsZero() {
		return ivs
	}
	out := ivs[:0:0]
	for _, iv := range ivs {
		d := model.DateOf(iv.Start)
		if !e.cfg.From.IsZero() && d.Before(e.cfg.From) {
			continue
		}
		if !e.cfg.To.IsZero() && d.After(e.cfg.To) {
			continue
		}
		out = append(out, iv)
	}
	return out
}

// SortIntervals orders intervals by polygon index, then start instant.
func SortIntervals(ivs []model.Interval) {
	sort.SliceStable(ivs, func(i, j int) bool {
		if ivs[i].PolygonIndex != ivs[j].PolygonIndex {
			return ivs[i].PolygonIndex < ivs[j].PolygonIndex
		}
		return ivs[i].Start.Before(ivs[j].Start)
	})
}
