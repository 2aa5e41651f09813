package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/paulmach/orb"
)

// Date is a calendar day without a time zone. Event sources describe their
// timeframes in civil dates; the expander resolves them in the event's zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Weekday returns the day of week of d.
func (d Date) Weekday() time.Weekday {
	return d.In(time.UTC).Weekday()
}

func (d Date) Before(o Date) bool {
	return d.In(time.UTC).Before(o.In(time.UTC))
}

func (d Date) After(o Date) bool {
	return o.Before(d)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Clock is a local time-of-day.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// On combines the clock with a calendar day in loc.
func (c Clock) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Repetition is the closed set of recurrence modes an event can carry:
// Once, Daily, Specific and Weekly.
type Repetition interface {
	repetition()
	String() string
}

type Once struct{}

type Daily struct{}

// Specific repeats on the listed weekdays.
type Specific struct {
	Weekdays []time.Weekday
}

// Weekly repeats on the listed weekdays. It expands exactly like Specific;
// event sources fill it from a different field.
type Weekly struct {
	Weekdays []time.Weekday
}

func (Once) repetition()     {}
func (Daily) repetition()    {}
func (Specific) repetition() {}
func (Weekly) repetition()   {}

func (Once) String() string     { return "Once" }
func (Daily) String() string    { return "Daily" }
func (Specific) String() string { return "Specific" }
func (Weekly) String() string   { return "Weekly" }

// RecurringEventSpec is one parsed row of the event source.
type RecurringEventSpec struct {
	Polygon    string
	StartDate  Date
	EndDate    Date
	Repetition Repetition
	Location   *time.Location

	// StartTime / EndTime are nil for all-day events.
	StartTime *Clock
	EndTime   *Clock

	Overnight bool

	// Every is the recurrence stride: every Nth day for Daily, every Nth
	// week for Weekly. Zero and one both mean every period.
	Every int
	// ExDates are days removed from the recurrence.
	ExDates []Date
}

// AllDay reports whether the event has no explicit daily window.
func (s RecurringEventSpec) AllDay() bool {
	return s.StartTime == nil || s.EndTime == nil
}

// Geometry is a polygon's shape plus the GeoJSON object sent to the API.
type Geometry struct {
	Shape orb.Geometry
	// Raw is the feature's geometry object as it appeared in the registry
	// file, byte for byte. Shape is the 2D decode of the same object.
	Raw []byte
}

var ErrEmptyWindow = errors.New("interval end must be after start")

// Interval is a concrete, timezone-resolved query window bound to a polygon.
// Values are created through NewInterval and never modified afterwards.
type Interval struct {
	Polygon      string
	PolygonIndex int
	Start        time.Time
	End          time.Time
	Geometry     *Geometry
}

// NewInterval builds an Interval, rejecting windows where end does not
// strictly follow start.
func NewInterval(polygon string, index int, start, end time.Time, geom *Geometry) (Interval, error) {
	if !end.After(start) {
		return Interval{}, fmt.Errorf("%w: %s %s..%s", ErrEmptyWindow, polygon, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{
		Polygon:      polygon,
		PolygonIndex: index,
		Start:        start,
		End:          end,
		Geometry:     geom,
	}, nil
}

// WithWindow returns a new interval for the same polygon and geometry.
func (iv Interval) WithWindow(start, end time.Time) (Interval, error) {
	return NewInterval(iv.Polygon, iv.PolygonIndex, start, end, iv.Geometry)
}

// DaySpan is the inclusive number of local calendar days the interval touches.
func (iv Interval) DaySpan() int {
	s := DateOf(iv.Start).In(time.UTC)
	e := DateOf(iv.End).In(time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}

// DeviceSet is a set of opaque device identifiers.
type DeviceSet map[string]struct{}

func NewDeviceSet(ids ...string) DeviceSet {
	s := make(DeviceSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s DeviceSet) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

func (s DeviceSet) Len() int { return len(s) }

// Sorted returns the identifiers in ascending order.
func (s DeviceSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Union returns a new set holding the members of s and o.
func (s DeviceSet) Union(o DeviceSet) DeviceSet {
	out := make(DeviceSet, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// QueryResult is one leaf call's raw payload and the devices found in it.
type QueryResult struct {
	Status  int
	Raw     []byte
	Devices DeviceSet
}

// SummaryRecord is the per top-level interval device count.
type SummaryRecord struct {
	Polygon       string
	Start         time.Time
	End           time.Time
	UniqueDevices int
}

// ErrorRecord describes one failed query window.
type ErrorRecord struct {
	Polygon string
	Start   time.Time
	End     time.Time
	// Status is the HTTP status code, 0 for transport failures and worker errors.
	Status  int
	Message string
}
