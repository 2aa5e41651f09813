package events

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	appLog "areasched/internal/log"
	"areasched/internal/model"
)

// CSV column headers, as exported by the event planning sheet.
const (
	colPolygon    = "Polygon Exact Name"
	colStart      = "Timeframe Start"
	colEnd        = "Timeframe End"
	colRepetition = "Time Repitition Frame"
	colDays       = "Specific Day"
	colTimezone   = "TimeZone"
	colStartTime  = "Start Time (empty= All Day)"
	colEndTime    = "End Time (empty= All Day)"
	colOvernight  = "OverNight Timelap"
)

var (
	dateLayouts = []string{"01/02/2006", "2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	timeLayouts = []string{"15:04:05", "15:04", "3:04 PM", "03:04 PM"}
)

var weekdayNames = map[string]time.Weekday{
	"monday": time.Monday, "mondays": time.Monday,
	"tuesday": time.Tuesday, "tuesdays": time.Tuesday,
	"wednesday": time.Wednesday, "wednesdays": time.Wednesday,
	"thursday": time.Thursday, "thursdays": time.Thursday,
	"friday": time.Friday, "fridays": time.Friday,
	"saturday": time.Saturday, "saturdays": time.Saturday,
	"sunday": time.Sunday, "sundays": time.Sunday,
}

// ParseCSV reads event rows. Rows without a polygon name or a parsable
// start date are skipped; other malformed cells fall back to defaults
// (end date = start date, repetition = Once, zone = UTC).
func ParseCSV(r io.Reader) ([]model.RecurringEventSpec, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	specs := make([]model.RecurringEventSpec, 0)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return rec[i]
		}

		spec, ok := parseRow(get)
		if !ok {
			appLog.Debug("csv row skipped", "line", line)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseRow(get func(string) string) (model.RecurringEventSpec, bool) {
	var spec model.RecurringEventSpec

	spec.Polygon = strings.TrimSpace(get(colPolygon))
	if spec.Polygon == "" {
		return spec, false
	}
	start, ok := ParseDate(get(colStart))
	if !ok {
		return spec, false
	}
	end, ok := ParseDate(get(colEnd))
	if !ok {
		end = start
	}
	spec.StartDate = start
	spec.EndDate = end

	spec.Repetition = ParseRepetition(get(colRepetition), ParseWeekdays(get(colDays)))
	spec.Location = ParseLocation(get(colTimezone))

	st, stOK := ParseClock(get(colStartTime))
	en, enOK := ParseClock(get(colEndTime))
	if stOK {
		spec.StartTime = &st
	}
	if enOK {
		spec.EndTime = &en
	}
	spec.Overnight = parseBool(get(colOvernight))
	return spec, true
}

func emptyLike(v string) bool {
	s := strings.TrimSpace(v)
	if s == "" {
		return true
	}
	switch strings.ToLower(s) {
	case "nan", "nat", "none":
		return true
	}
	return false
}

// ParseDate accepts US (01/02/2006) and ISO dates.
func ParseDate(v string) (model.Date, bool) {
	if emptyLike(v) {
		return model.Date{}, false
	}
	s := strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.DateOf(t), true
		}
	}
	return model.Date{}, false
}

// ParseClock accepts 24h (15:04[:05]) and 12h (3:04 PM) times.
func ParseClock(v string) (model.Clock, bool) {
	if emptyLike(v) {
		return model.Clock{}, false
	}
	s := strings.ToUpper(strings.TrimSpace(v))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			h, m, sec := t.Clock()
			return model.Clock{Hour: h, Minute: m, Second: sec}, true
		}
	}
	return model.Clock{}, false
}

// ParseWeekdays reads a comma or newline separated list of weekday names.
// Unknown names are ignored; the result is sorted and de-duplicated.
func ParseWeekdays(v string) []time.Weekday {
	if emptyLike(v) {
		return nil
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	seen := make(map[time.Weekday]bool)
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(p))]
		if !ok || seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, wd)
	}
	sort.Slice(out, func(i, j int) bool { return mondayFirst(out[i]) < mondayFirst(out[j]) })
	return out
}

func mondayFirst(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// ParseRepetition maps the free-text repetition column onto the closed
// variant. Unrecognised values mean Once.
func ParseRepetition(v string, weekdays []time.Weekday) model.Repetition {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "daily":
		return model.Daily{}
	case "specific", "specific day", "specific days":
		return model.Specific{Weekdays: weekdays}
	case "weekly", "week":
		return model.Weekly{Weekdays: weekdays}
	default:
		return model.Once{}
	}
}

// ParseLocation loads an IANA zone, defaulting to UTC.
func ParseLocation(v string) *time.Location {
	name := strings.TrimSpace(v)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("unknown timezone, using UTC", "timezone", name)
		return time.UTC
	}
	return loc
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "y", "1":
		return true
	}
	return false
}
