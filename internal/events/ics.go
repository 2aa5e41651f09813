package events

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "areasched/internal/log"
	"areasched/internal/model"
)

// ParseICS reads VEVENTs from an iCalendar payload and maps each one onto a
// RecurringEventSpec:
//
//   - LOCATION names the polygon (SUMMARY is used when LOCATION is empty).
//   - DTSTART/DTEND give the first day and the daily window. DATE-valued
//     starts are all-day.
//   - RRULE FREQ=DAILY becomes Daily, FREQ=WEEKLY becomes Weekly with its
//     BYDAY list. INTERVAL sets the stride, UNTIL (or COUNT) bounds the end
//     date and EXDATE removes days. No RRULE means Once.
//
// Events that cannot be mapped are logged and skipped. That includes rules
// using BYMONTH, BYMONTHDAY, BYSETPOS and the other parts expansion does not
// model, so no window is queried that the calendar never named.
func ParseICS(body []byte, defaultLoc *time.Location) ([]model.RecurringEventSpec, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	specs := make([]model.RecurringEventSpec, 0)
	for _, ve := range cal.Events() {
		spec, perr := parseVEvent(ve, defaultLoc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent skipped", perr, "uid", propValue(ve, ical.ComponentPropertyUniqueId))
			continue
		}
		specs = append(specs, spec)
	}

	appLog.Info("ics parse completed", "event_count", len(specs))
	return specs, nil
}

func parseVEvent(ve *ical.VEvent, defaultLoc *time.Location) (model.RecurringEventSpec, error) {
	var spec model.RecurringEventSpec

	spec.Polygon = strings.TrimSpace(propValue(ve, ical.ComponentPropertyLocation))
	if spec.Polygon == "" {
		spec.Polygon = strings.TrimSpace(propValue(ve, ical.ComponentPropertySummary))
	}
	if spec.Polygon == "" {
		return spec, errors.New("missing LOCATION and SUMMARY")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return spec, errors.New("missing DTSTART")
	}
	allDay := isDateValue(dtStart)

	loc := defaultLoc
	if tzid := param(dtStart, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	spec.Location = loc

	var start, end time.Time
	var err error
	if allDay {
		start, err = ve.GetAllDayStartAt()
		if err != nil {
			return spec, fmt.Errorf("DTSTART: %w", err)
		}
		end, err = ve.GetAllDayEndAt()
		if err != nil {
			// DTEND is optional for all-day events: one day.
			end = start.AddDate(0, 0, 1)
		}
	} else {
		start, err = ve.GetStartAt()
		if err != nil {
			return spec, fmt.Errorf("DTSTART: %w", err)
		}
		start = start.In(loc)
		end, err = ve.GetEndAt()
		if err != nil {
			end = start
		}
		end = end.In(loc)
	}

	spec.StartDate = model.DateOf(start)
	spec.EndDate = spec.StartDate
	spec.Repetition = model.Once{}

	if allDay {
		// DTEND of an all-day event is exclusive.
		last := model.DateOf(end).AddDays(-1)
		if last.After(spec.StartDate) {
			spec.EndDate = last
		}
	} else {
		st := clockOf(start)
		en := clockOf(end)
		spec.StartTime = &st
		spec.EndTime = &en
		spec.Overnight = model.DateOf(end).After(spec.StartDate)
	}

	raw := propValue(ve, ical.ComponentPropertyRrule)
	if raw == "" {
		return spec, nil
	}
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return spec, fmt.Errorf("RRULE %q: %w", raw, err)
	}

	if part := unsupportedRulePart(opt); part != "" {
		return spec, fmt.Errorf("RRULE %q: %s is not supported", raw, part)
	}

	weekdays := make([]time.Weekday, 0, len(opt.Byweekday))
	for _, wd := range opt.Byweekday {
		if wd.N() != 0 {
			return spec, fmt.Errorf("RRULE %q: ordinal BYDAY is not supported", raw)
		}
		weekdays = append(weekdays, time.Weekday((wd.Day()+1)%7))
	}

	switch opt.Freq {
	case rrule.DAILY:
		spec.Repetition = model.Daily{}
		if len(weekdays) > 0 {
			spec.Repetition = model.Specific{Weekdays: weekdays}
		}
	case rrule.WEEKLY:
		spec.Repetition = model.Weekly{Weekdays: weekdays}
	default:
		return spec, fmt.Errorf("RRULE %q: only DAILY and WEEKLY are supported", raw)
	}

	if opt.Interval > 1 {
		spec.Every = opt.Interval
	}
	spec.ExDates, err = exDates(ve, loc)
	if err != nil {
		return spec, err
	}

	switch {
	case !opt.Until.IsZero() && untilIsDate(raw):
		spec.EndDate = model.DateOf(opt.Until)
	case !opt.Until.IsZero():
		spec.EndDate = model.DateOf(opt.Until.In(loc))
	case opt.Count > 0:
		spec.EndDate = countEnd(spec.StartDate, opt.Freq, opt.Count, len(weekdays), spec.Every)
	default:
		appLog.Warn("ics rrule without UNTIL or COUNT, expanding first day only", "polygon", spec.Polygon)
	}
	return spec, nil
}

// untilIsDate reports whether the rule's UNTIL is DATE-valued, in which
// case rrule parses it as UTC midnight and it must not be shifted into loc.
func untilIsDate(raw string) bool {
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "UNTIL") {
			return !strings.Contains(v, "T")
		}
	}
	return false
}

// countEnd estimates the last day covered by a COUNT-bounded rule repeating
// every `every` days or weeks. EXDATEs still count toward COUNT, so
// excluded days do not extend the range.
func countEnd(start model.Date, freq rrule.Frequency, count, perWeek, every int) model.Date {
	if every < 1 {
		every = 1
	}
	if freq == rrule.DAILY && perWeek == 0 {
		return start.AddDays((count - 1) * every)
	}
	if perWeek == 0 {
		perWeek = 1
	}
	weeks := (count + perWeek - 1) / perWeek
	return start.AddDays(((weeks-1)*every+1)*7 - 1)
}

// unsupportedRulePart names the first rule part the expander cannot honor,
// or returns "".
func unsupportedRulePart(opt *rrule.ROption) string {
	switch {
	case len(opt.Bymonth) > 0:
		return "BYMONTH"
	case len(opt.Bymonthday) > 0:
		return "BYMONTHDAY"
	case len(opt.Bysetpos) > 0:
		return "BYSETPOS"
	case len(opt.Byyearday) > 0:
		return "BYYEARDAY"
	case len(opt.Byweekno) > 0:
		return "BYWEEKNO"
	case len(opt.Byhour) > 0:
		return "BYHOUR"
	case len(opt.Byminute) > 0:
		return "BYMINUTE"
	case len(opt.Bysecond) > 0:
		return "BYSECOND"
	case len(opt.Byeaster) > 0:
		return "BYEASTER"
	}
	return ""
}

// exDates collects EXDATE values (the property may repeat and hold a comma
// list) as calendar days in loc. An unreadable value fails the event rather
// than dropping the exclusion.
func exDates(ve *ical.VEvent, loc *time.Location) ([]model.Date, error) {
	var out []model.Date
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzLoc := loc
		if tzid := param(p, "TZID"); tzid != "" {
			l, err := time.LoadLocation(tzid)
			if err != nil {
				return nil, fmt.Errorf("EXDATE TZID %q: %w", tzid, err)
			}
			tzLoc = l
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, tzLoc)
			if err != nil {
				return nil, fmt.Errorf("EXDATE %q: %w", part, err)
			}
			out = append(out, model.DateOf(t.In(loc)))
		}
	}
	return out, nil
}

// parseICSTime reads DATE, UTC DATE-TIME and local DATE-TIME values. DATE
// values are returned at midnight in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case !strings.Contains(v, "T"):
		return time.ParseInLocation("20060102", v, loc)
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	default:
		return time.ParseInLocation("20060102T150405", v, loc)
	}
}

func clockOf(t time.Time) model.Clock {
	h, m, s := t.Clock()
	return model.Clock{Hour: h, Minute: m, Second: s}
}

// isDateValue reports whether a DTSTART is DATE-valued (VALUE=DATE or no
// time component).
func isDateValue(p *ical.IANAProperty) bool {
	if strings.EqualFold(param(p, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}
