package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxCronScanYears bounds the forward search; an expression with no match
// inside the window (e.g. February 31st) is treated as "never" by the caller.
// Five years covers every leap-day expression.
const maxCronScanYears = 5

// cronField matches one field of a 5-field cron expression
type cronField struct {
	any    bool
	values map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.any || f.values[v]
}

// cronExpr is a parsed 5-field cron expression:
// minute, hour, day-of-month, month, day-of-week (1=Monday .. 7=Sunday)
type cronExpr struct {
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField
}

// ParseCron parses a 5-field cron expression
func ParseCron(expr string) (*cronExpr, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	bounds := []struct{ min, max int }{
		{0, 59}, // minute
		{0, 23}, // hour
		{1, 31}, // day of month
		{1, 12}, // month
		{1, 7},  // day of week, 1=Monday
	}

	parsed := make([]cronField, 5)
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i].min, bounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("field %d (%q): %w", i+1, f, err)
		}
		parsed[i] = cf
	}

	return &cronExpr{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}

func parseCronField(field string, min, max int) (cronField, error) {
	if field == "*" {
		return cronField{any: true}, nil
	}

	values := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return cronField{}, fmt.Errorf("empty list element")
		}

		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			stepStr := part[idx+1:]
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
			part = part[:idx]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range with step
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max || lo > hi {
			return cronField{}, fmt.Errorf("value out of range [%d,%d]: %q", min, max, part)
		}
		for v := lo; v <= hi; v += step {
			values[v] = true
		}
	}

	if len(values) == 0 {
		return cronField{}, fmt.Errorf("no values")
	}
	return cronField{values: values}, nil
}

// matchesDay reports whether the date part (month, day-of-month,
// day-of-week) of the expression matches a given instant
func (e *cronExpr) matchesDay(t time.Time) bool {
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7 // normalize Sunday to 7
	}
	return e.month.matches(int(t.Month())) &&
		e.dom.matches(t.Day()) &&
		e.dow.matches(dow)
}

// NextDate returns the first instant strictly after "after" matching the
// expression. ok=false means no match inside the scan window ("never"
// to the caller).
func NextDate(expr string, after time.Time) (time.Time, bool) {
	parsed, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.next(after)
}

// next walks forward from "after", skipping non-matching days and hours
// wholesale so fixed-time daily and weekday expressions resolve without
// a minute-by-minute crawl across the gap.
func (e *cronExpr) next(after time.Time) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(maxCronScanYears, 0, 0)
	for t.Before(limit) {
		if !e.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !e.hour.matches(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if e.minute.matches(t.Minute()) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}
