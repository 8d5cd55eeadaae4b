package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week).
// A nil field set means "any value".
type cronSpec struct {
	minutes map[int]struct{}
	hours   map[int]struct{}
	days    map[int]struct{}
	months  map[int]struct{}
	dows    map[int]struct{}
}

// parseCron parses a five-field cron expression. Each field accepts "*",
// plain integers, ranges "a-b", steps "*/n" and "a-b/n", and comma lists of
// any of those.
func parseCron(expr string) (*cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q: want 5 fields, got %d", expr, len(fields))
	}

	spec := &cronSpec{}
	bounds := []struct {
		min, max int
		dst      *map[int]struct{}
	}{
		{0, 59, &spec.minutes},
		{0, 23, &spec.hours},
		{1, 31, &spec.days},
		{1, 12, &spec.months},
		{0, 7, &spec.dows},
	}
	for i, b := range bounds {
		set, err := parseCronField(fields[i], b.min, b.max)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: field %d: %w", expr, i+1, err)
		}
		*b.dst = set
	}

	// Day-of-week 7 is an alias for Sunday.
	if spec.dows != nil {
		if _, ok := spec.dows[7]; ok {
			delete(spec.dows, 7)
			spec.dows[0] = struct{}{}
		}
	}
	return spec, nil
}

// parseCronField returns the set of accepted values, or nil for a bare "*".
func parseCronField(field string, min, max int) (map[int]struct{}, error) {
	if field == "*" {
		return nil, nil
	}

	set := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = n
			part = part[:idx]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = n, n
		}

		if lo < min || hi > max {
			return nil, fmt.Errorf("value out of range [%d,%d] in %q", min, max, part)
		}
		for v := lo; v <= hi; v += step {
			set[v] = struct{}{}
		}
	}
	return set, nil
}

// matches reports whether the expression fires at the given minute.
func (c *cronSpec) matches(t time.Time) bool {
	return contains(c.minutes, t.Minute()) &&
		contains(c.hours, t.Hour()) &&
		contains(c.days, t.Day()) &&
		contains(c.months, int(t.Month())) &&
		contains(c.dows, int(t.Weekday()))
}

func contains(set map[int]struct{}, v int) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}
