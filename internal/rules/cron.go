// Package rules implements the rule engine's building blocks: the cron
// expression evaluator, link rows, the task-option grammar, and the
// planner that turns a target value plus options into scheduled updates.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadCron is wrapped by every cron parse failure. Callers disable the
// owning timer row when they see it.
var ErrBadCron = errors.New("invalid cron expression")

type cronField struct {
	min, max int
	valid    map[int]bool
}

// Expression is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week).
type Expression struct {
	raw    string
	fields [5]cronField
}

var fieldExtremes = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{1, 7},  // day of week, Sunday = 7
}

// ParseCron parses a 5-field expression. Each field is a comma list of
// sub-expressions RANGE[/STEP] where RANGE is "*", a number, or "a-b".
// Named months and weekdays are not accepted.
func ParseCron(raw string) (*Expression, error) {
	parts := strings.Fields(raw)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrBadCron, len(parts))
	}
	e := &Expression{raw: raw}
	for i, part := range parts {
		f := cronField{min: fieldExtremes[i][0], max: fieldExtremes[i][1], valid: make(map[int]bool)}
		for _, sub := range strings.Split(part, ",") {
			if err := f.addSub(sub); err != nil {
				return nil, err
			}
		}
		if len(f.valid) == 0 {
			return nil, fmt.Errorf("%w: field %d matches nothing", ErrBadCron, i+1)
		}
		e.fields[i] = f
	}
	return e, nil
}

func (f *cronField) addSub(sub string) error {
	if sub == "" {
		return fmt.Errorf("%w: empty sub-expression", ErrBadCron)
	}
	spec, step := sub, 1
	stepped := false
	if slash := strings.IndexByte(sub, '/'); slash >= 0 {
		spec = sub[:slash]
		n, err := strconv.Atoi(sub[slash+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: bad step in %q", ErrBadCron, sub)
		}
		step = n
		stepped = true
	}

	lo, hi := f.min, f.max
	switch {
	case spec == "*":
		// full range
	case strings.ContainsRune(spec, '-'):
		bounds := strings.SplitN(spec, "-", 2)
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil || a > b {
			return fmt.Errorf("%w: bad range %q", ErrBadCron, spec)
		}
		lo, hi = a, b
	default:
		n, err := strconv.Atoi(spec)
		if err != nil {
			return fmt.Errorf("%w: bad value %q", ErrBadCron, spec)
		}
		lo, hi = n, n
		if stepped {
			// "a/n" runs from a to the field maximum, like "a-max/n".
			hi = f.max
		}
	}

	if lo < f.min || hi > f.max {
		return fmt.Errorf("%w: %q outside %d-%d", ErrBadCron, spec, f.min, f.max)
	}
	for v := lo; v <= hi; v += step {
		f.valid[v] = true
	}
	return nil
}

// String returns the original expression text.
func (e *Expression) String() string { return e.raw }

// Matches reports whether the expression fires at the given local time.
func (e *Expression) Matches(t time.Time) bool {
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7 // Sunday
	}
	values := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), dow}
	for i, v := range values {
		if !e.fields[i].valid[v] {
			return false
		}
	}
	return true
}
