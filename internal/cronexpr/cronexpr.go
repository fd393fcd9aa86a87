// Package cronexpr evaluates cron recurrence expressions.
//
// Expressions have five fields (minute hour day-of-month month day-of-week) or
// six with a leading seconds field. Descriptors such as @hourly and a CRON_TZ=
// prefix are accepted; fixed-interval @every expressions are not, since they
// do not describe calendar instants.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronflow/internal/domain"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validationEpoch is the fixed reference used by Validate so validation is
// independent of the wall clock.
var validationEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Parse parses expr into a schedule.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", domain.ErrInvalidExpression)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidExpression, err)
	}
	if _, ok := sched.(*cron.SpecSchedule); !ok {
		return nil, fmt.Errorf("%w: %q is not a calendar expression", domain.ErrInvalidExpression, expr)
	}
	return sched, nil
}

// NextOccurrence returns the earliest instant strictly after `after` that
// satisfies expr, in UTC. When both day-of-month and day-of-week are
// restricted, matching either one is enough.
//
// The search is bounded to five years; expressions that never match within it
// (for example February 30th) fail with domain.ErrUnreachableSchedule.
func NextOccurrence(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return next(sched, expr, after)
}

func next(sched cron.Schedule, expr string, after time.Time) (time.Time, error) {
	n := sched.Next(after.UTC())
	if n.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", domain.ErrUnreachableSchedule, expr)
	}
	return n.UTC(), nil
}

// Validate checks that expr parses and fires at least once.
func Validate(expr string) error {
	_, err := NextOccurrence(expr, validationEpoch)
	return err
}

// Preview returns up to n consecutive occurrences after `after`.
func Preview(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := after
	for range n {
		t, err = next(sched, expr, t)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
