package task

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Policy is the recurrence rule class governing when a task becomes due again.
type Policy string

const (
	PolicyOnce     Policy = "once"
	PolicyDaily    Policy = "daily"
	PolicyWeekly   Policy = "weekly"
	PolicyMonthly  Policy = "monthly"
	PolicyAdaptive Policy = "adaptive"
)

// ParsePolicy maps a user-supplied string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyOnce:
		return PolicyOnce, nil
	case PolicyDaily:
		return PolicyDaily, nil
	case PolicyWeekly:
		return PolicyWeekly, nil
	case PolicyMonthly:
		return PolicyMonthly, nil
	case PolicyAdaptive:
		return PolicyAdaptive, nil
	default:
		return "", fmt.Errorf("unknown recurrence policy %q", s)
	}
}

// Task is one unit of scheduled organization work.
//
// Which of AnchorTime/DaysOfWeek/DayOfMonth is meaningful depends on Policy;
// fields irrelevant to the current policy are kept as-is (callers may set
// them ahead of a policy switch) and are simply ignored by the calculator.
//
// Weekday indices run 0=Monday .. 6=Sunday.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	TargetPath    string     `json:"target_path"`
	Instruction   string     `json:"instruction"`
	Policy        Policy     `json:"recurrence_policy"`
	AnchorTime    time.Time  `json:"anchor_time"`
	DaysOfWeek    []int      `json:"days_of_week,omitempty"`
	DayOfMonth    int        `json:"day_of_month,omitempty"`
	ResourceLimit int        `json:"resource_limit"`
	Priority      int        `json:"priority"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	Enabled       bool       `json:"enabled"`
}

// NewID returns a fresh opaque task identifier.
func NewID() string { return uuid.NewString() }

// Validate checks the fields the current policy actually depends on.
// Irrelevant fields are never rejected.
func (t *Task) Validate() error {
	if _, err := ParsePolicy(string(t.Policy)); err != nil {
		return err
	}
	if strings.TrimSpace(t.TargetPath) == "" {
		return errors.New("target_path is required")
	}
	if t.ResourceLimit < 0 || t.ResourceLimit > 100 {
		return fmt.Errorf("resource_limit %d out of range 0-100", t.ResourceLimit)
	}
	switch t.Policy {
	case PolicyWeekly:
		for _, d := range t.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("days_of_week entry %d out of range 0-6", d)
			}
		}
	case PolicyMonthly:
		if t.DayOfMonth < 1 || t.DayOfMonth > 31 {
			return fmt.Errorf("day_of_month %d out of range 1-31", t.DayOfMonth)
		}
	}
	return nil
}

// MarkRan records a successful execution. LastRun never moves backward.
func (t *Task) MarkRan(at time.Time) {
	if t.LastRun != nil && t.LastRun.After(at) {
		return
	}
	at2 := at
	t.LastRun = &at2
}

// NextRun computes the next eligible run instant strictly after now.
//
// The second return is false when the task can never run again: disabled,
// a Once anchor already in the past, Weekly with no days configured, or a
// policy whose required fields are missing. Malformed tasks are inert, not
// errors, so one bad record cannot take down the polling loop.
//
// All arithmetic is naive local-time in now's location; no DST or zone
// conversion is attempted.
func (t *Task) NextRun(now time.Time) (time.Time, bool) {
	if !t.Enabled {
		return time.Time{}, false
	}

	switch t.Policy {
	case PolicyOnce:
		if t.AnchorTime.IsZero() || !t.AnchorTime.After(now) {
			return time.Time{}, false
		}
		return t.AnchorTime, true

	case PolicyDaily:
		if t.AnchorTime.IsZero() {
			return time.Time{}, false
		}
		next := atClock(now, t.AnchorTime)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	case PolicyWeekly:
		return t.nextWeekly(now)

	case PolicyMonthly:
		return t.nextMonthly(now)

	case PolicyAdaptive:
		// Adaptive tasks are rewritten to Daily with a frozen anchor at
		// creation time; a raw adaptive record has no computable next run.
		return time.Time{}, false
	}
	return time.Time{}, false
}

// Due reports whether the next run, as computed from asOf, has arrived by now.
//
// The calculator itself never returns an instant <= now, so due-ness is
// always judged across a window: asOf is the previous observation point
// (typically the scheduler's last poll tick) and now is the current one.
func (t *Task) Due(asOf, now time.Time) bool {
	next, ok := t.NextRun(asOf)
	return ok && !next.After(now)
}

func (t *Task) nextWeekly(now time.Time) (time.Time, bool) {
	if t.AnchorTime.IsZero() || len(t.DaysOfWeek) == 0 {
		return time.Time{}, false
	}

	days := make([]int, 0, len(t.DaysOfWeek))
	for _, d := range t.DaysOfWeek {
		if d >= 0 && d <= 6 {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return time.Time{}, false
	}
	sort.Ints(days)

	cur := mondayWeekday(now)

	// Soonest configured weekday at or after today; today only counts while
	// the anchor time of day is still ahead, otherwise that day slips a week.
	var next time.Time
	for _, d := range days {
		ahead := (d - cur + 7) % 7
		cand := atClock(now.AddDate(0, 0, ahead), t.AnchorTime)
		if !cand.After(now) {
			cand = cand.AddDate(0, 0, 7)
		}
		if next.IsZero() || cand.Before(next) {
			next = cand
		}
	}
	return next, true
}

func (t *Task) nextMonthly(now time.Time) (time.Time, bool) {
	if t.AnchorTime.IsZero() || t.DayOfMonth < 1 || t.DayOfMonth > 31 {
		return time.Time{}, false
	}

	next := monthlyInstant(now.Year(), now.Month(), t.DayOfMonth, t.AnchorTime, now.Location())
	if !next.After(now) {
		y, m := now.Year(), now.Month()
		if m == time.December {
			y, m = y+1, time.January
		} else {
			m++
		}
		next = monthlyInstant(y, m, t.DayOfMonth, t.AnchorTime, now.Location())
	}
	return next, true
}

// monthlyInstant builds day-of-month in the given month, clamping days that
// don't exist (e.g. 31 in February) to the month's last calendar day.
func monthlyInstant(year int, month time.Month, day int, anchor time.Time, loc *time.Location) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// atClock combines day's calendar date with anchor's time of day.
func atClock(day, anchor time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, day.Location())
}

// mondayWeekday converts Go's Sunday-based weekday to the 0=Monday..6=Sunday
// convention used by DaysOfWeek.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
