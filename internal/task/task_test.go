package task

import (
	"testing"
	"time"
)

// 2025-01-06 is a Monday, so Jan 7 = Tuesday, Jan 8 = Wednesday.
func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.Local)
}

func anchorClock(hh, mm int) time.Time {
	return date(2024, time.December, 1, hh, mm)
}

func TestNextRunOnce(t *testing.T) {
	t.Parallel()
	now := date(2025, time.January, 7, 12, 0)

	future := Task{Policy: PolicyOnce, Enabled: true, AnchorTime: now.Add(2 * time.Hour)}
	next, ok := future.NextRun(now)
	if !ok || !next.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("NextRun = %v ok=%v, want anchor", next, ok)
	}

	past := Task{Policy: PolicyOnce, Enabled: true, AnchorTime: now.Add(-time.Hour)}
	if _, ok := past.NextRun(now); ok {
		t.Fatal("past once task should never run again")
	}
	if past.Due(now, now) {
		t.Fatal("past once task should not be due")
	}
}

func TestNextRunDaily(t *testing.T) {
	t.Parallel()
	task := Task{Policy: PolicyDaily, Enabled: true, AnchorTime: anchorClock(9, 30)}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before anchor", date(2025, time.January, 7, 8, 0), date(2025, time.January, 7, 9, 30)},
		{"after anchor", date(2025, time.January, 7, 10, 0), date(2025, time.January, 8, 9, 30)},
		{"exactly at anchor", date(2025, time.January, 7, 9, 30), date(2025, time.January, 8, 9, 30)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			next, ok := task.NextRun(tt.now)
			if !ok {
				t.Fatal("expected a next run")
			}
			if !next.Equal(tt.want) {
				t.Fatalf("NextRun = %v, want %v", next, tt.want)
			}
			if !next.After(tt.now) {
				t.Fatalf("NextRun %v not strictly after now %v", next, tt.now)
			}
		})
	}
}

func TestNextRunDeterministic(t *testing.T) {
	t.Parallel()
	task := Task{Policy: PolicyDaily, Enabled: true, AnchorTime: anchorClock(3, 15)}
	now := date(2025, time.March, 3, 4, 0)

	a, okA := task.NextRun(now)
	b, okB := task.NextRun(now)
	if okA != okB || !a.Equal(b) {
		t.Fatalf("NextRun not deterministic: %v/%v vs %v/%v", a, okA, b, okB)
	}
}

func TestNextRunWeekly(t *testing.T) {
	t.Parallel()
	// Wednesday only, 09:00.
	task := Task{Policy: PolicyWeekly, Enabled: true, AnchorTime: anchorClock(9, 0), DaysOfWeek: []int{2}}

	// Tuesday 08:00 -> same week's Wednesday 09:00.
	next, ok := task.NextRun(date(2025, time.January, 7, 8, 0))
	if !ok || !next.Equal(date(2025, time.January, 8, 9, 0)) {
		t.Fatalf("NextRun = %v ok=%v, want Wed Jan 8 09:00", next, ok)
	}

	// Wednesday 08:00 (anchor still ahead) -> that same day at 09:00.
	next, ok = task.NextRun(date(2025, time.January, 8, 8, 0))
	if !ok || !next.Equal(date(2025, time.January, 8, 9, 0)) {
		t.Fatalf("NextRun = %v ok=%v, want Wed Jan 8 09:00", next, ok)
	}

	// Wednesday 10:00 (anchor passed) -> following Wednesday 09:00.
	next, ok = task.NextRun(date(2025, time.January, 8, 10, 0))
	if !ok || !next.Equal(date(2025, time.January, 15, 9, 0)) {
		t.Fatalf("NextRun = %v ok=%v, want Wed Jan 15 09:00", next, ok)
	}
}

func TestNextRunWeeklyMultiDay(t *testing.T) {
	t.Parallel()
	// Monday and Friday.
	task := Task{Policy: PolicyWeekly, Enabled: true, AnchorTime: anchorClock(7, 0), DaysOfWeek: []int{4, 0}}

	// Tuesday -> this week's Friday.
	next, ok := task.NextRun(date(2025, time.January, 7, 12, 0))
	if !ok || !next.Equal(date(2025, time.January, 10, 7, 0)) {
		t.Fatalf("NextRun = %v ok=%v, want Fri Jan 10 07:00", next, ok)
	}

	// Saturday -> wrap to next Monday.
	next, ok = task.NextRun(date(2025, time.January, 11, 12, 0))
	if !ok || !next.Equal(date(2025, time.January, 13, 7, 0)) {
		t.Fatalf("NextRun = %v ok=%v, want Mon Jan 13 07:00", next, ok)
	}
}

func TestNextRunWeeklyNoDays(t *testing.T) {
	t.Parallel()
	task := Task{Policy: PolicyWeekly, Enabled: true, AnchorTime: anchorClock(9, 0)}
	if _, ok := task.NextRun(date(2025, time.January, 7, 8, 0)); ok {
		t.Fatal("weekly task without days should never be due")
	}
}

func TestNextRunMonthlyClamps(t *testing.T) {
	t.Parallel()
	task := Task{Policy: PolicyMonthly, Enabled: true, AnchorTime: anchorClock(4, 0), DayOfMonth: 31}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"february clamps to 28", date(2025, time.February, 1, 0, 0), date(2025, time.February, 28, 4, 0)},
		{"leap february clamps to 29", date(2024, time.February, 1, 0, 0), date(2024, time.February, 29, 4, 0)},
		{"april clamps to 30", date(2025, time.April, 1, 0, 0), date(2025, time.April, 30, 4, 0)},
		{"rolls into clamped next month", date(2025, time.January, 31, 5, 0), date(2025, time.February, 28, 4, 0)},
		{"december rolls into january", date(2025, time.December, 31, 5, 0), date(2026, time.January, 31, 4, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			next, ok := task.NextRun(tt.now)
			if !ok {
				t.Fatal("expected a next run")
			}
			if !next.Equal(tt.want) {
				t.Fatalf("NextRun = %v, want %v", next, tt.want)
			}
		})
	}
}

func TestDisabledNeverDue(t *testing.T) {
	t.Parallel()
	task := Task{Policy: PolicyDaily, AnchorTime: anchorClock(9, 0), Enabled: false}

	for _, now := range []time.Time{
		date(2025, time.January, 7, 8, 59),
		date(2025, time.January, 7, 9, 0),
		date(2025, time.January, 7, 9, 1),
	} {
		if _, ok := task.NextRun(now); ok {
			t.Fatalf("disabled task has a next run at %v", now)
		}
		if task.Due(now.Add(-time.Minute), now) {
			t.Fatalf("disabled task due at %v", now)
		}
	}
}

func TestDueAcrossPollWindow(t *testing.T) {
	t.Parallel()
	task := Task{Policy: PolicyDaily, Enabled: true, AnchorTime: anchorClock(9, 0)}

	prev := date(2025, time.January, 7, 8, 59)
	now := date(2025, time.January, 7, 9, 0)
	if !task.Due(prev, now) {
		t.Fatal("task should come due when the anchor passes between ticks")
	}
	if task.Due(now, now.Add(time.Second)) {
		t.Fatal("task already past its anchor should wait for tomorrow")
	}
}

func TestMarkRanMonotonic(t *testing.T) {
	t.Parallel()
	var task Task
	later := date(2025, time.January, 7, 10, 0)
	earlier := later.Add(-time.Hour)

	task.MarkRan(later)
	task.MarkRan(earlier)
	if task.LastRun == nil || !task.LastRun.Equal(later) {
		t.Fatalf("LastRun = %v, want %v", task.LastRun, later)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := Task{Policy: PolicyDaily, TargetPath: "/tmp/in", ResourceLimit: 50}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	bad := base
	bad.Policy = "hourly"
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown policy accepted")
	}

	bad = base
	bad.ResourceLimit = 120
	if err := bad.Validate(); err == nil {
		t.Fatal("resource limit out of range accepted")
	}

	bad = base
	bad.Policy = PolicyMonthly
	bad.DayOfMonth = 32
	if err := bad.Validate(); err == nil {
		t.Fatal("day_of_month out of range accepted")
	}

	// Fields irrelevant to the active policy are never rejected.
	ok := base
	ok.DayOfMonth = 31
	ok.DaysOfWeek = []int{0, 6}
	if err := ok.Validate(); err != nil {
		t.Fatalf("irrelevant fields rejected: %v", err)
	}
}
