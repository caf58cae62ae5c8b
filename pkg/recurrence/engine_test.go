package recurrence

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func TestValidateCronFieldCounts(t *testing.T) {
	cases := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 */5 * * * *", false},
		{"* * * *", true},
		{"* * * * * * *", true},
		{"not a cron", true},
	}
	for _, tc := range cases {
		spec := &Spec{Cron: &CronInterval{Expression: tc.expr}}
		err := spec.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("Validate(%q) = nil, want error", tc.expr)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("Validate(%q) = %v, want nil", tc.expr, err)
		}
		if tc.wantErr && err != nil && !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("Validate(%q) error %v is not ErrInvalidSpec", tc.expr, err)
		}
	}
}

func TestValidateIntervals(t *testing.T) {
	cases := []struct {
		name    string
		spec    *Spec
		wantErr bool
	}{
		{"zero seconds", &Spec{Second: &SecondInterval{Interval: 0}}, true},
		{"one second", &Spec{Second: &SecondInterval{Interval: 1}}, false},
		{"zero days no constraint", &Spec{Day: &DayInterval{Interval: 0}}, true},
		{"zero days with weekdays", &Spec{Day: &DayInterval{Interval: 0, OnDays: []time.Weekday{time.Monday}}}, false},
		{"two cadences", &Spec{Second: &SecondInterval{Interval: 1}, Minute: &MinuteInterval{Interval: 1}}, true},
		{"no cadence", &Spec{RunNow: true}, true},
		{"hour out of range", &Spec{Hour: &HourInterval{Interval: 1, OnHours: []int{24}}}, true},
		{"month day out of range", &Spec{Month: &MonthInterval{Interval: 1, OnDay: intPtr(32)}}, true},
		{"two triggers", &Spec{Second: &SecondInterval{Interval: 1}, RunNow: true, InitialDelay: durPtr(time.Second)}, true},
		{"negative max runs", &Spec{Second: &SecondInterval{Interval: 1}, MaxRuns: intPtr(-1)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestNextRunRunNowThenMinutes(t *testing.T) {
	spec := &Spec{RunNow: true, Minute: &MinuteInterval{Interval: 1}}
	now := time.Date(2026, time.March, 2, 10, 0, 29, 500_000_000, time.UTC)

	first, ok := spec.NextRun(now, 0)
	if !ok {
		t.Fatal("NextRun returned no first run")
	}
	if !first.Equal(now) {
		t.Errorf("first run = %v, want %v (RunNow)", first, now)
	}

	second, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no second run")
	}
	want := now.Add(time.Minute)
	if !second.Equal(want) {
		t.Errorf("second run = %v, want %v (cadence from current, not minute boundary)", second, want)
	}
}

func TestNextRunThirtySecondGap(t *testing.T) {
	// A RunNow first instant within 30s of the cadence instant collapses
	// into the cadence instant to avoid double firing.
	spec := &Spec{RunNow: true, Second: &SecondInterval{Interval: 10}}
	now := date(2026, time.March, 2, 10, 0, 0)

	first, ok := spec.NextRun(now, 0)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	want := now.Add(10 * time.Second)
	if !first.Equal(want) {
		t.Errorf("first run = %v, want cadence instant %v", first, want)
	}
}

func TestNextRunInitialDelay(t *testing.T) {
	spec := &Spec{InitialDelay: durPtr(500 * time.Millisecond), Minute: &MinuteInterval{Interval: 5}}
	now := date(2026, time.March, 2, 10, 0, 0)

	first, ok := spec.NextRun(now, 0)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := now.Add(500 * time.Millisecond); !first.Equal(want) {
		t.Errorf("first run = %v, want %v", first, want)
	}
}

func TestNextRunFutureSpecificTimeFallsToCadence(t *testing.T) {
	// Initial instants beyond the one second window are handled by the
	// dispatcher's execution time; the engine emits the cadence instant.
	at := date(2026, time.March, 3, 12, 0, 0)
	spec := &Spec{SpecificRunTime: &at, Hour: &HourInterval{Interval: 2}}
	now := date(2026, time.March, 2, 10, 0, 0)

	first, ok := spec.NextRun(now, 0)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := now.Add(2 * time.Hour); !first.Equal(want) {
		t.Errorf("first run = %v, want cadence %v", first, want)
	}
}

func TestNextRunMaxRunsTermination(t *testing.T) {
	spec := &Spec{Second: &SecondInterval{Interval: 1}, MaxRuns: intPtr(3)}
	now := date(2026, time.March, 2, 10, 0, 0)

	if _, ok := spec.NextRun(now, 2); !ok {
		t.Error("run index 2 of 3 should produce a run")
	}
	if _, ok := spec.NextRun(now, 3); ok {
		t.Error("run index 3 of 3 should terminate")
	}
}

func TestNextRunRunUntilTermination(t *testing.T) {
	until := date(2026, time.March, 2, 10, 0, 30)
	spec := &Spec{Second: &SecondInterval{Interval: 60}, RunUntil: &until}
	now := date(2026, time.March, 2, 10, 0, 0)

	if _, ok := spec.NextRun(now, 1); ok {
		t.Error("next run at or past RunUntil should terminate")
	}
}

func TestNextRunMinuteOnSecond(t *testing.T) {
	spec := &Spec{Minute: &MinuteInterval{Interval: 1, OnSecond: intPtr(15)}}
	now := date(2026, time.March, 2, 10, 0, 40)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.March, 2, 10, 1, 15); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunDaySameDayTimes(t *testing.T) {
	spec := &Spec{Day: &DayInterval{
		Interval: 1,
		OnTimes:  []TimeOfDay{{Hour: 9}, {Hour: 17}},
	}}
	now := date(2026, time.March, 2, 10, 0, 0)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.March, 2, 17, 0, 0); !next.Equal(want) {
		t.Errorf("next = %v, want same-day 17:00, got %v", want, next)
	}

	// Past the last slot of the day, the cadence moves to the next day's
	// first slot.
	evening := date(2026, time.March, 2, 18, 0, 0)
	next, ok = spec.NextRun(evening, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.March, 3, 9, 0, 0); !next.Equal(want) {
		t.Errorf("next = %v, want next-day 09:00", next)
	}
}

func TestNextRunDayOnWeekdays(t *testing.T) {
	spec := &Spec{Day: &DayInterval{
		Interval: 1,
		OnDays:   []time.Weekday{time.Monday, time.Friday},
		OnTimes:  []TimeOfDay{{Hour: 8}},
	}}
	// 2026-03-04 is a Wednesday.
	now := date(2026, time.March, 4, 12, 0, 0)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.March, 6, 8, 0, 0); !next.Equal(want) {
		t.Errorf("next = %v, want Friday 08:00 (%v)", next, want)
	}
}

func TestNextRunWeekOnMonday(t *testing.T) {
	spec := &Spec{Week: &WeekInterval{
		Interval: 1,
		OnDays:   []time.Weekday{time.Monday},
		OnTimes:  []TimeOfDay{{Hour: 9}},
	}}
	// 2026-03-04 is a Wednesday; next Monday is 2026-03-09.
	now := date(2026, time.March, 4, 12, 0, 0)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.March, 9, 9, 0, 0); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunMonthDayClamped(t *testing.T) {
	spec := &Spec{Month: &MonthInterval{
		Interval: 1,
		OnDay:    intPtr(31),
		OnTimes:  []TimeOfDay{{Hour: 0}},
	}}
	// April has 30 days: day 31 clamps to the last valid day.
	now := date(2026, time.April, 10, 12, 0, 0)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.April, 30, 0, 0, 0); !next.Equal(want) {
		t.Errorf("next = %v, want clamped %v", next, want)
	}
}

func TestNextRunMonthOnFirstWeekday(t *testing.T) {
	spec := &Spec{Month: &MonthInterval{
		Interval: 1,
		OnFirst:  weekdayPtr(time.Monday),
		OnTimes:  []TimeOfDay{{Hour: 6}},
	}}
	// First Monday of April 2026 is the 6th.
	now := date(2026, time.April, 1, 0, 0, 0)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.April, 6, 6, 0, 0); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunCron(t *testing.T) {
	spec := &Spec{Cron: &CronInterval{Expression: "*/15 * * * *"}}
	now := date(2026, time.March, 2, 10, 7, 0)

	next, ok := spec.NextRun(now, 1)
	if !ok {
		t.Fatal("NextRun returned no run")
	}
	if want := date(2026, time.March, 2, 10, 15, 0); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextValidRunFreshSchedule(t *testing.T) {
	spec := &Spec{Minute: &MinuteInterval{Interval: 5}}
	now := date(2026, time.March, 2, 10, 0, 0)

	next, skipped := spec.CalculateNextValidRun(now, 1, now)
	if next == nil {
		t.Fatal("expected a next run")
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
	if want := now.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextValidRunCronAfterDowntime(t *testing.T) {
	spec := &Spec{Cron: &CronInterval{Expression: "*/5 * * * *"}}
	lastFired := date(2026, time.March, 2, 10, 0, 0)
	now := date(2026, time.March, 2, 10, 23, 0)

	next, skipped := spec.CalculateNextValidRun(lastFired, 1, now)
	if next == nil {
		t.Fatal("expected a next run")
	}
	if want := date(2026, time.March, 2, 10, 25, 0); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if skipped != 4 {
		t.Errorf("skipped = %d, want 4 (10:05, 10:10, 10:15, 10:20)", skipped)
	}
}

func TestCalculateNextValidRunFixedIntervalAfterDowntime(t *testing.T) {
	spec := &Spec{Minute: &MinuteInterval{Interval: 5}}
	lastFired := date(2026, time.March, 2, 10, 0, 0)
	now := date(2026, time.March, 2, 10, 23, 0)

	next, skipped := spec.CalculateNextValidRun(lastFired, 1, now)
	if next == nil {
		t.Fatal("expected a next run")
	}
	if want := date(2026, time.March, 2, 10, 25, 0); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if skipped != 4 {
		t.Errorf("skipped = %d, want 4", skipped)
	}
}

func TestCalculateNextValidRunSkipsConsumeMaxRuns(t *testing.T) {
	spec := &Spec{Minute: &MinuteInterval{Interval: 5}, MaxRuns: intPtr(3)}
	lastFired := date(2026, time.March, 2, 10, 0, 0)
	now := date(2026, time.March, 2, 10, 23, 0)

	next, skipped := spec.CalculateNextValidRun(lastFired, 1, now)
	if next != nil {
		t.Errorf("expected no next run once skips exhaust MaxRuns, got %v", next)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2 (remaining runs)", skipped)
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	until := date(2026, time.June, 1, 0, 0, 0)
	spec, err := Schedule().
		RunNow().
		EveryDays(1).
		AtTimes(TimeOfDay{Hour: 9, Minute: 30}).
		MaxRuns(10).
		RunUntil(until).
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if spec.Day == nil || spec.Day.Interval != 1 {
		t.Error("day cadence not set")
	}
	if !spec.RunNow {
		t.Error("RunNow not set")
	}
	if spec.MaxRuns == nil || *spec.MaxRuns != 10 {
		t.Error("MaxRuns not set")
	}
	if spec.RunUntil == nil || !spec.RunUntil.Equal(until) {
		t.Error("RunUntil not set")
	}
}

func TestBuilderRejectsInvalid(t *testing.T) {
	if _, err := Schedule().EverySeconds(0).Build(); err == nil {
		t.Error("Build() with zero interval should fail")
	}
	if _, err := Schedule().RunNow().Build(); err == nil {
		t.Error("Build() without cadence should fail")
	}
}

func intPtr(v int) *int                       { return &v }
func durPtr(d time.Duration) *time.Duration   { return &d }
func weekdayPtr(d time.Weekday) *time.Weekday { return &d }
