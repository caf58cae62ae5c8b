// Package recurrence implements the recurrence engine: a value model
// describing repeating schedules (fixed intervals or cron expressions) and
// the computation of the next valid future instant, including reconciliation
// after process downtime.
//
// All computation happens in UTC. Cron expressions use the standard 5-field
// grammar or the extended 6-field grammar with a leading seconds field.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec indicates an internally inconsistent recurrence spec: a
// malformed cron expression, a zero interval with no day constraints, or
// out-of-range field values.
var ErrInvalidSpec = errors.New("invalid recurrence spec")

// cronParser accepts standard (5-field) and extended (6-field with seconds)
// cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// TimeOfDay is a wall-clock time used by day, week and month intervals.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 &&
		t.Minute >= 0 && t.Minute <= 59 &&
		t.Second >= 0 && t.Second <= 59
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// before reports whether t is earlier than o within the same day.
func (t TimeOfDay) before(o TimeOfDay) bool {
	if t.Hour != o.Hour {
		return t.Hour < o.Hour
	}
	if t.Minute != o.Minute {
		return t.Minute < o.Minute
	}
	return t.Second < o.Second
}

// CronInterval schedules runs from a cron expression, evaluated in UTC.
type CronInterval struct {
	Expression string `json:"expression"`
}

// SecondInterval fires every Interval seconds.
type SecondInterval struct {
	Interval int `json:"interval"`
}

// MinuteInterval fires every Interval minutes, optionally snapped to a
// specific second.
type MinuteInterval struct {
	Interval int  `json:"interval"`
	OnSecond *int `json:"on_second,omitempty"`
}

// HourInterval fires every Interval hours, optionally snapped to a specific
// minute/second and restricted to a set of hours.
type HourInterval struct {
	Interval int   `json:"interval"`
	OnMinute *int  `json:"on_minute,omitempty"`
	OnSecond *int  `json:"on_second,omitempty"`
	OnHours  []int `json:"on_hours,omitempty"`
}

// DayInterval fires every Interval days at the given times of day,
// optionally restricted to specific weekdays. A zero interval is valid only
// when OnDays is non-empty.
type DayInterval struct {
	Interval int            `json:"interval"`
	OnTimes  []TimeOfDay    `json:"on_times,omitempty"`
	OnDays   []time.Weekday `json:"on_days,omitempty"`
}

// WeekInterval fires every Interval weeks on the given weekdays and times.
type WeekInterval struct {
	Interval int            `json:"interval"`
	OnDays   []time.Weekday `json:"on_days,omitempty"`
	OnTimes  []TimeOfDay    `json:"on_times,omitempty"`
}

// MonthInterval fires every Interval months. The day within the month comes
// from OnDay, OnDays or OnFirst (first occurrence of a weekday); days beyond
// the month's length clamp to the last valid day. OnMonths restricts the
// calendar months considered.
type MonthInterval struct {
	Interval int           `json:"interval"`
	OnDay    *int          `json:"on_day,omitempty"`
	OnDays   []int         `json:"on_days,omitempty"`
	OnFirst  *time.Weekday `json:"on_first,omitempty"`
	OnTimes  []TimeOfDay   `json:"on_times,omitempty"`
	OnMonths []time.Month  `json:"on_months,omitempty"`
}

// Spec is the composed description of a repeating schedule: at most one
// cadence (cron or a single interval type), an optional initial trigger, and
// optional terminators.
//
// The JSON form is self-describing: the single populated cadence field
// identifies the concrete interval type.
type Spec struct {
	Cron   *CronInterval   `json:"cron,omitempty"`
	Second *SecondInterval `json:"second,omitempty"`
	Minute *MinuteInterval `json:"minute,omitempty"`
	Hour   *HourInterval   `json:"hour,omitempty"`
	Day    *DayInterval    `json:"day,omitempty"`
	Week   *WeekInterval   `json:"week,omitempty"`
	Month  *MonthInterval  `json:"month,omitempty"`

	// Initial trigger: at most one of the following.
	RunNow          bool           `json:"run_now,omitempty"`
	InitialDelay    *time.Duration `json:"initial_delay,omitempty"`
	SpecificRunTime *time.Time     `json:"specific_run_time,omitempty"`

	// Terminators.
	MaxRuns  *int       `json:"max_runs,omitempty"`
	RunUntil *time.Time `json:"run_until,omitempty"`
}

// Validate checks the spec for internal consistency. All engine entry points
// assume a validated spec.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}

	cadences := 0
	if s.Cron != nil {
		cadences++
		fields := strings.Fields(s.Cron.Expression)
		if len(fields) != 5 && len(fields) != 6 {
			return fmt.Errorf("%w: cron expression must have 5 or 6 fields, got %d", ErrInvalidSpec, len(fields))
		}
		if _, err := cronParser.Parse(s.Cron.Expression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	}
	if s.Second != nil {
		cadences++
		if s.Second.Interval <= 0 {
			return fmt.Errorf("%w: second interval must be positive", ErrInvalidSpec)
		}
	}
	if s.Minute != nil {
		cadences++
		if s.Minute.Interval <= 0 {
			return fmt.Errorf("%w: minute interval must be positive", ErrInvalidSpec)
		}
		if s.Minute.OnSecond != nil && (*s.Minute.OnSecond < 0 || *s.Minute.OnSecond > 59) {
			return fmt.Errorf("%w: on_second out of range", ErrInvalidSpec)
		}
	}
	if s.Hour != nil {
		cadences++
		if s.Hour.Interval <= 0 {
			return fmt.Errorf("%w: hour interval must be positive", ErrInvalidSpec)
		}
		if s.Hour.OnMinute != nil && (*s.Hour.OnMinute < 0 || *s.Hour.OnMinute > 59) {
			return fmt.Errorf("%w: on_minute out of range", ErrInvalidSpec)
		}
		if s.Hour.OnSecond != nil && (*s.Hour.OnSecond < 0 || *s.Hour.OnSecond > 59) {
			return fmt.Errorf("%w: on_second out of range", ErrInvalidSpec)
		}
		for _, h := range s.Hour.OnHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("%w: hour %d out of range 0..23", ErrInvalidSpec, h)
			}
		}
	}
	if s.Day != nil {
		cadences++
		if s.Day.Interval <= 0 && len(s.Day.OnDays) == 0 {
			return fmt.Errorf("%w: day interval requires a positive interval or weekday constraints", ErrInvalidSpec)
		}
		for _, t := range s.Day.OnTimes {
			if !t.valid() {
				return fmt.Errorf("%w: time of day %s out of range", ErrInvalidSpec, t)
			}
		}
		for _, d := range s.Day.OnDays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSpec, d)
			}
		}
	}
	if s.Week != nil {
		cadences++
		if s.Week.Interval <= 0 && len(s.Week.OnDays) == 0 {
			return fmt.Errorf("%w: week interval requires a positive interval or weekday constraints", ErrInvalidSpec)
		}
		for _, t := range s.Week.OnTimes {
			if !t.valid() {
				return fmt.Errorf("%w: time of day %s out of range", ErrInvalidSpec, t)
			}
		}
		for _, d := range s.Week.OnDays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSpec, d)
			}
		}
	}
	if s.Month != nil {
		cadences++
		if s.Month.Interval <= 0 {
			return fmt.Errorf("%w: month interval must be positive", ErrInvalidSpec)
		}
		if s.Month.OnDay != nil && (*s.Month.OnDay < 1 || *s.Month.OnDay > 31) {
			return fmt.Errorf("%w: day of month %d out of range 1..31", ErrInvalidSpec, *s.Month.OnDay)
		}
		for _, d := range s.Month.OnDays {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: day of month %d out of range 1..31", ErrInvalidSpec, d)
			}
		}
		for _, t := range s.Month.OnTimes {
			if !t.valid() {
				return fmt.Errorf("%w: time of day %s out of range", ErrInvalidSpec, t)
			}
		}
		for _, m := range s.Month.OnMonths {
			if m < time.January || m > time.December {
				return fmt.Errorf("%w: month %d out of range 1..12", ErrInvalidSpec, m)
			}
		}
	}

	if cadences == 0 {
		return fmt.Errorf("%w: a cadence (interval or cron) is required", ErrInvalidSpec)
	}
	if cadences > 1 {
		return fmt.Errorf("%w: at most one cadence may be set", ErrInvalidSpec)
	}

	triggers := 0
	if s.RunNow {
		triggers++
	}
	if s.InitialDelay != nil {
		triggers++
		if *s.InitialDelay < 0 {
			return fmt.Errorf("%w: initial delay must not be negative", ErrInvalidSpec)
		}
	}
	if s.SpecificRunTime != nil {
		triggers++
	}
	if triggers > 1 {
		return fmt.Errorf("%w: at most one initial trigger may be set", ErrInvalidSpec)
	}

	if s.MaxRuns != nil && *s.MaxRuns <= 0 {
		return fmt.Errorf("%w: max runs must be positive", ErrInvalidSpec)
	}
	return nil
}

// String returns a human-readable description of the cadence, suitable for
// display alongside the persisted task.
func (s *Spec) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	switch {
	case s.RunNow:
		b.WriteString("run now, then ")
	case s.InitialDelay != nil:
		fmt.Fprintf(&b, "run after %s, then ", *s.InitialDelay)
	case s.SpecificRunTime != nil:
		fmt.Fprintf(&b, "run at %s, then ", s.SpecificRunTime.UTC().Format(time.RFC3339))
	}
	switch {
	case s.Cron != nil:
		fmt.Fprintf(&b, "cron %q", s.Cron.Expression)
	case s.Second != nil:
		fmt.Fprintf(&b, "every %d second(s)", s.Second.Interval)
	case s.Minute != nil:
		fmt.Fprintf(&b, "every %d minute(s)", s.Minute.Interval)
	case s.Hour != nil:
		fmt.Fprintf(&b, "every %d hour(s)", s.Hour.Interval)
	case s.Day != nil:
		fmt.Fprintf(&b, "every %d day(s)", s.Day.Interval)
	case s.Week != nil:
		fmt.Fprintf(&b, "every %d week(s)", s.Week.Interval)
	case s.Month != nil:
		fmt.Fprintf(&b, "every %d month(s)", s.Month.Interval)
	}
	if s.MaxRuns != nil {
		fmt.Fprintf(&b, ", max %d run(s)", *s.MaxRuns)
	}
	if s.RunUntil != nil {
		fmt.Fprintf(&b, ", until %s", s.RunUntil.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// sortedTimes returns the times sorted ascending, or nil when empty.
func sortedTimes(times []TimeOfDay) []TimeOfDay {
	if len(times) == 0 {
		return nil
	}
	out := make([]TimeOfDay, len(times))
	copy(out, times)
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}
