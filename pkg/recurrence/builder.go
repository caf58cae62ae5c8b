package recurrence

import "time"

// Builder assembles a Spec fluently. Terminal Build validates the result.
//
//	spec, err := recurrence.Schedule().RunNow().EveryMinutes(1).MaxRuns(10).Build()
type Builder struct {
	spec Spec
}

// Schedule starts an empty builder.
func Schedule() *Builder {
	return &Builder{}
}

// RunNow triggers the first run immediately on dispatch.
func (b *Builder) RunNow() *Builder {
	b.spec.RunNow = true
	return b
}

// RunDelayed triggers the first run after the given delay.
func (b *Builder) RunDelayed(d time.Duration) *Builder {
	b.spec.InitialDelay = &d
	return b
}

// RunAt triggers the first run at a specific instant.
func (b *Builder) RunAt(t time.Time) *Builder {
	utc := t.UTC()
	b.spec.SpecificRunTime = &utc
	return b
}

// Cron sets a cron cadence (5 or 6 fields, evaluated in UTC).
func (b *Builder) Cron(expression string) *Builder {
	b.spec.Cron = &CronInterval{Expression: expression}
	return b
}

// EverySeconds sets a fixed cadence of n seconds.
func (b *Builder) EverySeconds(n int) *Builder {
	b.spec.Second = &SecondInterval{Interval: n}
	return b
}

// EveryMinutes sets a fixed cadence of n minutes.
func (b *Builder) EveryMinutes(n int) *Builder {
	b.spec.Minute = &MinuteInterval{Interval: n}
	return b
}

// EveryHours sets a fixed cadence of n hours.
func (b *Builder) EveryHours(n int) *Builder {
	b.spec.Hour = &HourInterval{Interval: n}
	return b
}

// EveryDays sets a fixed cadence of n days.
func (b *Builder) EveryDays(n int) *Builder {
	b.spec.Day = &DayInterval{Interval: n}
	return b
}

// EveryWeeks sets a fixed cadence of n weeks.
func (b *Builder) EveryWeeks(n int) *Builder {
	b.spec.Week = &WeekInterval{Interval: n}
	return b
}

// EveryMonths sets a fixed cadence of n months.
func (b *Builder) EveryMonths(n int) *Builder {
	b.spec.Month = &MonthInterval{Interval: n}
	return b
}

// AtSecond snaps minute/hour cadences to a specific second.
func (b *Builder) AtSecond(s int) *Builder {
	switch {
	case b.spec.Minute != nil:
		b.spec.Minute.OnSecond = &s
	case b.spec.Hour != nil:
		b.spec.Hour.OnSecond = &s
	}
	return b
}

// AtMinute snaps an hour cadence to a specific minute.
func (b *Builder) AtMinute(m int) *Builder {
	if b.spec.Hour != nil {
		b.spec.Hour.OnMinute = &m
	}
	return b
}

// OnHours restricts an hour cadence to the given hours of the day.
func (b *Builder) OnHours(hours ...int) *Builder {
	if b.spec.Hour != nil {
		b.spec.Hour.OnHours = append(b.spec.Hour.OnHours, hours...)
	}
	return b
}

// AtTimes adds times of day to a day, week or month cadence.
func (b *Builder) AtTimes(times ...TimeOfDay) *Builder {
	switch {
	case b.spec.Day != nil:
		b.spec.Day.OnTimes = append(b.spec.Day.OnTimes, times...)
	case b.spec.Week != nil:
		b.spec.Week.OnTimes = append(b.spec.Week.OnTimes, times...)
	case b.spec.Month != nil:
		b.spec.Month.OnTimes = append(b.spec.Month.OnTimes, times...)
	}
	return b
}

// OnWeekdays restricts a day or week cadence to the given weekdays.
func (b *Builder) OnWeekdays(days ...time.Weekday) *Builder {
	switch {
	case b.spec.Day != nil:
		b.spec.Day.OnDays = append(b.spec.Day.OnDays, days...)
	case b.spec.Week != nil:
		b.spec.Week.OnDays = append(b.spec.Week.OnDays, days...)
	}
	return b
}

// OnDayOfMonth sets the day of month for a month cadence; days beyond the
// month's length clamp to the last valid day.
func (b *Builder) OnDayOfMonth(day int) *Builder {
	if b.spec.Month != nil {
		b.spec.Month.OnDay = &day
	}
	return b
}

// OnDaysOfMonth restricts a month cadence to the given days of month.
func (b *Builder) OnDaysOfMonth(days ...int) *Builder {
	if b.spec.Month != nil {
		b.spec.Month.OnDays = append(b.spec.Month.OnDays, days...)
	}
	return b
}

// OnFirst sets a month cadence to the first occurrence of the given weekday.
func (b *Builder) OnFirst(day time.Weekday) *Builder {
	if b.spec.Month != nil {
		b.spec.Month.OnFirst = &day
	}
	return b
}

// OnMonths restricts a month cadence to the given calendar months.
func (b *Builder) OnMonths(months ...time.Month) *Builder {
	if b.spec.Month != nil {
		b.spec.Month.OnMonths = append(b.spec.Month.OnMonths, months...)
	}
	return b
}

// MaxRuns caps the total number of runs.
func (b *Builder) MaxRuns(n int) *Builder {
	b.spec.MaxRuns = &n
	return b
}

// RunUntil stops scheduling once the next instant would reach t.
func (b *Builder) RunUntil(t time.Time) *Builder {
	utc := t.UTC()
	b.spec.RunUntil = &utc
	return b
}

// Build validates and returns the assembled spec.
func (b *Builder) Build() (*Spec, error) {
	spec := b.spec
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
