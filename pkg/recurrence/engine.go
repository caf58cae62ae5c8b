package recurrence

import (
	"sort"
	"time"
)

const (
	// firstRunWindow is how far in the future an initial trigger may land
	// and still be honoured as the first run. Later instants fall through
	// to the cadence computation.
	firstRunWindow = time.Second

	// duplicateGap suppresses a first run that would fire within this
	// window before the cadence-computed next instant.
	duplicateGap = 30 * time.Second

	// staleness is how far in the past a computed next run may be before
	// downtime reconciliation kicks in.
	staleness = time.Second

	// maxCatchUpIterations bounds the occurrence walk when reconciling
	// refined or cron cadences after downtime.
	maxCatchUpIterations = 100_000
)

// NextRun returns the next UTC instant at which the schedule should fire
// after current, or false when the termination conditions hold. runIndex is
// the number of runs already performed; the initial trigger applies only at
// index zero.
func (s *Spec) NextRun(current time.Time, runIndex int) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	if s.MaxRuns != nil && runIndex >= *s.MaxRuns {
		return time.Time{}, false
	}
	current = current.UTC()

	candidate, ok := s.candidateAfter(current, runIndex)
	if !ok {
		return time.Time{}, false
	}
	if s.RunUntil != nil && !candidate.Before(s.RunUntil.UTC()) {
		return time.Time{}, false
	}
	return candidate, true
}

// candidateAfter picks the raw next instant, before terminator checks.
func (s *Spec) candidateAfter(current time.Time, runIndex int) (time.Time, bool) {
	if runIndex == 0 {
		if initial, ok := s.initialInstant(current); ok && !initial.After(current.Add(firstRunWindow)) {
			// A near-immediate first run that lands just before the next
			// cadence instant would double-fire; emit the cadence instant
			// instead.
			if next, cok := s.cadenceNext(current); cok {
				gap := next.Sub(initial)
				if gap >= 0 && gap <= duplicateGap {
					return next, true
				}
			}
			return initial, true
		}
	}
	return s.cadenceNext(current)
}

// initialInstant resolves the configured initial trigger.
func (s *Spec) initialInstant(current time.Time) (time.Time, bool) {
	switch {
	case s.RunNow:
		return current, true
	case s.SpecificRunTime != nil:
		return s.SpecificRunTime.UTC(), true
	case s.InitialDelay != nil:
		return current.Add(*s.InitialDelay), true
	}
	return time.Time{}, false
}

// cadenceNext computes the next cadence instant strictly after current.
func (s *Spec) cadenceNext(current time.Time) (time.Time, bool) {
	switch {
	case s.Cron != nil:
		sched, err := cronParser.Parse(s.Cron.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(current)
		return next.UTC(), !next.IsZero()
	case s.Second != nil:
		return current.Add(time.Duration(s.Second.Interval) * time.Second), true
	case s.Minute != nil:
		return s.minuteNext(current), true
	case s.Hour != nil:
		return s.hourNext(current), true
	case s.Day != nil:
		return s.dayNext(current)
	case s.Week != nil:
		return s.weekNext(current)
	case s.Month != nil:
		return s.monthNext(current)
	}
	return time.Time{}, false
}

func (s *Spec) minuteNext(current time.Time) time.Time {
	next := current.Add(time.Duration(s.Minute.Interval) * time.Minute)
	if s.Minute.OnSecond != nil {
		next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), next.Minute(), *s.Minute.OnSecond, 0, time.UTC)
		if !next.After(current) {
			next = next.Add(time.Minute)
		}
	}
	return next
}

func (s *Spec) hourNext(current time.Time) time.Time {
	iv := s.Hour
	next := current.Add(time.Duration(iv.Interval) * time.Hour)

	minute := next.Minute()
	second := next.Second()
	if iv.OnMinute != nil {
		minute = *iv.OnMinute
		second = 0
	}
	if iv.OnSecond != nil {
		second = *iv.OnSecond
	}
	next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), minute, second, 0, time.UTC)

	if len(iv.OnHours) > 0 {
		allowed := make(map[int]bool, len(iv.OnHours))
		for _, h := range iv.OnHours {
			allowed[h] = true
		}
		for !allowed[next.Hour()] || !next.After(current) {
			next = next.Add(time.Hour)
			next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), minute, second, 0, time.UTC)
		}
		return next
	}

	if !next.After(current) {
		next = next.Add(time.Hour)
	}
	return next
}

func (s *Spec) dayNext(current time.Time) (time.Time, bool) {
	iv := s.Day
	times := sortedTimes(iv.OnTimes)
	if times == nil {
		times = []TimeOfDay{{Hour: current.Hour(), Minute: current.Minute(), Second: current.Second()}}
	}

	if len(iv.OnDays) > 0 {
		allowed := make(map[time.Weekday]bool, len(iv.OnDays))
		for _, d := range iv.OnDays {
			allowed[d] = true
		}
		day := startOfDay(current)
		// Two weeks covers any weekday constraint.
		for i := 0; i < 15; i++ {
			if allowed[day.Weekday()] {
				for _, tod := range times {
					if cand := atTime(day, tod); cand.After(current) {
						return cand, true
					}
				}
			}
			day = day.AddDate(0, 0, 1)
		}
		return time.Time{}, false
	}

	// Same day: the smallest configured time strictly after current.
	if len(iv.OnTimes) > 0 {
		day := startOfDay(current)
		for _, tod := range times {
			if cand := atTime(day, tod); cand.After(current) {
				return cand, true
			}
		}
	}
	next := startOfDay(current).AddDate(0, 0, maxInt(iv.Interval, 1))
	return atTime(next, times[0]), true
}

func (s *Spec) weekNext(current time.Time) (time.Time, bool) {
	iv := s.Week
	times := sortedTimes(iv.OnTimes)
	if times == nil {
		times = []TimeOfDay{{Hour: current.Hour(), Minute: current.Minute(), Second: current.Second()}}
	}

	if len(iv.OnDays) == 0 {
		next := startOfDay(current).AddDate(0, 0, 7*maxInt(iv.Interval, 1))
		return atTime(next, times[0]), true
	}

	allowed := make(map[time.Weekday]bool, len(iv.OnDays))
	for _, d := range iv.OnDays {
		allowed[d] = true
	}
	stride := maxInt(iv.Interval, 1)
	anchor := weekIndex(current)
	day := startOfDay(current)
	for i := 0; i < 7*stride+14; i++ {
		if allowed[day.Weekday()] && (weekIndex(day)-anchor)%stride == 0 {
			for _, tod := range times {
				if cand := atTime(day, tod); cand.After(current) {
					return cand, true
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

func (s *Spec) monthNext(current time.Time) (time.Time, bool) {
	iv := s.Month
	times := sortedTimes(iv.OnTimes)
	if times == nil {
		times = []TimeOfDay{{Hour: current.Hour(), Minute: current.Minute(), Second: current.Second()}}
	}
	allowedMonth := func(m time.Month) bool {
		if len(iv.OnMonths) == 0 {
			return true
		}
		for _, am := range iv.OnMonths {
			if am == m {
				return true
			}
		}
		return false
	}

	stride := maxInt(iv.Interval, 1)
	base := time.Date(current.Year(), current.Month(), 1, 0, 0, 0, 0, time.UTC)
	// Four years covers any month filter combined with a stride.
	for i := 0; i < 48; i++ {
		month := base.AddDate(0, i, 0)
		if i%stride != 0 || !allowedMonth(month.Month()) {
			continue
		}
		for _, day := range iv.daysIn(month, current) {
			for _, tod := range times {
				if cand := atTime(day, tod); cand.After(current) {
					return cand, true
				}
			}
		}
	}
	return time.Time{}, false
}

// daysIn resolves the candidate days within the given month, sorted and
// clamped to the month's last valid day.
func (iv *MonthInterval) daysIn(monthStart, current time.Time) []time.Time {
	last := monthStart.AddDate(0, 1, -1).Day()
	clamp := func(d int) int {
		if d > last {
			return last
		}
		return d
	}
	var days []int
	switch {
	case iv.OnFirst != nil:
		d := monthStart
		for d.Weekday() != *iv.OnFirst {
			d = d.AddDate(0, 0, 1)
		}
		days = []int{d.Day()}
	case len(iv.OnDays) > 0:
		seen := map[int]bool{}
		for _, d := range iv.OnDays {
			c := clamp(d)
			if !seen[c] {
				seen[c] = true
				days = append(days, c)
			}
		}
		sort.Ints(days)
	case iv.OnDay != nil:
		days = []int{clamp(*iv.OnDay)}
	default:
		days = []int{clamp(current.Day())}
	}

	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		out = append(out, monthStart.AddDate(0, 0, d-1))
	}
	return out
}

// period returns the fixed cadence period when the cadence is a plain
// interval without refinements, enabling O(1) downtime reconciliation.
func (s *Spec) period() (time.Duration, bool) {
	switch {
	case s.Second != nil:
		return time.Duration(s.Second.Interval) * time.Second, true
	case s.Minute != nil && s.Minute.OnSecond == nil:
		return time.Duration(s.Minute.Interval) * time.Minute, true
	case s.Hour != nil && s.Hour.OnMinute == nil && s.Hour.OnSecond == nil && len(s.Hour.OnHours) == 0:
		return time.Duration(s.Hour.Interval) * time.Hour, true
	case s.Day != nil && len(s.Day.OnTimes) == 0 && len(s.Day.OnDays) == 0:
		return time.Duration(maxInt(s.Day.Interval, 1)) * 24 * time.Hour, true
	case s.Week != nil && len(s.Week.OnTimes) == 0 && len(s.Week.OnDays) == 0:
		return time.Duration(maxInt(s.Week.Interval, 1)) * 7 * 24 * time.Hour, true
	}
	return 0, false
}

// CalculateNextValidRun reconciles the schedule against the reference clock.
// When the naive next run is more than one second in the past (the process
// was down), whole cadence periods are skipped to reach the first instant
// strictly after now; the skipped occurrence count is returned so callers
// can record it. Skipped occurrences count against MaxRuns.
func (s *Spec) CalculateNextValidRun(scheduled time.Time, runIndex int, now time.Time) (*time.Time, int) {
	if s == nil {
		return nil, 0
	}
	now = now.UTC()

	naive, ok := s.NextRun(scheduled, runIndex)
	if !ok {
		return nil, 0
	}
	if naive.After(now.Add(-staleness)) {
		return &naive, 0
	}

	remaining := -1
	if s.MaxRuns != nil {
		remaining = *s.MaxRuns - runIndex
	}

	next := naive
	skipped := 0
	if p, fixed := s.period(); fixed {
		delta := now.Sub(naive)
		k := int(delta / p)
		next = naive.Add(time.Duration(k) * p)
		skipped = k
		for !next.After(now) {
			next = next.Add(p)
			skipped++
		}
	} else {
		for i := 0; !next.After(now); i++ {
			if i >= maxCatchUpIterations {
				return nil, skipped
			}
			skipped++
			n, cok := s.cadenceNext(next)
			if !cok {
				return nil, skipped
			}
			next = n
		}
	}

	if remaining >= 0 && skipped >= remaining {
		return nil, remaining
	}
	if s.RunUntil != nil && !next.Before(s.RunUntil.UTC()) {
		return nil, skipped
	}
	return &next, skipped
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func atTime(day time.Time, tod TimeOfDay) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, tod.Second, 0, time.UTC)
}

// weekIndex numbers weeks from the Unix epoch, weeks starting on Monday.
func weekIndex(t time.Time) int {
	days := int(startOfDay(t).Unix() / 86400)
	// 1970-01-01 was a Thursday; shift so Monday starts the week.
	return (days + 3) / 7
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
