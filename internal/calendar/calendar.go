// Package calendar converts wall-clock instants and working durations using a
// project's business days, daily hours and holidays. All functions are pure.
package calendar

import (
	"fmt"
	"time"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

// DefaultLookahead bounds every forward walk so a calendar without working
// time fails instead of looping.
const DefaultLookahead = 2 * 365 * 24 * time.Hour

const dateLayout = "2006-01-02"

// Calendar is a compiled, immutable WorkingCalendar.
type Calendar struct {
	loc       *time.Location
	workdays  [7]bool
	startH    int
	startM    int
	endH      int
	endM      int
	holidays  map[string]struct{}
	lookahead time.Duration
}

// Option configures a Calendar.
type Option func(*Calendar)

// WithLookahead overrides DefaultLookahead.
func WithLookahead(d time.Duration) Option { return func(c *Calendar) { c.lookahead = d } }

// New validates cfg and compiles it.
func New(cfg domain.WorkingCalendar, opts ...Option) (*Calendar, error) {
	c := &Calendar{
		loc:       time.UTC,
		holidays:  make(map[string]struct{}, len(cfg.Holidays)),
		lookahead: DefaultLookahead,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar timezone %q: %w", cfg.Timezone, err)
		}
		c.loc = loc
	}

	if len(cfg.Workdays) == 0 {
		return nil, fmt.Errorf("calendar has no workdays")
	}
	for _, wd := range cfg.Workdays {
		if wd < time.Sunday || wd > time.Saturday {
			return nil, fmt.Errorf("calendar workday %d out of range", wd)
		}
		c.workdays[wd] = true
	}

	var err error
	if c.startH, c.startM, err = parseClock(cfg.DayStart); err != nil {
		return nil, fmt.Errorf("calendar day_start: %w", err)
	}
	if c.endH, c.endM, err = parseClock(cfg.DayEnd); err != nil {
		return nil, fmt.Errorf("calendar day_end: %w", err)
	}
	if c.endH*60+c.endM <= c.startH*60+c.startM {
		return nil, fmt.Errorf("calendar day_end %s must be after day_start %s", cfg.DayEnd, cfg.DayStart)
	}

	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation(dateLayout, h, c.loc)
		if err != nil {
			return nil, fmt.Errorf("calendar holiday %q: %w", h, err)
		}
		c.holidays[d.Format(dateLayout)] = struct{}{}
	}
	if c.lookahead <= 0 {
		c.lookahead = DefaultLookahead
	}
	return c, nil
}

// Location returns the calendar's timezone. Results are normalised to it.
func (c *Calendar) Location() *time.Location { return c.loc }

// NextWorkingInstant returns from itself if it is inside working hours,
// otherwise the start of the next working period.
func (c *Calendar) NextWorkingInstant(from time.Time) (time.Time, error) {
	from = from.In(c.loc)
	t, ok := c.next(from, from.Add(c.lookahead))
	if !ok {
		return time.Time{}, &domain.CalendarExhaustedError{Start: from, Lookahead: c.lookahead}
	}
	return t, nil
}

// AddWorkingDuration walks forward from start consuming d of working time,
// rolling over day ends and skipping non-working days and holidays. A
// non-positive d yields NextWorkingInstant(start). The result is never before start.
func (c *Calendar) AddWorkingDuration(start time.Time, d time.Duration) (time.Time, error) {
	start = start.In(c.loc)
	limit := start.Add(c.lookahead)

	t, ok := c.next(start, limit)
	if !ok {
		return time.Time{}, &domain.CalendarExhaustedError{Start: start, Remaining: d, Lookahead: c.lookahead}
	}

	remaining := d
	for remaining > 0 {
		_, end := c.bounds(t)
		avail := end.Sub(t)
		if remaining <= avail {
			return t.Add(remaining), nil
		}
		remaining -= avail
		if t, ok = c.next(end, limit); !ok {
			return time.Time{}, &domain.CalendarExhaustedError{Start: start, Remaining: remaining, Lookahead: c.lookahead}
		}
	}
	return t, nil
}

// WorkingBetween returns the working time contained in [a, b).
func (c *Calendar) WorkingBetween(a, b time.Time) time.Duration {
	a, b = a.In(c.loc), b.In(c.loc)
	if !b.After(a) {
		return 0
	}
	if b.Sub(a) > c.lookahead {
		b = a.Add(c.lookahead)
	}

	var total time.Duration
	y, m, d := a.Date()
	for day := 0; ; day++ {
		date := time.Date(y, m, d+day, 0, 0, 0, 0, c.loc)
		if !date.Before(b) {
			break
		}
		if !c.isWorkingDate(date) {
			continue
		}
		start, end := c.bounds(date)
		lo, hi := start, end
		if a.After(lo) {
			lo = a
		}
		if b.Before(hi) {
			hi = b
		}
		if hi.After(lo) {
			total += hi.Sub(lo)
		}
	}
	return total
}

// next returns the first working instant at or after t, giving up past limit.
func (c *Calendar) next(t, limit time.Time) (time.Time, bool) {
	y, m, d := t.Date()
	for day := 0; ; day++ {
		date := time.Date(y, m, d+day, 0, 0, 0, 0, c.loc)
		if date.After(limit) {
			return time.Time{}, false
		}
		if !c.isWorkingDate(date) {
			continue
		}
		start, end := c.bounds(date)
		if t.Before(start) {
			if start.After(limit) {
				return time.Time{}, false
			}
			return start, true
		}
		if t.Before(end) {
			return t, true
		}
	}
}

// bounds returns the working window of the calendar day containing t.
func (c *Calendar) bounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, c.startH, c.startM, 0, 0, c.loc),
		time.Date(y, m, d, c.endH, c.endM, 0, 0, c.loc)
}

func (c *Calendar) isWorkingDate(date time.Time) bool {
	if !c.workdays[date.Weekday()] {
		return false
	}
	_, holiday := c.holidays[date.Format(dateLayout)]
	return !holiday
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q as HH:MM: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
