// Package clock provides the market wall clock and trading calendar.
//
// All session decisions run in a fixed market time zone (America/New_York
// by default). The calendar consults the broker's calendar endpoint when
// available; on error it degrades to weekday-only sessions with a logged
// warning, so a broker outage never blocks a purely local decision.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradedesk/pkg/types"
)

// Default regular-session bounds, local market time.
const (
	defaultOpen  = "09:30"
	defaultClose = "16:00"
)

// CalendarSource is the slice of the broker contract the clock needs.
type CalendarSource interface {
	GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error)
}

// Clock answers "is the market open", "when does it open next", and
// "what are today's session bounds" in market-local time.
type Clock struct {
	loc    *time.Location
	cal    CalendarSource // nil = weekday-only mode
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu    sync.Mutex
	cache map[string]types.CalendarDay // date → session, filled lazily
	miss  map[string]bool              // dates the calendar reported as closed
}

// New creates a clock in the given time zone. cal may be nil, in which
// case every weekday counts as a full trading day.
func New(tz string, cal CalendarSource, logger *slog.Logger) (*Clock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", tz, err)
	}
	return &Clock{
		loc:    loc,
		cal:    cal,
		logger: logger.With("component", "clock"),
		now:    time.Now,
		cache:  make(map[string]types.CalendarDay),
		miss:   make(map[string]bool),
	}, nil
}

// SetNow overrides the wall clock. Tests only.
func (c *Clock) SetNow(now func() time.Time) { c.now = now }

// Location returns the market time zone.
func (c *Clock) Location() *time.Location { return c.loc }

// NowMarket returns the current wall clock in the market time zone.
func (c *Clock) NowMarket() time.Time { return c.now().In(c.loc) }

// Today returns the current market-local date as YYYY-MM-DD.
func (c *Clock) Today() string { return c.NowMarket().Format("2006-01-02") }

// IsTradingDay reports whether date is a trading session (weekends and
// exchange holidays excluded).
func (c *Clock) IsTradingDay(ctx context.Context, date time.Time) bool {
	_, _, ok := c.SessionBounds(ctx, date)
	return ok
}

// SessionBounds returns the open and close timestamps for date, honoring
// early closes. ok is false when the market is closed that day.
func (c *Clock) SessionBounds(ctx context.Context, date time.Time) (open, close time.Time, ok bool) {
	date = date.In(c.loc)
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return time.Time{}, time.Time{}, false
	}

	day, found := c.lookup(ctx, date)
	if !found {
		return time.Time{}, time.Time{}, false
	}
	open = c.atClockTime(date, day.Open, defaultOpen)
	close = c.atClockTime(date, day.Close, defaultClose)
	return open, close, true
}

// IsMarketOpen reports whether the market is open at the current instant.
func (c *Clock) IsMarketOpen(ctx context.Context) bool {
	now := c.NowMarket()
	open, close, ok := c.SessionBounds(ctx, now)
	if !ok {
		return false
	}
	return !now.Before(open) && now.Before(close)
}

// NextOpen returns the first session open strictly after the given instant.
func (c *Clock) NextOpen(ctx context.Context, after time.Time) time.Time {
	after = after.In(c.loc)
	// 10 calendar days always contains a session, even over long weekends.
	for i := 0; i < 10; i++ {
		day := after.AddDate(0, 0, i)
		open, _, ok := c.SessionBounds(ctx, day)
		if ok && open.After(after) {
			return open
		}
	}
	// Calendar said nothing opens for 10 days; fall back to next weekday.
	d := after.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return c.atClockTime(d, defaultOpen, defaultOpen)
}

// lookup resolves one date against the broker calendar, caching results.
// On adapter error it degrades to weekday-only with a warning.
func (c *Clock) lookup(ctx context.Context, date time.Time) (types.CalendarDay, bool) {
	key := date.Format("2006-01-02")

	c.mu.Lock()
	if day, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return day, true
	}
	if c.miss[key] {
		c.mu.Unlock()
		return types.CalendarDay{}, false
	}
	c.mu.Unlock()

	if c.cal == nil {
		return types.CalendarDay{Date: key, Open: defaultOpen, Close: defaultClose}, true
	}

	// Fetch a two-week window around the date so neighboring lookups hit cache.
	start := date.AddDate(0, 0, -1)
	end := date.AddDate(0, 0, 14)
	days, err := c.cal.GetCalendar(ctx, start, end)
	if err != nil {
		c.logger.Warn("calendar unavailable, degrading to weekday-only sessions", "error", err)
		return types.CalendarDay{Date: key, Open: defaultOpen, Close: defaultClose}, true
	}

	c.mu.Lock()
	for _, d := range days {
		c.cache[d.Date] = d
	}
	// Every weekday in the window absent from the response is a holiday.
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
		k := cur.Format("2006-01-02")
		if _, ok := c.cache[k]; !ok {
			c.miss[k] = true
		}
	}
	day, ok := c.cache[key]
	c.mu.Unlock()

	return day, ok
}

// atClockTime combines a date with an HH:MM string, falling back when the
// calendar row carries an empty or malformed time.
func (c *Clock) atClockTime(date time.Time, hhmm, fallback string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		t, _ = time.Parse("15:04", fallback)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, c.loc)
}
