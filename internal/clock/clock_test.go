package clock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradedesk/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCalendar struct {
	days []types.CalendarDay
	err  error
}

func (f *fakeCalendar) GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.CalendarDay
	for _, d := range f.days {
		if d.Date >= start.Format("2006-01-02") && d.Date <= end.Format("2006-01-02") {
			out = append(out, d)
		}
	}
	return out, nil
}

func newClock(t *testing.T, cal CalendarSource) *Clock {
	t.Helper()
	c, err := New("America/New_York", cal, discard())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func nyTime(t *testing.T, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestMarketOpenWithinSession(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{days: []types.CalendarDay{
		{Date: "2026-03-02", Open: "09:30", Close: "16:00"},
	}}
	c := newClock(t, cal)
	ctx := context.Background()

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"pre-market", nyTime(t, 2026, 3, 2, 8, 0), false},
		{"at the bell", nyTime(t, 2026, 3, 2, 9, 30), true},
		{"mid-session", nyTime(t, 2026, 3, 2, 12, 15), true},
		{"at the close", nyTime(t, 2026, 3, 2, 16, 0), false},
		{"after hours", nyTime(t, 2026, 3, 2, 18, 30), false},
	}
	for _, tc := range cases {
		at := tc.at
		c.SetNow(func() time.Time { return at })
		if got := c.IsMarketOpen(ctx); got != tc.want {
			t.Errorf("%s: open = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWeekendIsClosed(t *testing.T) {
	t.Parallel()
	// Even a calendar row for a Saturday cannot open the market.
	cal := &fakeCalendar{days: []types.CalendarDay{
		{Date: "2026-03-07", Open: "09:30", Close: "16:00"},
	}}
	c := newClock(t, cal)
	c.SetNow(func() time.Time { return nyTime(t, 2026, 3, 7, 11, 0) })
	if c.IsMarketOpen(context.Background()) {
		t.Fatal("Saturday must be closed")
	}
}

func TestEarlyCloseHonored(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{days: []types.CalendarDay{
		{Date: "2026-11-27", Open: "09:30", Close: "13:00"}, // day after Thanksgiving
	}}
	c := newClock(t, cal)
	ctx := context.Background()

	c.SetNow(func() time.Time { return nyTime(t, 2026, 11, 27, 12, 30) })
	if !c.IsMarketOpen(ctx) {
		t.Fatal("half day must be open before the early close")
	}
	c.SetNow(func() time.Time { return nyTime(t, 2026, 11, 27, 14, 0) })
	if c.IsMarketOpen(ctx) {
		t.Fatal("half day must be closed after the early close")
	}
}

func TestHolidayAbsentFromCalendar(t *testing.T) {
	t.Parallel()
	// The window around July 3rd, 2026 knows its neighbors but not the
	// holiday itself.
	cal := &fakeCalendar{days: []types.CalendarDay{
		{Date: "2026-07-02", Open: "09:30", Close: "16:00"},
		{Date: "2026-07-06", Open: "09:30", Close: "16:00"},
	}}
	c := newClock(t, cal)
	ctx := context.Background()

	if c.IsTradingDay(ctx, nyTime(t, 2026, 7, 3, 11, 0)) {
		t.Fatal("a weekday missing from the calendar is a holiday")
	}
	if !c.IsTradingDay(ctx, nyTime(t, 2026, 7, 6, 11, 0)) {
		t.Fatal("the next session must still count")
	}
}

func TestCalendarOutageDegradesToWeekdays(t *testing.T) {
	t.Parallel()
	c := newClock(t, &fakeCalendar{err: errors.New("calendar endpoint down")})
	c.SetNow(func() time.Time { return nyTime(t, 2026, 3, 2, 11, 0) })
	if !c.IsMarketOpen(context.Background()) {
		t.Fatal("a calendar outage must degrade to weekday sessions, not closed")
	}
}

func TestNilCalendarWeekdayMode(t *testing.T) {
	t.Parallel()
	c := newClock(t, nil)
	ctx := context.Background()
	if !c.IsTradingDay(ctx, nyTime(t, 2026, 3, 2, 11, 0)) {
		t.Fatal("weekday must trade in calendar-less mode")
	}
	if c.IsTradingDay(ctx, nyTime(t, 2026, 3, 1, 11, 0)) {
		t.Fatal("Sunday must not trade in calendar-less mode")
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{days: []types.CalendarDay{
		{Date: "2026-03-06", Open: "09:30", Close: "16:00"},
		{Date: "2026-03-09", Open: "09:30", Close: "16:00"},
	}}
	c := newClock(t, cal)

	// Friday after the close rolls to Monday's bell.
	got := c.NextOpen(context.Background(), nyTime(t, 2026, 3, 6, 16, 30))
	want := nyTime(t, 2026, 3, 9, 9, 30)
	if !got.Equal(want) {
		t.Fatalf("next open = %v, want %v", got, want)
	}
}

func TestTodayUsesMarketTime(t *testing.T) {
	t.Parallel()
	c := newClock(t, nil)
	// 01:00 UTC on March 3rd is still the evening of March 2nd in New York.
	c.SetNow(func() time.Time { return time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC) })
	if got := c.Today(); got != "2026-03-02" {
		t.Fatalf("today = %s, want 2026-03-02", got)
	}
}
