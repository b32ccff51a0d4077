// Package calendar implements the NYSE trading calendar: trading-day
// checks, the last expected trading date, and extended-hours session
// state. All calendar math runs in the America/New_York civil calendar
// regardless of the caller's local timezone; freshness decisions depend
// on that.
package calendar

import (
	"time"
)

// NYSE session boundaries (Eastern time).
var (
	marketClose    = clock{16, 0}
	premarketOpen  = clock{4, 0}
	afterhoursTime = clock{20, 0}
)

type clock struct {
	hour, min int
}

var eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("calendar: loading America/New_York: " + err.Error())
	}
	return loc
}

// Day truncates t to its America/New_York calendar date, represented at
// midnight UTC so dates compare with time.Time.Before/After/Equal.
func Day(t time.Time) time.Time {
	et := t.In(eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
}

// easterDate computes Easter Sunday for a year using the anonymous
// Gregorian computus.
func easterDate(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// nthWeekday returns the nth occurrence of the given weekday in a month.
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+7*(n-1))
}

// lastWeekday returns the last occurrence of the given weekday in a month.
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	last := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	back := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDate(0, 0, -back)
}

// observed shifts a fixed-date holiday to Friday when it falls on Saturday
// and to Monday when it falls on Sunday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

// Holidays returns the NYSE holiday set for a year, keyed by midnight-UTC
// date.
func Holidays(year int) map[time.Time]struct{} {
	fixed := func(month time.Month, day int) time.Time {
		return observed(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
	}

	days := []time.Time{
		fixed(time.January, 1),                            // New Year's Day
		nthWeekday(year, time.January, time.Monday, 3),    // MLK Day
		nthWeekday(year, time.February, time.Monday, 3),   // Presidents' Day
		easterDate(year).AddDate(0, 0, -2),                // Good Friday
		lastWeekday(year, time.May, time.Monday),          // Memorial Day
		fixed(time.June, 19),                              // Juneteenth
		fixed(time.July, 4),                               // Independence Day
		nthWeekday(year, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4), // Thanksgiving
		fixed(time.December, 25),                          // Christmas
	}

	set := make(map[time.Time]struct{}, len(days))
	for _, d := range days {
		set[d] = struct{}{}
	}
	return set
}

// IsTradingDay reports whether d is an NYSE trading day. Only the calendar
// date of d is considered.
func IsTradingDay(d time.Time) bool {
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := Holidays(d.Year())[d]
	return !holiday
}

// PreviousTradingDay returns the most recent trading day strictly before d.
func PreviousTradingDay(d time.Time) time.Time {
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	for {
		d = d.AddDate(0, 0, -1)
		if IsTradingDay(d) {
			return d
		}
	}
}

// LastExpectedTradingDate returns the last date for which a closed daily
// bar should exist as of now: today if today is a trading day and the
// 16:00 ET close has passed, otherwise the most recent earlier trading
// day.
func LastExpectedTradingDate(now time.Time) time.Time {
	et := now.In(eastern)
	today := Day(now)

	closeToday := time.Date(et.Year(), et.Month(), et.Day(),
		marketClose.hour, marketClose.min, 0, 0, eastern)
	if IsTradingDay(today) && !et.Before(closeToday) {
		return today
	}
	return PreviousTradingDay(today)
}

// IsMarketOpenExtended reports whether the NYSE session, including
// pre-market and after-hours, is open at now: a trading day with ET time
// in [04:00, 20:00).
func IsMarketOpenExtended(now time.Time) bool {
	et := now.In(eastern)
	if !IsTradingDay(Day(now)) {
		return false
	}

	open := time.Date(et.Year(), et.Month(), et.Day(),
		premarketOpen.hour, premarketOpen.min, 0, 0, eastern)
	end := time.Date(et.Year(), et.Month(), et.Day(),
		afterhoursTime.hour, afterhoursTime.min, 0, 0, eastern)
	return !et.Before(open) && et.Before(end)
}
