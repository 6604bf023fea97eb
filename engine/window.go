package engine

import (
	"fmt"
	"time"

	"mailcadence/models"
)

// maxWindowLookaheadDays bounds the day-by-day search for the next admissible
// send time; a window that admits nothing within it is misconfigured.
const maxWindowLookaheadDays = 14

// IsWithinSendingWindow reports whether ts is admissible under the window
// and, when it is not, the next admissible timestamp. All time-of-day
// comparisons happen in the window's configured timezone, not process-local
// time.
func IsWithinSendingWindow(ts time.Time, window models.SendingWindow) (bool, time.Time, error) {
	loc, err := windowLocation(window)
	if err != nil {
		return false, time.Time{}, err
	}
	if err := validateWindow(window); err != nil {
		return false, time.Time{}, err
	}
	if admissible(ts.In(loc), window) {
		return true, ts, nil
	}
	next, err := nextSendTime(ts, window, loc)
	if err != nil {
		return false, time.Time{}, err
	}
	return false, next, nil
}

// CalculateNextSendTime returns baseTime unchanged when it already falls on
// an allowed weekday inside the window, otherwise the start of the window on
// the next allowed day. Deterministic: equal inputs give equal outputs.
func CalculateNextSendTime(baseTime time.Time, window models.SendingWindow) (time.Time, error) {
	ok, next, err := IsWithinSendingWindow(baseTime, window)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return baseTime, nil
	}
	return next, nil
}

func nextSendTime(base time.Time, window models.SendingWindow, loc *time.Location) (time.Time, error) {
	local := base.In(loc)

	// Still before today's window opens: clamp to today's start.
	if weekdayAllowed(local.Weekday(), window) && minuteOfDay(local) < windowStart(window) {
		return windowOpen(local, window, loc), nil
	}

	for days := 1; days <= maxWindowLookaheadDays; days++ {
		candidate := local.AddDate(0, 0, days)
		if weekdayAllowed(candidate.Weekday(), window) {
			return windowOpen(candidate, window, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no allowed weekday within %d days",
		ErrWindowMisconfigured, maxWindowLookaheadDays)
}

func admissible(local time.Time, window models.SendingWindow) bool {
	if !weekdayAllowed(local.Weekday(), window) {
		return false
	}
	m := minuteOfDay(local)
	return m >= windowStart(window) && m < windowEnd(window)
}

func weekdayAllowed(day time.Weekday, window models.SendingWindow) bool {
	for _, allowed := range window.Weekdays {
		if allowed == day {
			return true
		}
	}
	return false
}

// windowOpen builds the window's opening instant on the candidate's date.
// Constructed via time.Date so DST transitions resolve per the location.
func windowOpen(candidate time.Time, window models.SendingWindow, loc *time.Location) time.Time {
	return time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
		window.StartHour, window.StartMinute, 0, 0, loc)
}

func windowLocation(window models.SendingWindow) (*time.Location, error) {
	if window.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(window.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timezone %q", ErrWindowMisconfigured, window.Timezone)
	}
	return loc, nil
}

func validateWindow(window models.SendingWindow) error {
	if len(window.Weekdays) == 0 {
		return fmt.Errorf("%w: empty weekday set", ErrWindowMisconfigured)
	}
	if windowStart(window) >= windowEnd(window) {
		return fmt.Errorf("%w: start %02d:%02d not before end %02d:%02d",
			ErrWindowMisconfigured,
			window.StartHour, window.StartMinute, window.EndHour, window.EndMinute)
	}
	return nil
}

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }
func windowStart(w models.SendingWindow) int { return w.StartHour*60 + w.StartMinute }
func windowEnd(w models.SendingWindow) int { return w.EndHour*60 + w.EndMinute }
