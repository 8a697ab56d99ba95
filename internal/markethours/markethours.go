// Package markethours decides whether the exchange is open for trading.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST. Both bounds are inclusive.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsOpen returns true if t falls within [09:15:00, 15:30:00] IST and the
// IST calendar date of t is not in holidays.
func IsOpen(t time.Time, holidays HolidaySet) bool {
	ist := t.In(IST)
	if holidays.Contains(ist) {
		return false
	}
	return !ist.Before(TodayOpen(ist)) && !ist.After(TodayClose(ist))
}

// TodayOpen returns the market open time (9:15 AM IST) on t's IST date.
func TodayOpen(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns the market close time (3:30 PM IST) on t's IST date.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// TimeUntilClose returns the duration until today's close.
// Returns 0 if market is already closed.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time, holidays HolidaySet) string {
	ist := t.In(IST)
	switch {
	case holidays.Contains(ist):
		return fmt.Sprintf("Market Closed — %s is a holiday", ist.Format(dateLayout))
	case IsOpen(ist, holidays):
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TimeUntilClose(ist)))
	case ist.Before(TodayOpen(ist)):
		return fmt.Sprintf("Market Closed — opens at %s (%s)",
			TodayOpen(ist).Format("15:04"), fmtDur(TodayOpen(ist).Sub(ist)))
	default:
		return "Market Closed — session ended at " + TodayClose(ist).Format("15:04")
	}
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
