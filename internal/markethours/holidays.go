package markethours

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
)

const dateLayout = "2006-01-02"

// NSE holidays for 2026, used when no holiday CSV is configured.
// Source: NSE India official holiday list.
var nseHolidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},  // Republic Day
	{time.February, 17}, // Mahashivratri (tentative)
	{time.March, 14},    // Holi
	{time.March, 31},    // Id-ul-Fitr (Eid) (tentative)
	{time.April, 2},     // Ram Navami (tentative)
	{time.April, 6},     // Mahavir Jayanti
	{time.April, 10},    // Good Friday
	{time.April, 14},    // Dr. Ambedkar Jayanti
	{time.May, 1},       // Maharashtra Day
	{time.June, 7},      // Bakrid / Eid ul-Adha (tentative)
	{time.July, 6},      // Muharram (tentative)
	{time.August, 15},   // Independence Day
	{time.August, 16},   // Janmashtami (tentative)
	{time.September, 5}, // Milad-un-Nabi (tentative)
	{time.October, 2},   // Mahatma Gandhi Jayanti
	{time.October, 20},  // Dussehra
	{time.October, 21},  // Dussehra (tentative)
	{time.November, 5},  // Diwali / Lakshmi Puja (tentative)
	{time.November, 6},  // Diwali Balipratipada (tentative)
	{time.November, 7},  // Bhai Dooj (tentative)
	{time.November, 19}, // Guru Nanak Jayanti
	{time.December, 25}, // Christmas
}

// HolidaySet is a set of exchange-local calendar dates ("2006-01-02")
// on which the market does not trade. The zero value is an empty set.
type HolidaySet map[string]struct{}

// NewHolidaySet builds a set from dates; each date is keyed by its IST calendar day.
func NewHolidaySet(dates ...time.Time) HolidaySet {
	s := make(HolidaySet, len(dates))
	for _, d := range dates {
		s[d.In(IST).Format(dateLayout)] = struct{}{}
	}
	return s
}

// DefaultHolidays returns the built-in NSE 2026 calendar.
func DefaultHolidays() HolidaySet {
	s := make(HolidaySet, len(nseHolidays2026))
	for _, h := range nseHolidays2026 {
		s[time.Date(2026, h.month, h.day, 0, 0, 0, 0, IST).Format(dateLayout)] = struct{}{}
	}
	return s
}

// Contains returns true if t's IST calendar date is a holiday.
func (s HolidaySet) Contains(t time.Time) bool {
	_, ok := s[t.In(IST).Format(dateLayout)]
	return ok
}

// Len returns the number of holiday dates.
func (s HolidaySet) Len() int { return len(s) }

type holidayRow struct {
	Date        string `csv:"Date"`
	Description string `csv:"Description,omitempty"`
}

// LoadHolidaysCSV reads a holiday calendar with a "Date" column in YYYY-MM-DD form.
// Blank dates are skipped; any other unparseable date is an error.
func LoadHolidaysCSV(path string) (HolidaySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("holidays: open %s: %w", path, err)
	}
	defer f.Close()

	var rows []holidayRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("holidays: decode %s: %w", path, err)
	}

	s := make(HolidaySet, len(rows))
	for i, r := range rows {
		raw := strings.TrimSpace(r.Date)
		if raw == "" {
			continue
		}
		d, err := time.ParseInLocation(dateLayout, raw, IST)
		if err != nil {
			return nil, fmt.Errorf("holidays: row %d: bad date %q: %w", i+1, raw, err)
		}
		s[d.Format(dateLayout)] = struct{}{}
	}
	return s, nil
}
