// Package domain defines the value types shared by the extractor, the
// storage layer and the database tools.
package domain

import (
	"fmt"
	"time"
)

// DefaultLimit is the result-count ceiling sent with every request. It is
// large enough to return a whole day of incidents in one response.
const DefaultLimit = 20000000

// DayLayout is the textual form of a Day.
const DayLayout = "2006-01-02"

// ISOLayout renders window bounds as ISO-8601 with a literal T and no zone
// suffix, the form the Socrata filter syntax accepts for floating
// timestamps.
const ISOLayout = "2006-01-02T15:04:05"

// ---------------------------------------------------------------------------
// Day
// ---------------------------------------------------------------------------

// Day is a calendar day with no time zone attached. The zero Day is not a
// valid day.
type Day struct {
	t time.Time // midnight UTC, used only as a carrier
}

// NewDay returns the day y-m-d. Out-of-range values normalise the way
// time.Date does.
func NewDay(y int, m time.Month, d int) Day {
	return Day{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("parsing day %q: %w", s, err)
	}
	return Day{t: t}, nil
}

// DayOf returns the date component of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return NewDay(y, m, d)
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool { return d.t.IsZero() }

// AddDays returns d shifted by n calendar days.
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// Equal reports whether d and o name the same calendar day.
func (d Day) Equal(o Day) bool { return d.t.Equal(o.t) }

// Before reports whether d is earlier than o.
func (d Day) Before(o Day) bool { return d.t.Before(o.t) }

// After reports whether d is later than o.
func (d Day) After(o Day) bool { return d.t.After(o.t) }

// Year returns the year of d.
func (d Day) Year() int { return d.t.Year() }

// Month returns the month of d.
func (d Day) Month() time.Month { return d.t.Month() }

// Dom returns the day of the month of d.
func (d Day) Dom() int { return d.t.Day() }

// Start returns midnight at the beginning of d as a floating timestamp.
func (d Day) Start() time.Time { return d.t }

// String formats d as YYYY-MM-DD.
func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DayLayout)
}

// DaysBetween returns the number of whole days from a to b (negative when b
// is before a).
func DaysBetween(a, b Day) int {
	return int(b.t.Sub(a.t).Hours() / 24)
}

// ---------------------------------------------------------------------------
// Windows and partitions
// ---------------------------------------------------------------------------

// WindowLength is the span covered by one extraction window: a day minus
// one second, since both bounds are inclusive.
const WindowLength = 23*time.Hour + 59*time.Minute + 59*time.Second

// Window is the inclusive time range used as the filter for one run.
// End is always Start + WindowLength.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor returns the window covering day d.
func WindowFor(d Day) Window {
	start := d.Start()
	return Window{Start: start, End: start.Add(WindowLength)}
}

// Day returns the day the window belongs to.
func (w Window) Day() Day { return DayOf(w.Start) }

// StartISO returns the start bound in ISOLayout.
func (w Window) StartISO() string { return w.Start.Format(ISOLayout) }

// EndISO returns the end bound in ISOLayout.
func (w Window) EndISO() string { return w.End.Format(ISOLayout) }

// PartitionKey determines where a run's output is placed.
type PartitionKey struct {
	Table string
	Year  int
	Month int
	Day   int
}

// PartitionFor derives the key for table from the window's start date.
func PartitionFor(table string, w Window) PartitionKey {
	return PartitionKey{
		Table: table,
		Year:  w.Start.Year(),
		Month: int(w.Start.Month()),
		Day:   w.Start.Day(),
	}
}

// Path returns "<table>/year=<Y>/month=<M>/day=<D>". Numbers are printed
// as-is, so March 7th is month=3/day=7.
func (k PartitionKey) Path() string {
	return fmt.Sprintf("%s/year=%d/month=%d/day=%d", k.Table, k.Year, k.Month, k.Day)
}

// ---------------------------------------------------------------------------
// Records and run reporting
// ---------------------------------------------------------------------------

// Record is one decoded row exactly as the API returned it.
type Record map[string]any

// Page is one response of a paged fetch.
type Page struct {
	Offset  int
	Records []Record
}

// LoadInfo describes what the sink wrote for one run.
type LoadInfo struct {
	RunID     string
	Partition PartitionKey
	Pages     int
	Rows      int
	Files     int
	Bytes     int64
	Keys      []string
}

// RunSummary is produced once per day run and then discarded.
type RunSummary struct {
	Day     Day
	Window  Window
	Elapsed time.Duration
	Load    LoadInfo
}
