package extract

import (
	"time"

	"crimelake/internal/domain"
)

// Tracker holds the extraction cursor: the current day and the end of its
// window. It only moves forward.
type Tracker struct {
	current   domain.Day
	windowEnd time.Time
}

// NewTracker starts the cursor at day.
func NewTracker(day domain.Day) *Tracker {
	return &Tracker{
		current:   day,
		windowEnd: day.Start().Add(domain.WindowLength),
	}
}

// Current returns the day the cursor is on.
func (t *Tracker) Current() domain.Day { return t.current }

// WindowEnd returns the inclusive end of the current day's window.
func (t *Tracker) WindowEnd() time.Time { return t.windowEnd }

// Advance moves the cursor and the window end forward by one day.
func (t *Tracker) Advance() {
	t.current = t.current.AddDays(1)
	t.windowEnd = t.windowEnd.AddDate(0, 0, 1)
}

// IsComplete reports whether the cursor has reached today.
func (t *Tracker) IsComplete(today domain.Day) bool {
	return t.current.Equal(today)
}

// Window returns the window for the current day.
func (t *Tracker) Window() domain.Window {
	return domain.Window{Start: t.current.Start(), End: t.windowEnd}
}
