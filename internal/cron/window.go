package cron

import (
	"fmt"
	"time"
)

// Window is a fixed-interval trigger bounded by an optional start and stop time.
// It implements cron.Schedule.
type Window struct {
	Start    time.Time // zero: first fire one interval after registration
	Stop     time.Time // zero: never expires
	Interval time.Duration
}

// Every returns an unbounded window firing every d.
func Every(d time.Duration) Window {
	return Window{Interval: d}
}

// Next returns the first fire time strictly after t, or the zero time once
// the window is exhausted.
func (w Window) Next(t time.Time) time.Time {
	if w.Interval <= 0 {
		return time.Time{}
	}

	var next time.Time
	switch {
	case w.Start.IsZero():
		next = t.Add(w.Interval)
	case t.Before(w.Start):
		next = w.Start
	default:
		k := t.Sub(w.Start)/w.Interval + 1
		next = w.Start.Add(k * w.Interval)
	}

	if !w.Stop.IsZero() && next.After(w.Stop) {
		return time.Time{}
	}
	return next
}

// Expired reports whether no further fire can happen after now.
func (w Window) Expired(now time.Time) bool {
	return !w.Stop.IsZero() && now.After(w.Stop)
}

func (w Window) String() string {
	layout := "2006-01-02 15:04:05"
	start, stop := "-", "-"
	if !w.Start.IsZero() {
		start = w.Start.Format(layout)
	}
	if !w.Stop.IsZero() {
		stop = w.Stop.Format(layout)
	}
	return fmt.Sprintf("[%s .. %s every %s]", start, stop, w.Interval)
}
