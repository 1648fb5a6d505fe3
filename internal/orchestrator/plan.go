package orchestrator

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/istvanzk/rpicampy-sub000/internal/config"
)

// DailyWindow is one activity period of a day, in minutes since midnight.
// The stop minute is inclusive.
type DailyWindow struct {
	StartMin int
	StopMin  int
}

// Plan is the active date range and the daily windows.
type Plan struct {
	StartDay time.Time // 00:00 of the first active day
	StopDay  time.Time // 00:00 of the last active day
	Windows  []DailyWindow
	Location *time.Location
}

// PlanFromConfig builds the plan of the [timer] section.
func PlanFromConfig(t config.TimerConfig) (Plan, error) {
	loc, err := t.LoadLocation()
	if err != nil {
		return Plan{}, errors.Wrapf(err, "timer location %q", t.Location)
	}
	start, stop, err := t.DateRange(loc)
	if err != nil {
		return Plan{}, err
	}

	p := Plan{StartDay: start, StopDay: stop, Location: loc}
	for i, w := range t.Windows {
		startMin, err := config.ParseClock(w.Start)
		if err != nil {
			return Plan{}, errors.Wrapf(err, "window %d", i)
		}
		stopMin, err := config.ParseClock(w.Stop)
		if err != nil {
			return Plan{}, errors.Wrapf(err, "window %d", i)
		}
		p.Windows = append(p.Windows, DailyWindow{StartMin: startMin, StopMin: stopMin})
	}
	if len(p.Windows) == 0 {
		return Plan{}, errors.New("no daily windows configured")
	}
	return p, nil
}

// Bounds returns the absolute start and stop of window i on day. The stop
// covers the whole stop minute.
func (p Plan) Bounds(day time.Time, i int) (time.Time, time.Time) {
	d := startOfDay(day, p.location())
	w := p.Windows[i]
	start := time.Date(d.Year(), d.Month(), d.Day(), w.StartMin/60, w.StartMin%60, 0, 0, d.Location())
	stop := time.Date(d.Year(), d.Month(), d.Day(), w.StopMin/60, w.StopMin%60, 59, 0, d.Location())
	return start, stop
}

// RangeStart is the start of the first window of the first day.
func (p Plan) RangeStart() time.Time {
	start, _ := p.Bounds(p.StartDay, 0)
	return start
}

// RangeEnd is the stop of the last window of the last day.
func (p Plan) RangeEnd() time.Time {
	_, stop := p.Bounds(p.StopDay, len(p.Windows)-1)
	return stop
}

// FirstDay returns the day the loop starts on for a process started at now.
func (p Plan) FirstDay(now time.Time) time.Time {
	today := startOfDay(now, p.location())
	if today.Before(p.StartDay) {
		return p.StartDay
	}
	return today
}

// Skipped reports whether window i of day has already ended at now.
func (p Plan) Skipped(day time.Time, i int, now time.Time) bool {
	_, stop := p.Bounds(day, i)
	return !now.Before(stop)
}

func (p Plan) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func nextDay(day time.Time, loc *time.Location) time.Time {
	d := startOfDay(day, loc)
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc)
}
