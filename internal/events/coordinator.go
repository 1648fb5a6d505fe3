// Package events holds the process-wide flags shared by jobs and the orchestrator.
//
// Every flag is independently atomic: readers never take a lock, and no flag
// update depends on another one. The set of job ids is fixed at construction.
package events

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type jobFlags struct {
	err        atomic.Bool
	errTime    atomic.Int64 // unix nanoseconds, 0 when clear
	errLevel   atomic.Int32
	errCount   atomic.Int64
	runCount   atomic.Int64
	stateValue atomic.Int32
}

// Coordinator is the shared event state of one process.
type Coordinator struct {
	jobs map[string]*jobFlags
	ids  []string

	allJobsEnded atomic.Bool
	dayEnd       atomic.Bool
	end          atomic.Bool
	jobRunCount  atomic.Int64

	now func() time.Time
}

// New creates a coordinator for the given job ids.
func New(jobIDs ...string) *Coordinator {
	c := &Coordinator{
		jobs: make(map[string]*jobFlags, len(jobIDs)),
		now:  time.Now,
	}
	for _, id := range jobIDs {
		if _, ok := c.jobs[id]; ok {
			continue
		}
		c.jobs[id] = &jobFlags{}
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	return c
}

// SetClock replaces the time source. Used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// JobIDs returns the registered job ids in sorted order.
func (c *Coordinator) JobIDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// Has reports whether id was registered.
func (c *Coordinator) Has(id string) bool {
	_, ok := c.jobs[id]
	return ok
}

// SetError raises the error flag of a job, stamps it and bumps its error counter.
func (c *Coordinator) SetError(id string, level int) {
	f, ok := c.jobs[id]
	if !ok {
		return
	}
	f.errLevel.Store(int32(level))
	f.errTime.Store(c.now().UnixNano())
	f.errCount.Add(1)
	f.err.Store(true)
}

// ClearError lowers the error flag of a job and resets its timestamp.
func (c *Coordinator) ClearError(id string) {
	f, ok := c.jobs[id]
	if !ok {
		return
	}
	f.err.Store(false)
	f.errTime.Store(0)
	f.errLevel.Store(0)
}

// IsErrorSet reports whether the job's error flag is raised.
func (c *Coordinator) IsErrorSet(id string) bool {
	f, ok := c.jobs[id]
	return ok && f.err.Load()
}

// ErrorTime returns when the job's error flag was last raised, zero if clear.
func (c *Coordinator) ErrorTime(id string) time.Time {
	f, ok := c.jobs[id]
	if !ok {
		return time.Time{}
	}
	ns := f.errTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ErrorLevel returns the severity recorded with the last SetError.
func (c *Coordinator) ErrorLevel(id string) int {
	f, ok := c.jobs[id]
	if !ok {
		return 0
	}
	return int(f.errLevel.Load())
}

// ErrorCount returns how many times the job's error flag was raised.
func (c *Coordinator) ErrorCount(id string) int64 {
	f, ok := c.jobs[id]
	if !ok {
		return 0
	}
	return f.errCount.Load()
}

// IncRunCount records a successful run of the job.
func (c *Coordinator) IncRunCount(id string) int64 {
	f, ok := c.jobs[id]
	if !ok {
		return 0
	}
	c.jobRunCount.Add(1)
	return f.runCount.Add(1)
}

// RunCount returns the successful runs of the job.
func (c *Coordinator) RunCount(id string) int64 {
	f, ok := c.jobs[id]
	if !ok {
		return 0
	}
	return f.runCount.Load()
}

// TotalRunCount returns the successful runs of all jobs.
func (c *Coordinator) TotalRunCount() int64 {
	return c.jobRunCount.Load()
}

// SetStateValue stores the last encoded state value of the job.
func (c *Coordinator) SetStateValue(id string, v int) {
	if f, ok := c.jobs[id]; ok {
		f.stateValue.Store(int32(v))
	}
}

// StateValue returns the last encoded state value of the job.
func (c *Coordinator) StateValue(id string) int {
	f, ok := c.jobs[id]
	if !ok {
		return 0
	}
	return int(f.stateValue.Load())
}

func (c *Coordinator) SetAllJobsEnded()   { c.allJobsEnded.Store(true) }
func (c *Coordinator) ClearAllJobsEnded() { c.allJobsEnded.Store(false) }
func (c *Coordinator) AllJobsEnded() bool { return c.allJobsEnded.Load() }
func (c *Coordinator) SetDayEnd()         { c.dayEnd.Store(true) }
func (c *Coordinator) ClearDayEnd()       { c.dayEnd.Store(false) }
func (c *Coordinator) IsDayEnd() bool     { return c.dayEnd.Load() }
func (c *Coordinator) SetEnd()            { c.end.Store(true) }
func (c *Coordinator) ClearEnd()          { c.end.Store(false) }
func (c *Coordinator) IsEnd() bool        { return c.end.Load() }

// Clear resets the signals and every job's error state before a new window.
// Run counters and state values are kept.
func (c *Coordinator) Clear() {
	c.dayEnd.Store(false)
	c.end.Store(false)
	c.allJobsEnded.Store(false)
	for _, f := range c.jobs {
		f.err.Store(false)
		f.errTime.Store(0)
		f.errLevel.Store(0)
		f.errCount.Store(0)
	}
}

// Reset clears all counters.
func (c *Coordinator) Reset() {
	c.jobRunCount.Store(0)
	for _, f := range c.jobs {
		f.errTime.Store(0)
		f.errCount.Store(0)
		f.runCount.Store(0)
	}
}

func (c *Coordinator) String() string {
	var b strings.Builder
	b.WriteString("events:")
	for _, id := range c.ids {
		f := c.jobs[id]
		fmt.Fprintf(&b, " %s(err=%t runs=%d errs=%d)", id, f.err.Load(), f.runCount.Load(), f.errCount.Load())
	}
	fmt.Fprintf(&b, " day_end=%t end=%t all_ended=%t", c.dayEnd.Load(), c.end.Load(), c.allJobsEnded.Load())
	return b.String()
}
