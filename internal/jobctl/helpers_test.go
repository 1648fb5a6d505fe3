package jobctl

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

func testLogger() *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: "stdout"})
	if err != nil {
		panic(err)
	}
	return log
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeEntry struct {
	kind   cron.Kind
	window cron.Window
	fn     func()
	paused bool
}

// fakeScheduler records entries without running them.
type fakeScheduler struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{entries: make(map[string]*fakeEntry)}
}

func (s *fakeScheduler) Add(id string, kind cron.Kind, w cron.Window, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return errors.Wrap(cron.ErrJobExists, id)
	}
	s.entries[id] = &fakeEntry{kind: kind, window: w, fn: fn}
	return nil
}

func (s *fakeScheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return errors.Wrap(cron.ErrJobNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

func (s *fakeScheduler) Pause(id string) error  { return s.setPaused(id, true) }
func (s *fakeScheduler) Resume(id string) error { return s.setPaused(id, false) }

func (s *fakeScheduler) setPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errors.Wrap(cron.ErrJobNotFound, id)
	}
	e.paused = paused
	return nil
}

func (s *fakeScheduler) Reschedule(id string, w cron.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errors.Wrap(cron.ErrJobNotFound, id)
	}
	e.window = w
	e.paused = false
	return nil
}

func (s *fakeScheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *fakeScheduler) entry(id string) (fakeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fakeEntry{}, false
	}
	return *e, true
}

// drop removes an entry the way the reaper does for an expired window.
func (s *fakeScheduler) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

type fakeHooks struct {
	mu       sync.Mutex
	inits    int
	works    int
	dayEnds  int
	runEnds  int
	workErr  error
	initErr  error
	onDayEnd func()
	status   *StatusLog
}

func (h *fakeHooks) OnInit(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits++
	return h.initErr
}

func (h *fakeHooks) OnWork(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.works++
	return h.workErr
}

func (h *fakeHooks) OnEndOfDay(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dayEnds++
	if h.onDayEnd != nil {
		h.onDayEnd()
	}
	return nil
}

func (h *fakeHooks) OnEndOfRun(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runEnds++
	return nil
}

func (h *fakeHooks) SetStatus(log *StatusLog) { h.status = log }

func (h *fakeHooks) setWorkErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workErr = err
}

func (h *fakeHooks) counts() (inits, works int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inits, h.works
}

type panicHooks struct{ fakeHooks }

func (h *panicHooks) OnWork(context.Context) error { panic("sensor gone") }

type fixture struct {
	ctl    *Controller
	hooks  *fakeHooks
	sched  *fakeScheduler
	events *events.Coordinator
	clock  *fakeClock
	fatals []string
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		hooks:  &fakeHooks{},
		sched:  newFakeScheduler(),
		events: events.New("cam", "upl"),
		clock:  newFakeClock(),
	}
	f.events.SetClock(f.clock.Now)
	opts.Clock = f.clock.Now
	opts.Fatal = func(name string, _ error) { f.fatals = append(f.fatals, name) }

	ctl, err := NewController("cam", f.hooks, f.sched, f.events, testLogger(), opts)
	if err != nil {
		panic(err)
	}
	f.ctl = ctl
	return f
}

func (f *fixture) window() *cron.Window {
	now := f.clock.Now()
	return &cron.Window{Start: now, Stop: now.Add(time.Hour), Interval: time.Minute}
}
