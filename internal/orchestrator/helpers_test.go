package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/istvanzk/rpicampy-sub000/internal/wsserver"
)

func testLogger() *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: "stdout"})
	if err != nil {
		panic(err)
	}
	return log
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeScheduler tracks entry ids and emits removal events like cron.Scheduler.
type fakeScheduler struct {
	mu        sync.Mutex
	entries   map[string]bool
	listeners []cron.Listener
	started   bool
	starts    int
	stops     int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{entries: make(map[string]bool)}
}

func (s *fakeScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.starts++
	return nil
}

func (s *fakeScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return cron.ErrNotStarted
	}
	s.started = false
	s.stops++
	return nil
}

func (s *fakeScheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

func (s *fakeScheduler) AddListener(l cron.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *fakeScheduler) add(id string) {
	s.mu.Lock()
	s.entries[id] = true
	s.mu.Unlock()
	s.emit(cron.Event{Type: cron.EventAdded, JobID: id, Kind: cron.KindRun})
}

func (s *fakeScheduler) remove(id string) {
	s.mu.Lock()
	existed := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if existed {
		s.emit(cron.Event{Type: cron.EventRemoved, JobID: id, Kind: cron.KindRun})
	}
}

func (s *fakeScheduler) emit(ev cron.Event) {
	s.mu.Lock()
	listeners := append([]cron.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (s *fakeScheduler) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// fakeJob records what the orchestrator asked of it.
type fakeJob struct {
	name  string
	sched *fakeScheduler

	mu         sync.Mutex
	status     *jobctl.StatusLog
	value      int
	inits      int
	stops      int
	dayEnds    int
	runEnds    int
	windows    []cron.Window
	grace      time.Duration
	queued     []jobctl.Command
	enqueueErr error
}

func newFakeJob(name string, sched *fakeScheduler) *fakeJob {
	return &fakeJob{name: name, sched: sched, status: jobctl.NewStatusLog(jobctl.StatusLogSize)}
}

func (j *fakeJob) Name() string { return j.name }

func (j *fakeJob) StateValue() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.value
}

func (j *fakeJob) Status() *jobctl.StatusLog { return j.status }

func (j *fakeJob) Init() (bool, error) {
	j.mu.Lock()
	j.inits++
	j.mu.Unlock()
	j.sched.remove(j.name)
	return true, nil
}

func (j *fakeJob) Run(w *cron.Window) (bool, error) {
	j.mu.Lock()
	if w != nil {
		j.windows = append(j.windows, *w)
	}
	j.mu.Unlock()
	j.sched.remove(j.name)
	j.sched.add(j.name)
	return true, nil
}

func (j *fakeJob) Stop() (bool, error) {
	j.mu.Lock()
	j.stops++
	j.mu.Unlock()
	j.sched.remove(j.name)
	return true, nil
}

func (j *fakeJob) EndOfDay() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dayEnds++
	return nil
}

func (j *fakeJob) EndOfRun() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runEnds++
	return nil
}

func (j *fakeJob) SetErrorGrace(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.grace = d
}

func (j *fakeJob) EnqueueCommand(ctx context.Context, cmd jobctl.Command) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enqueueErr != nil {
		return j.enqueueErr
	}
	j.queued = append(j.queued, cmd)
	return nil
}

type jobCounts struct {
	inits, stops, dayEnds, runEnds int
}

func (j *fakeJob) counts() jobCounts {
	j.mu.Lock()
	defer j.mu.Unlock()
	return jobCounts{j.inits, j.stops, j.dayEnds, j.runEnds}
}

func (j *fakeJob) runWindows() []cron.Window {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]cron.Window(nil), j.windows...)
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []any
	commands []wsserver.Command
	sendErr  error
}

func (c *fakeChannel) SendStatus(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeChannel) ReceiveCommand() (wsserver.Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commands) == 0 {
		return wsserver.Command{}, false
	}
	cmd := c.commands[0]
	c.commands = c.commands[1:]
	return cmd, true
}

func (c *fakeChannel) push(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, wsserver.Command{DeviceID: "phone", CommandString: s})
}

// fixture wires an orchestrator with three fake jobs and a fake timer.
type fixture struct {
	orch    *Orchestrator
	sched   *fakeScheduler
	events  *events.Coordinator
	clock   *fakeClock
	channel *fakeChannel
	timer   *fakeJob
	jobs    map[string]*fakeJob
	// onSleep runs on every wait poll before the clock advances.
	onSleep func()
}

var day1 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testPlan() Plan {
	return Plan{
		StartDay: day1,
		StopDay:  day1.AddDate(0, 0, 1),
		Windows: []DailyWindow{
			{StartMin: 8 * 60, StopMin: 8*60 + 9},
			{StartMin: 12 * 60, StopMin: 12*60 + 4},
		},
		Location: time.UTC,
	}
}

func newFixture(now time.Time) *fixture {
	f := &fixture{
		sched:   newFakeScheduler(),
		events:  events.New("timer", "cam", "upl", "dir"),
		clock:   &fakeClock{now: now},
		channel: &fakeChannel{},
		jobs:    make(map[string]*fakeJob),
	}
	f.events.SetClock(f.clock.Now)

	sleep := func(ctx context.Context, d time.Duration) error {
		if f.onSleep != nil {
			f.onSleep()
		}
		f.clock.Advance(d)
		return ctx.Err()
	}
	cfg := Config{Plan: testPlan(), TimerInterval: 30 * time.Second, ErrorDelayFactor: 3, PollInterval: time.Minute}
	f.orch = New(cfg, f.sched, f.events, testLogger(), WithClock(f.clock.Now), WithSleep(sleep))

	specs := []struct {
		key       string
		offset    time.Duration
		intervals []time.Duration
	}{
		{KeyCam, 0, []time.Duration{time.Minute, 2 * time.Minute}},
		{KeyUpl, time.Minute, []time.Duration{2 * time.Minute, 2 * time.Minute}},
		{KeyDir, 3 * time.Minute, []time.Duration{5 * time.Minute, 5 * time.Minute}},
	}
	for _, s := range specs {
		j := newFakeJob(s.key, f.sched)
		f.jobs[s.key] = j
		if err := f.orch.AddJob(JobSpec{Key: s.key, Job: j, Intervals: s.intervals, Offset: s.offset}); err != nil {
			panic(err)
		}
	}

	f.orch.NewDriver(f.channel, DriverConfig{DeviceID: "rpi-test", StatusEnabled: true, CmdEnabled: true})
	f.timer = newFakeJob(KeyTimer, f.sched)
	f.orch.SetTimer(f.timer)
	return f
}

func at(day time.Time, hour, min int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, time.UTC)
}
