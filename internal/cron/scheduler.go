// Package cron provides the interval scheduler that drives job ticks.
// It uses the robfig/cron/v3 library with a bounded-window schedule.
// Entries can be added, removed, paused, resumed and rescheduled by id,
// and listeners are notified when entries are added, removed, executed or fail.
package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/robfig/cron/v3"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrJobExists      = errors.New("job already scheduled")
	ErrJobNotFound    = errors.New("job not found")
)

// Kind separates the recurring work entries from auxiliary ones.
type Kind int

const (
	// KindRun is a job's recurring work tick.
	KindRun Kind = iota
	// KindControl is an auxiliary entry such as command processing.
	KindControl
)

// EventType identifies a scheduler event.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventExecuted
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventExecuted:
		return "executed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners after the scheduler state changed.
type Event struct {
	Type      EventType
	JobID     string
	Kind      Kind
	Err       error
	Remaining int // KindRun entries still scheduled
}

// Listener receives scheduler events. It must not block.
type Listener func(Event)

type entry struct {
	id      string
	kind    Kind
	window  Window
	fn      func()
	entryID cron.EntryID
	paused  atomic.Bool
	running atomic.Bool
}

// Scheduler manages the recurring entries of all jobs.
type Scheduler struct {
	cron         *cron.Cron
	logger       *logger.Logger
	metrics      *Metrics
	ctx          context.Context
	cancel       context.CancelFunc
	stopped      chan struct{}
	reapTicker   *time.Ticker
	reapInterval time.Duration
	now          func() time.Time
	started      bool
	mu           sync.RWMutex

	entries map[string]*entry

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithReapInterval sets how often expired entries are removed.
func WithReapInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.reapInterval = d }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLocation sets the time zone the cron loop runs in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: s.logger})),
			cron.WithLogger(cronLogger{log: s.logger}),
		)
	}
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(log *logger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:       log,
		reapInterval: time.Second,
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
	s.cron = cron.New(
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log})),
		cron.WithLogger(cronLogger{log: log}),
	)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the cron loop and the reaper of expired entries.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	s.started = true

	s.cron.Start()
	s.logger.Info("scheduler started", logger.Field{Key: "entries", Value: len(s.entries)})

	s.reapTicker = time.NewTicker(s.reapInterval)
	go s.reapLoop(s.ctx, s.reapTicker)

	go func(ctx context.Context, stopped chan struct{}) {
		<-ctx.Done()
		s.reapTicker.Stop()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
		close(stopped)
	}(s.ctx, s.stopped)

	return nil
}

// Stop stops the scheduler and waits for running entries to return.
// It must not be called from inside a scheduled function.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()

	cancel()
	<-stopped
	return nil
}

// IsStarted returns true if the scheduler is started.
func (s *Scheduler) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// AddListener registers a listener for scheduler events.
func (s *Scheduler) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Add schedules fn under id with the given window.
func (s *Scheduler) Add(id string, kind Kind, w Window, fn func()) error {
	if w.Interval <= 0 {
		return errors.Newf("invalid interval %s for job %s", w.Interval, id)
	}

	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return errors.Wrapf(ErrJobExists, "add %s", id)
	}

	e := &entry{id: id, kind: kind, window: w, fn: fn}
	e.entryID = s.cron.Schedule(w, s.wrap(e))
	s.entries[id] = e
	remaining := s.countLocked(KindRun)
	s.mu.Unlock()

	s.metrics.setEntries(s.Len())
	s.logger.Info("job scheduled",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "window", Value: w.String()},
		logger.Field{Key: "entry_id", Value: e.entryID})

	s.emit(Event{Type: EventAdded, JobID: id, Kind: kind, Remaining: remaining})
	return nil
}

// Remove removes the entry with the given id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	e, exists := s.entries[id]
	if !exists {
		s.mu.Unlock()
		return errors.Wrapf(ErrJobNotFound, "remove %s", id)
	}
	s.cron.Remove(e.entryID)
	delete(s.entries, id)
	remaining := s.countLocked(KindRun)
	s.mu.Unlock()

	s.metrics.setEntries(s.Len())
	s.logger.Info("job removed",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "entry_id", Value: e.entryID},
		logger.Field{Key: "remaining", Value: remaining})

	s.emit(Event{Type: EventRemoved, JobID: id, Kind: e.kind, Remaining: remaining})
	return nil
}

// Pause keeps the entry scheduled but skips its ticks.
func (s *Scheduler) Pause(id string) error {
	return s.setPaused(id, true)
}

// Resume re-enables ticks of a paused entry.
func (s *Scheduler) Resume(id string) error {
	return s.setPaused(id, false)
}

func (s *Scheduler) setPaused(id string, paused bool) error {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return errors.Wrapf(ErrJobNotFound, "pause/resume %s", id)
	}
	e.paused.Store(paused)
	s.logger.Debug("job pause state changed",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "paused", Value: paused})
	return nil
}

// Reschedule replaces the window of an existing entry in place. A paused entry
// is resumed.
func (s *Scheduler) Reschedule(id string, w Window) error {
	if w.Interval <= 0 {
		return errors.Newf("invalid interval %s for job %s", w.Interval, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[id]
	if !exists {
		return errors.Wrapf(ErrJobNotFound, "reschedule %s", id)
	}
	s.cron.Remove(e.entryID)
	e.window = w
	e.paused.Store(false)
	e.entryID = s.cron.Schedule(w, s.wrap(e))

	s.logger.Info("job rescheduled",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "window", Value: w.String()})
	return nil
}

// Has reports whether an entry with the given id is scheduled.
func (s *Scheduler) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// IsPaused reports whether the entry exists and is paused.
func (s *Scheduler) IsPaused(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return ok && e.paused.Load()
}

// Window returns the current window of an entry.
func (s *Scheduler) Window(id string) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Window{}, false
	}
	return e.window, true
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Count returns the number of scheduled entries of the given kind.
func (s *Scheduler) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(kind)
}

func (s *Scheduler) countLocked(kind Kind) int {
	n := 0
	for _, e := range s.entries {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// RunNow executes the entry synchronously, honoring pause.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return errors.Wrapf(ErrJobNotFound, "run %s", id)
	}
	s.execute(e)
	return nil
}

func (s *Scheduler) wrap(e *entry) cron.Job {
	return cron.FuncJob(func() {
		s.execute(e)
	})
}

// execute runs one tick of an entry and reports the outcome to listeners.
func (s *Scheduler) execute(e *entry) {
	if e.paused.Load() {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Debug("tick skipped, previous still running", logger.Field{Key: "job_id", Value: e.id})
		return
	}
	defer e.running.Store(false)

	var panicErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("panic: %v", r)
				s.logger.Error("job panic recovered", panicErr,
					logger.Field{Key: "job_id", Value: e.id})
			}
		}()
		e.fn()
	}()

	if panicErr != nil {
		s.emit(Event{Type: EventError, JobID: e.id, Kind: e.kind, Err: panicErr})
		return
	}
	s.emit(Event{Type: EventExecuted, JobID: e.id, Kind: e.kind})
}

func (s *Scheduler) emit(ev Event) {
	s.listenersMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

// reapLoop removes entries whose window has passed.
func (s *Scheduler) reapLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapExpired()
		}
	}
}

// ReapExpired removes every entry whose window stop time has passed.
func (s *Scheduler) ReapExpired() int {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for id, e := range s.entries {
		if e.window.Expired(now) && !e.running.Load() {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if err := s.Remove(id); err != nil && !errors.Is(err, ErrJobNotFound) {
			s.logger.Error("failed to remove expired job", err, logger.Field{Key: "job_id", Value: id})
		}
	}
	return len(expired)
}
