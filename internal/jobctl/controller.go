// Package jobctl implements the lifecycle of one scheduled job: state machine,
// command queue, status log and the error escalation policy.
//
// A Controller owns all of its mutable fields. Ticks, command processing and
// transitions requested from outside are serialized by one mutex; the encoded
// state value is published atomically so readers never wait on a running tick.
package jobctl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

// ErrNoSchedule is returned when a transition needs a schedule the job never had.
var ErrNoSchedule = errors.New("job has no schedule")

const (
	DefaultCmdInterval  = 11 * time.Second
	DefaultQueueTimeout = 5 * time.Second
	DefaultErrorGrace   = time.Minute
)

// Hooks is the work a job plugs into its controller.
type Hooks interface {
	OnInit(ctx context.Context) error
	OnWork(ctx context.Context) error
	OnEndOfDay(ctx context.Context) error
	OnEndOfRun(ctx context.Context) error
}

// StatusAware hooks receive the controller's status log at construction.
type StatusAware interface {
	SetStatus(log *StatusLog)
}

// Scheduler is the subset of *cron.Scheduler a controller needs.
type Scheduler interface {
	Add(id string, kind cron.Kind, w cron.Window, fn func()) error
	Remove(id string) error
	Pause(id string) error
	Resume(id string) error
	Reschedule(id string, w cron.Window) error
	Has(id string) bool
}

// Options tune a Controller. Zero values select the defaults.
type Options struct {
	Context      context.Context
	CmdInterval  time.Duration
	QueueTimeout time.Duration
	ErrorGrace   time.Duration
	// Fatal is called once per critical failure while the controller is locked.
	// It must not block.
	Fatal   func(name string, err error)
	Metrics *Metrics
	Clock   func() time.Time
}

// Controller drives one job.
type Controller struct {
	name   string
	hooks  Hooks
	sched  Scheduler
	events *events.Coordinator
	logger *logger.Logger

	ctx          context.Context
	cmdInterval  time.Duration
	queueTimeout time.Duration
	fatal        func(string, error)
	metrics      *Metrics
	now          func() time.Time

	queue  *CommandQueue
	status *StatusLog

	mu            sync.Mutex
	state         State
	cmdValue      int
	errValue      int
	window        cron.Window
	hasWindow     bool
	grace         time.Duration
	errorRunCount int
	dayEndDone    bool
	endDone       bool

	stateValue atomic.Int32
}

// NewController creates the controller and runs Init on it. The returned
// error is only non-nil when the init hook failed critically.
func NewController(name string, hooks Hooks, sched Scheduler, ev *events.Coordinator, log *logger.Logger, opts Options) (*Controller, error) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.CmdInterval <= 0 {
		opts.CmdInterval = DefaultCmdInterval
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}
	if opts.ErrorGrace <= 0 {
		opts.ErrorGrace = DefaultErrorGrace
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Controller{
		name:         name,
		hooks:        hooks,
		sched:        sched,
		events:       ev,
		logger:       log.Named("jobctl").With(logger.Job(name)),
		ctx:          opts.Context,
		cmdInterval:  opts.CmdInterval,
		queueTimeout: opts.QueueTimeout,
		fatal:        opts.Fatal,
		metrics:      opts.Metrics,
		now:          opts.Clock,
		queue:        NewCommandQueue(CommandQueueSize),
		status:       NewStatusLog(StatusLogSize),
		grace:        opts.ErrorGrace,
		state:        StateStopped,
	}
	if sa, ok := hooks.(StatusAware); ok {
		sa.SetStatus(c.status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(false); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Controller) Name() string { return c.name }

// CmdTaskID is the scheduler id of the command processing task.
func (c *Controller) CmdTaskID() string { return c.name + "_Cmd" }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateValue returns errValue + 8*cmdValue without waiting on a running tick.
func (c *Controller) StateValue() int {
	return int(c.stateValue.Load())
}

// Values returns the current error and command values.
func (c *Controller) Values() (errValue, cmdValue int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errValue, c.cmdValue
}

func (c *Controller) Status() *StatusLog { return c.status }

func (c *Controller) QueueLen() int { return c.queue.Len() }

func (c *Controller) ErrorRunCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorRunCount
}

func (c *Controller) SetErrorGrace(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.grace = d
	}
}

func (c *Controller) ErrorGrace() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grace
}

// Window returns the last window given to Run or Reschedule.
func (c *Controller) Window() (cron.Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window, c.hasWindow
}

// Init re-arms the job: schedule cancelled, queue and status cleared, error
// flag lowered, init hook called, command task registered.
func (c *Controller) Init() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateInit || c.signalRaised() {
		return false, nil
	}
	return true, c.initLocked(false)
}

// Run starts the job on w. A nil window resumes the previous schedule.
func (c *Controller) Run(w *cron.Window) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runLocked(w)
}

// Pause keeps the schedule but suspends its ticks.
func (c *Controller) Pause() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StatePaused || c.signalRaised() {
		return false, nil
	}
	if !c.sched.Has(c.name) {
		return false, errors.Wrapf(ErrNoSchedule, "pause %s", c.name)
	}
	if err := c.sched.Pause(c.name); err != nil {
		return false, errors.Wrapf(err, "pause %s", c.name)
	}
	c.setStateLocked(StatePaused)
	return true, nil
}

// Stop removes the schedule. It is honored even while a day-end or end signal is raised.
func (c *Controller) Stop() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

// Reschedule replaces the window of the scheduled job in place. A nil window
// re-applies the stored one.
func (c *Controller) Reschedule(w *cron.Window) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rescheduleLocked(w)
}

// EndOfDay runs the end-of-day hook while the day-end signal is raised.
// It does nothing while the job is active or its error flag is set.
func (c *Controller) EndOfDay() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maintenanceLocked(CmdEndOfDay, true)
}

// EndOfRun runs the end-of-run hook while the end signal is raised.
func (c *Controller) EndOfRun() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maintenanceLocked(CmdEndOfRun, true)
}

// EnqueueCommand queues cmd for the command task. A queue that stays full for
// the queue timeout records a Lev0 error and returns ErrQueueFull.
func (c *Controller) EnqueueCommand(ctx context.Context, cmd Command) error {
	err := c.queue.Push(ctx, cmd, c.queueTimeout)
	if err == nil {
		c.logger.Debug("command queued",
			logger.Field{Key: "command", Value: cmd.Value.String()},
			logger.Field{Key: "pending", Value: c.queue.Len()})
		return nil
	}
	if errors.Is(err, ErrQueueFull) {
		c.mu.Lock()
		c.setErrorLocked("enqueue", SeverityLev0)
		c.mu.Unlock()
	}
	return errors.Wrapf(err, "enqueue %s for %s", cmd.Value, c.name)
}

// Tick is one execution of the job's recurring entry.
func (c *Controller) Tick() error {
	start := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.tickLocked()
	c.metrics.observeTick(c.name, result, c.now().Sub(start))
	return err
}

func (c *Controller) tickLocked() (string, error) {
	switch c.state {
	case StateStopped, StatePaused:
		return "skipped", nil
	}

	if c.events.IsEnd() {
		return "maintenance", c.maintenanceLocked(CmdEndOfRun, false)
	}
	c.endDone = false
	if c.events.IsDayEnd() {
		return "maintenance", c.maintenanceLocked(CmdEndOfDay, false)
	}
	c.dayEndDone = false

	if c.events.IsErrorSet(c.name) {
		elapsed := c.now().Sub(c.events.ErrorTime(c.name))
		if elapsed <= c.grace {
			c.errorRunCount++
			c.logger.Debug("tick suppressed by error flag",
				logger.Field{Key: "elapsed", Value: elapsed.String()},
				logger.Field{Key: "error_runs", Value: c.errorRunCount})
			return "suppressed", nil
		}

		c.logger.Info("grace period elapsed, reinitializing",
			logger.Field{Key: "elapsed", Value: elapsed.String()})
		if err := c.initLocked(true); err != nil {
			return "error", err
		}
		if c.sched.Has(c.name) {
			c.setStateLocked(StateRunning)
		}
		return "reinit", nil
	}
	if c.errValue != 0 {
		// flag lowered externally, e.g. by Coordinator.Clear
		c.errValue = 0
		c.storeValueLocked()
	}

	if c.state != StateRunning {
		c.setStateLocked(StateRunning)
	}
	if err := c.handleErrLocked("work", c.callHook(c.hooks.OnWork)); err != nil {
		return "error", err
	}
	if c.events.IsErrorSet(c.name) {
		return "error", nil
	}
	return "ok", nil
}

// ProcessCommands pops at most one command and applies it.
func (c *Controller) ProcessCommands() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncScheduleLocked()

	cmd, ok := c.queue.TryPop()
	if !ok {
		return nil
	}

	var (
		changed bool
		err     error
	)
	switch cmd.Value {
	case CmdRun:
		changed, err = c.runLocked(nil)
	case CmdStop:
		changed, err = c.stopLocked()
	case CmdPause:
		if c.state != StatePaused && !c.signalRaised() {
			if err = c.sched.Pause(c.name); err == nil {
				c.setStateLocked(StatePaused)
				changed = true
			}
		}
	case CmdInit:
		if c.state != StateInit && !c.signalRaised() {
			changed = true
			if err = c.initLocked(false); err != nil {
				return err
			}
		}
	case CmdResch:
		changed, err = c.rescheduleLocked(nil)
	case CmdEndOfDay, CmdEndOfRun:
		return c.maintenanceLocked(cmd.Value, true)
	default:
		c.logger.Warn("unknown command ignored", logger.Field{Key: "value", Value: int(cmd.Value)})
		return nil
	}

	if err != nil {
		return c.handleErrLocked("cmd "+cmd.Value.String(), Wrap(SeverityLev0, err, "apply command"))
	}
	if changed {
		c.status.Append(fmt.Sprintf("%s %s", c.name, cmd.Value), int64(c.StateValue()))
		c.logger.Info("command applied",
			logger.Field{Key: "command", Value: cmd.Value.String()},
			logger.Field{Key: "state", Value: c.state.String()})
	}
	return nil
}

func (c *Controller) signalRaised() bool {
	return c.events.IsDayEnd() || c.events.IsEnd()
}

// initLocked resets the job. keepSchedule leaves the recurring entry in place,
// which is how a tick heals itself without removing its own entry.
func (c *Controller) initLocked(keepSchedule bool) error {
	if !keepSchedule {
		c.removeLocked(c.name)
	}
	c.queue.Drain()
	c.status.Clear()
	c.clearErrorLocked()
	c.errorRunCount = 0
	c.dayEndDone = false
	c.endDone = false

	if err := c.handleErrLocked("init", c.callHook(c.hooks.OnInit)); err != nil {
		return err
	}

	if !c.sched.Has(c.CmdTaskID()) {
		if err := c.sched.Add(c.CmdTaskID(), cron.KindControl, cron.Every(c.cmdInterval), c.commandTask); err != nil {
			c.logger.Error("failed to register command task", err)
		}
	}
	c.setStateLocked(StateInit)
	c.logger.Debug("job initialized")
	return nil
}

func (c *Controller) runLocked(w *cron.Window) (bool, error) {
	if c.signalRaised() {
		return false, nil
	}
	if w == nil && c.state == StateRunning {
		return false, nil
	}

	switch {
	case w != nil:
		c.removeLocked(c.name)
		if err := c.sched.Add(c.name, cron.KindRun, *w, c.runTask); err != nil {
			return false, errors.Wrapf(err, "run %s", c.name)
		}
		c.window = *w
		c.hasWindow = true
	case c.sched.Has(c.name):
		if err := c.sched.Resume(c.name); err != nil {
			return false, errors.Wrapf(err, "resume %s", c.name)
		}
	case c.hasWindow:
		if err := c.sched.Add(c.name, cron.KindRun, c.window, c.runTask); err != nil {
			return false, errors.Wrapf(err, "run %s", c.name)
		}
	default:
		return false, errors.Wrapf(ErrNoSchedule, "run %s", c.name)
	}

	c.dayEndDone = false
	c.setStateLocked(StateRunning)
	return true, nil
}

func (c *Controller) stopLocked() (bool, error) {
	if c.state == StateStopped {
		return false, nil
	}
	c.removeLocked(c.name)
	c.setStateLocked(StateStopped)
	return true, nil
}

func (c *Controller) rescheduleLocked(w *cron.Window) (bool, error) {
	if c.signalRaised() {
		return false, nil
	}
	if w == nil {
		if !c.hasWindow {
			return false, errors.Wrapf(ErrNoSchedule, "reschedule %s", c.name)
		}
		w = &c.window
	}
	if c.state == StateRescheduled && c.window == *w {
		return false, nil
	}
	if err := c.sched.Reschedule(c.name, *w); err != nil {
		return false, errors.Wrapf(err, "reschedule %s", c.name)
	}
	c.window = *w
	c.hasWindow = true
	c.setStateLocked(StateRescheduled)
	return true, nil
}

// maintenanceLocked runs the end-of-day or end-of-run hook once per period.
// raise marks calls made outside a tick, which hold the signal for the duration of the hook.
func (c *Controller) maintenanceLocked(kind CmdValue, raise bool) error {
	done, hook := &c.dayEndDone, c.hooks.OnEndOfDay
	isSet, set, unset := c.events.IsDayEnd, c.events.SetDayEnd, c.events.ClearDayEnd
	if kind == CmdEndOfRun {
		done, hook = &c.endDone, c.hooks.OnEndOfRun
		isSet, set, unset = c.events.IsEnd, c.events.SetEnd, c.events.ClearEnd
	}

	if *done {
		return nil
	}
	switch c.state {
	case StateRunning, StatePaused, StateRescheduled:
		c.logger.Debug("maintenance skipped, job active",
			logger.Field{Key: "maintenance", Value: kind.String()},
			logger.Field{Key: "state", Value: c.state.String()})
		return nil
	}
	if c.events.IsErrorSet(c.name) {
		c.logger.Debug("maintenance skipped, error flag set", logger.Field{Key: "maintenance", Value: kind.String()})
		return nil
	}

	if raise && !isSet() {
		set()
		defer unset()
	}
	*done = true

	err := c.handleErrLocked(kind.String(), c.callHook(hook))
	c.status.Append(fmt.Sprintf("%s %s", c.name, kind), int64(c.StateValue()))
	c.logger.Info("maintenance done", logger.Field{Key: "maintenance", Value: kind.String()})
	return err
}

// syncScheduleLocked notices a recurring entry removed behind our back (expired window).
func (c *Controller) syncScheduleLocked() {
	switch c.state {
	case StateRunning, StatePaused, StateRescheduled:
	default:
		return
	}
	if c.sched.Has(c.name) {
		return
	}
	c.setStateLocked(StateStopped)
	c.logger.Info("schedule gone, job stopped")
}

func (c *Controller) handleErrLocked(op string, err error) error {
	sev := SeverityOf(err)
	if sev == SeverityNone {
		return nil
	}

	if sev.Recoverable() {
		c.logger.Warn("job error",
			logger.Field{Key: "op", Value: op},
			logger.Field{Key: "severity", Value: sev.String()},
			logger.Field{Key: "error", Value: err.Error()})
		c.setErrorLocked(op, sev)
		return nil
	}

	c.logger.Error("critical job error", err, logger.Field{Key: "op", Value: op})
	c.setErrorLocked(op, SeverityCrit)
	c.removeLocked(c.name)
	c.removeLocked(c.CmdTaskID())
	c.setStateLocked(StateStopped)
	c.events.SetEnd()
	if c.fatal != nil {
		c.fatal(c.name, err)
	}
	return errors.Wrapf(err, "%s %s", c.name, op)
}

func (c *Controller) setErrorLocked(op string, sev Severity) {
	c.errValue = int(sev)
	c.errorRunCount = 0
	c.events.SetError(c.name, int(sev))
	c.status.Append(fmt.Sprintf("%s: %s SetError %s", c.name, op, sev), -int64(sev))
	c.storeValueLocked()
	c.metrics.incError(c.name, sev)
}

func (c *Controller) clearErrorLocked() {
	if c.errValue == 0 && !c.events.IsErrorSet(c.name) {
		return
	}
	c.errValue = 0
	c.events.ClearError(c.name)
	c.status.Append(c.name+": ClrError", 0)
	c.storeValueLocked()
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.cmdValue = s.CmdValue()
	c.storeValueLocked()
}

func (c *Controller) storeValueLocked() {
	v := EncodeState(c.errValue, c.cmdValue)
	c.stateValue.Store(int32(v))
	c.events.SetStateValue(c.name, v)
	c.metrics.setState(c.name, v)
}

func (c *Controller) removeLocked(id string) {
	if !c.sched.Has(id) {
		return
	}
	if err := c.sched.Remove(id); err != nil && !errors.Is(err, cron.ErrJobNotFound) {
		c.logger.Error("failed to remove schedule entry", err, logger.Field{Key: "entry", Value: id})
	}
}

// callHook runs fn and turns a panic into a critical error.
func (c *Controller) callHook(fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(SeverityCrit, "hook panic: %v", r)
		}
	}()
	return fn(c.ctx)
}

func (c *Controller) runTask() {
	if err := c.Tick(); err != nil {
		c.logger.Error("tick failed", err)
	}
}

func (c *Controller) commandTask() {
	if err := c.ProcessCommands(); err != nil {
		c.logger.Error("command processing failed", err)
	}
}
