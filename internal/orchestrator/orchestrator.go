// Package orchestrator drives the jobs through the configured daily windows,
// aggregates their status and dispatches remote commands to them.
package orchestrator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

// DefaultPollInterval is how often the window wait loop re-checks its exit conditions.
const DefaultPollInterval = time.Second

var (
	ErrNoTimer      = errors.New("timer job not set")
	ErrDuplicateJob = errors.New("job key already registered")
	ErrPeriodOver   = errors.New("activity period already over")
)

// Job is the controller surface the orchestrator drives. *jobctl.Controller implements it.
type Job interface {
	StatusSource
	Name() string
	Init() (bool, error)
	Run(w *cron.Window) (bool, error)
	Stop() (bool, error)
	EndOfDay() error
	EndOfRun() error
	SetErrorGrace(d time.Duration)
	EnqueueCommand(ctx context.Context, cmd jobctl.Command) error
}

// Scheduler is the subset of *cron.Scheduler the orchestrator needs.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	Has(id string) bool
	AddListener(l cron.Listener)
}

type Config struct {
	Plan             Plan
	TimerInterval    time.Duration
	ErrorDelayFactor int
	PollInterval     time.Duration
}

// JobSpec registers one managed job.
type JobSpec struct {
	Key       string
	Job       Job
	Intervals []time.Duration // one per daily window
	Offset    time.Duration   // stagger after the window start
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the wait used by the window loop.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type fatalError struct {
	job string
	err error
}

// Orchestrator owns the daily loop.
type Orchestrator struct {
	cfg     Config
	sched   Scheduler
	events  *events.Coordinator
	logger  *logger.Logger
	metrics *Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	jobs   []JobSpec
	byKey  map[string]Job
	timer  Job
	driver *Driver
	fatal  chan fatalError
}

// New creates the orchestrator and subscribes it to the scheduler events.
func New(cfg Config, sched Scheduler, ev *events.Coordinator, log *logger.Logger, opts ...Option) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorDelayFactor < 1 {
		cfg.ErrorDelayFactor = 1
	}

	o := &Orchestrator{
		cfg:    cfg,
		sched:  sched,
		events: ev,
		logger: log.Named("orchestrator"),
		now:    time.Now,
		sleep:  sleepCtx,
		byKey:  make(map[string]Job),
		fatal:  make(chan fatalError, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	sched.AddListener(o.onSchedulerEvent)
	return o
}

// Fatal records a critical job failure. It never blocks; only the first
// failure is kept.
func (o *Orchestrator) Fatal(name string, err error) {
	select {
	case o.fatal <- fatalError{job: name, err: err}:
	default:
	}
}

// AddJob registers a managed job in stagger order.
func (o *Orchestrator) AddJob(spec JobSpec) error {
	if _, exists := o.byKey[spec.Key]; exists || spec.Key == KeyTimer {
		return errors.Wrapf(ErrDuplicateJob, "%s", spec.Key)
	}
	if len(spec.Intervals) != len(o.cfg.Plan.Windows) {
		return errors.Newf("job %s has %d intervals for %d windows", spec.Key, len(spec.Intervals), len(o.cfg.Plan.Windows))
	}
	o.jobs = append(o.jobs, spec)
	o.byKey[spec.Key] = spec.Job
	return nil
}

// NewDriver creates the hooks of the timer job. The controller built from
// them is handed back with SetTimer.
func (o *Orchestrator) NewDriver(channel Channel, cfg DriverConfig) *Driver {
	o.driver = newDriver(o, channel, cfg, o.logger)
	return o.driver
}

func (o *Orchestrator) SetTimer(job Job) {
	o.timer = job
}

func (o *Orchestrator) Driver() *Driver { return o.driver }

// Job returns the managed job registered under key.
func (o *Orchestrator) Job(key string) (Job, bool) {
	j, ok := o.byKey[key]
	return j, ok
}

func (o *Orchestrator) sources() map[string]StatusSource {
	out := make(map[string]StatusSource, len(o.byKey)+1)
	for k, j := range o.byKey {
		out[k] = j
	}
	if o.timer != nil {
		out[KeyTimer] = o.timer
	}
	return out
}

// Run drives the jobs until the activity period ends, the context is
// cancelled, the jobs are disabled remotely or a job fails critically. Only
// the critical failure is returned as an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.timer == nil || o.driver == nil {
		return ErrNoTimer
	}

	plan := o.cfg.Plan
	now := o.now()
	if !now.Before(plan.RangeEnd()) {
		o.logger.Error("nothing scheduled", ErrPeriodOver,
			logger.Field{Key: "now", Value: now},
			logger.Field{Key: "end", Value: plan.RangeEnd()})
		return nil
	}

	if err := o.sched.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	defer func() {
		if err := o.sched.Stop(); err != nil && !errors.Is(err, cron.ErrNotStarted) {
			o.logger.Error("failed to stop scheduler", err)
		}
	}()

	if err := o.startTimer(); err != nil {
		return err
	}
	o.driver.SetEnabled(true)
	o.logger.Info("activity period",
		logger.Field{Key: "start", Value: plan.RangeStart()},
		logger.Field{Key: "end", Value: plan.RangeEnd()},
		logger.Field{Key: "jobs", Value: len(o.jobs)})

	halted, err := o.runDays(ctx)
	if err == nil {
		err = o.takeFatal()
	}
	if err != nil {
		o.stopJobs()
		o.stopTimer()
		return err
	}
	if halted {
		o.stopJobs()
		o.endOfDay()
	}
	o.endOfRun()
	o.stopTimer()
	o.logger.Info("orchestrator finished", logger.Field{Key: "halted", Value: halted})
	return nil
}

func (o *Orchestrator) startTimer() error {
	if _, err := o.timer.Init(); err != nil {
		return errors.Wrap(err, "init timer")
	}
	o.timer.SetErrorGrace(2 * o.cfg.TimerInterval)
	w := cron.Every(o.cfg.TimerInterval)
	if _, err := o.timer.Run(&w); err != nil {
		return errors.Wrap(err, "start timer")
	}
	return nil
}

func (o *Orchestrator) stopTimer() {
	if _, err := o.timer.Stop(); err != nil {
		o.logger.Error("failed to stop timer", err)
	}
}

// runDays walks the days of the plan. halted is true when the loop ended
// before the range did.
func (o *Orchestrator) runDays(ctx context.Context) (halted bool, err error) {
	plan := o.cfg.Plan
	for day := plan.FirstDay(o.now()); !day.After(plan.StopDay); day = nextDay(day, plan.location()) {
		o.initJobs()

		for i := range plan.Windows {
			if plan.Skipped(day, i, o.now()) {
				start, stop := plan.Bounds(day, i)
				o.logger.Info("window skipped",
					logger.Field{Key: "start", Value: start},
					logger.Field{Key: "stop", Value: stop})
				o.metrics.window("skipped")
				continue
			}

			halted, err := o.runWindow(ctx, day, i)
			if err != nil || halted {
				return halted, err
			}
		}

		o.endOfDay()
	}
	return false, nil
}

// runWindow schedules every job on window i of day and waits for it to end.
func (o *Orchestrator) runWindow(ctx context.Context, day time.Time, i int) (bool, error) {
	start, stop := o.cfg.Plan.Bounds(day, i)

	o.events.Clear()
	for _, spec := range o.jobs {
		interval := spec.Intervals[i]
		spec.Job.SetErrorGrace(time.Duration(o.cfg.ErrorDelayFactor) * interval)
		w := cron.Window{Start: start.Add(spec.Offset), Stop: stop, Interval: interval}
		if _, err := spec.Job.Run(&w); err != nil {
			o.logger.Error("failed to schedule job", err,
				logger.Job(spec.Key),
				logger.Field{Key: "window", Value: w.String()})
		}
	}
	o.logger.Info("window started",
		logger.Field{Key: "start", Value: start},
		logger.Field{Key: "stop", Value: stop})

	reason := o.wait(ctx, stop)
	o.logger.Info("window ended", logger.Field{Key: "reason", Value: reason})
	o.metrics.window(reason)

	o.stopJobs()
	switch reason {
	case "fatal":
		return true, o.takeFatal()
	case "shutdown", "disabled":
		return true, nil
	}
	return false, nil
}

// wait blocks until the window is over and reports why.
func (o *Orchestrator) wait(ctx context.Context, stop time.Time) string {
	for {
		switch {
		case len(o.fatal) > 0:
			return "fatal"
		case ctx.Err() != nil:
			return "shutdown"
		case !o.driver.Enabled():
			return "disabled"
		case o.events.AllJobsEnded():
			return "ended"
		case o.now().After(stop):
			return "elapsed"
		}
		_ = o.sleep(ctx, o.cfg.PollInterval)
	}
}

func (o *Orchestrator) takeFatal() error {
	select {
	case f := <-o.fatal:
		return errors.Wrapf(f.err, "job %s failed critically", f.job)
	default:
		return nil
	}
}

func (o *Orchestrator) initJobs() {
	for _, spec := range o.jobs {
		if _, err := spec.Job.Init(); err != nil {
			o.logger.Error("failed to init job", err, logger.Job(spec.Key))
		}
	}
}

func (o *Orchestrator) stopJobs() {
	for _, spec := range o.jobs {
		if _, err := spec.Job.Stop(); err != nil {
			o.logger.Error("failed to stop job", err, logger.Job(spec.Key))
		}
	}
}

func (o *Orchestrator) endOfDay() {
	for _, spec := range o.jobs {
		if err := spec.Job.EndOfDay(); err != nil {
			o.logger.Error("end of day failed", err, logger.Job(spec.Key))
		}
	}
}

func (o *Orchestrator) endOfRun() {
	for _, spec := range o.jobs {
		if err := spec.Job.EndOfRun(); err != nil {
			o.logger.Error("end of run failed", err, logger.Job(spec.Key))
		}
	}
}

// onSchedulerEvent keeps the run counters and the all-jobs-ended signal.
func (o *Orchestrator) onSchedulerEvent(ev cron.Event) {
	if ev.Kind != cron.KindRun || !o.events.Has(ev.JobID) {
		return
	}

	switch ev.Type {
	case cron.EventExecuted:
		if !o.events.IsErrorSet(ev.JobID) {
			o.events.IncRunCount(ev.JobID)
		}
	case cron.EventError:
		o.events.SetError(ev.JobID, int(jobctl.SeverityLev2))
		o.logger.Error("job tick crashed", ev.Err,
			logger.Job(ev.JobID),
			logger.Field{Key: "errors", Value: o.events.ErrorCount(ev.JobID)})
	case cron.EventRemoved:
		if ev.JobID == o.timerName() {
			return
		}
		for _, spec := range o.jobs {
			if o.sched.Has(spec.Job.Name()) {
				return
			}
		}
		o.events.SetAllJobsEnded()
		o.logger.Info("all job schedules removed")
	}
}

func (o *Orchestrator) timerName() string {
	if o.timer == nil {
		return KeyTimer
	}
	return o.timer.Name()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
