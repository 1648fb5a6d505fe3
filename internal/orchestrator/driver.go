package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/istvanzk/rpicampy-sub000/internal/wsserver"
)

// Channel is the remote status and command transport. *wsserver.Server implements it.
type Channel interface {
	SendStatus(v any) error
	ReceiveCommand() (wsserver.Command, bool)
}

type DriverConfig struct {
	DeviceID      string
	StatusEnabled bool
	CmdEnabled    bool
}

// Driver is the work of the timer job: one status aggregation and at most
// one remote command per tick.
type Driver struct {
	o       *Orchestrator
	channel Channel
	cfg     DriverConfig
	logger  *logger.Logger
	status  *jobctl.StatusLog

	enabled atomic.Bool
	cmdMode atomic.Bool

	mu   sync.Mutex
	last Report
}

func newDriver(o *Orchestrator, channel Channel, cfg DriverConfig, log *logger.Logger) *Driver {
	return &Driver{
		o:       o,
		channel: channel,
		cfg:     cfg,
		logger:  log.Named("driver"),
	}
}

func (d *Driver) SetStatus(log *jobctl.StatusLog) { d.status = log }

// Enabled reports whether the jobs may run; "sch/0" clears it.
func (d *Driver) Enabled() bool { return d.enabled.Load() }

func (d *Driver) SetEnabled(v bool) { d.enabled.Store(v) }

// CommandMode reports whether job commands are forwarded.
func (d *Driver) CommandMode() bool { return d.cmdMode.Load() }

// State is the driver byte of the combined state value.
func (d *Driver) State() int {
	return DriverState(d.Enabled(), d.CommandMode())
}

// LastReport returns the report of the latest tick.
func (d *Driver) LastReport() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// OnInit leaves the enabled flag alone; only the orchestrator and "sch"
// commands change it.
func (d *Driver) OnInit(ctx context.Context) error {
	d.cmdMode.Store(false)
	return nil
}

func (d *Driver) OnWork(ctx context.Context) error {
	report := d.aggregate()

	if d.channel != nil && d.cfg.StatusEnabled {
		msg := wsserver.StatusMessage{
			Type:       wsserver.TypeStatus,
			DeviceID:   d.cfg.DeviceID,
			Time:       d.o.now().Format(time.ANSIC),
			StatusDict: report.Dict,
		}
		if err := d.channel.SendStatus(msg); err != nil {
			return jobctl.Wrap(jobctl.SeverityLev1, err, "send status")
		}
	}

	if d.channel != nil && d.cfg.CmdEnabled {
		if cmd, ok := d.channel.ReceiveCommand(); ok {
			d.Dispatch(ctx, cmd.CommandString, cmd.DeviceID)
		}
	}
	return nil
}

func (d *Driver) OnEndOfDay(ctx context.Context) error { return nil }

func (d *Driver) OnEndOfRun(ctx context.Context) error { return nil }

func (d *Driver) aggregate() Report {
	sources := d.o.sources()
	combined := Combine(d.State(), StateValues(JobKeys, sources))

	if d.status != nil {
		d.status.Append(fmt.Sprintf("%s StateVals", d.o.timerName()), combined)
	}
	report := Collect(JobKeys, sources, combined)
	d.o.metrics.setCombined(combined)

	d.mu.Lock()
	d.last = report
	d.mu.Unlock()

	if report.Message != "" {
		d.logger.Debug("status", logger.Field{Key: "status", Value: report.Message},
			logger.Field{Key: "combined", Value: combined})
	}
	return report
}

// Dispatch applies one remote command string.
func (d *Driver) Dispatch(ctx context.Context, s, from string) {
	rc, err := ParseCommand(s)
	if err != nil {
		d.logger.Warn("remote command ignored",
			logger.Field{Key: "from", Value: from},
			logger.Field{Key: "error", Value: err.Error()})
		d.o.metrics.command("unknown", "malformed")
		return
	}

	switch rc.Name {
	case CommandSchedule:
		d.toggle(rc, &d.enabled, "jobs enabled", "jobs disabled")
	case CommandMode:
		d.toggle(rc, &d.cmdMode, "command mode on", "command mode standby")
	default:
		d.forward(ctx, rc, from)
	}
}

func (d *Driver) toggle(rc RemoteCommand, flag *atomic.Bool, on, off string) {
	switch rc.Value {
	case 1:
		if !flag.Swap(true) {
			d.logger.Info(on)
		}
	case 0:
		if flag.Swap(false) {
			d.logger.Info(off)
		}
	default:
		d.logger.Warn("remote command value ignored", logger.Field{Key: "command", Value: rc.String()})
		d.o.metrics.command(rc.Name, "invalid")
		return
	}
	d.o.metrics.command(rc.Name, "applied")
}

func (d *Driver) forward(ctx context.Context, rc RemoteCommand, from string) {
	job, ok := d.o.Job(rc.Name)
	if !ok {
		d.logger.Warn("remote command for unknown job", logger.Field{Key: "command", Value: rc.String()})
		d.o.metrics.command("unknown", "invalid")
		return
	}
	if !d.CommandMode() {
		d.logger.Info("remote command ignored, not in command mode", logger.Field{Key: "command", Value: rc.String()})
		d.o.metrics.command(rc.Name, "ignored")
		return
	}
	if rc.Value < int(jobctl.CmdStop) || rc.Value > int(jobctl.CmdEndOfRun) {
		d.logger.Warn("remote command value out of range", logger.Field{Key: "command", Value: rc.String()})
		d.o.metrics.command(rc.Name, "invalid")
		return
	}

	cmd := jobctl.Command{Name: rc.Name, Value: jobctl.CmdValue(rc.Value)}
	if err := job.EnqueueCommand(ctx, cmd); err != nil {
		d.logger.Warn("remote command not queued",
			logger.Field{Key: "command", Value: rc.String()},
			logger.Field{Key: "error", Value: err.Error()})
		d.o.metrics.command(rc.Name, "dropped")
		return
	}
	d.logger.Info("remote command queued",
		logger.Field{Key: "command", Value: rc.String()},
		logger.Field{Key: "from", Value: from})
	d.o.metrics.command(rc.Name, "queued")
}
