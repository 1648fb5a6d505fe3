package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/imagefifo"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/jobs/camera"
	"github.com/istvanzk/rpicampy-sub000/internal/jobs/dirmgr"
	"github.com/istvanzk/rpicampy-sub000/internal/jobs/uploader"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/istvanzk/rpicampy-sub000/internal/orchestrator"
	"github.com/istvanzk/rpicampy-sub000/internal/version"
	"github.com/istvanzk/rpicampy-sub000/internal/wsserver"
)

// ErrAlreadyStarted is returned by Initialize on a running App.
var ErrAlreadyStarted = errors.New("app already started")

// Initialize builds every component in dependency order:
// metrics, events and scheduler, orchestrator, jobs, remote channel and timer.
// Nothing is scheduled until Run hands control to the orchestrator.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}

	// 1. Create application context
	a.ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.config

	// 2. Metrics
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	jobMetrics := jobctl.NewMetrics(MetricsNamespace, a.registry)
	cronMetrics := cron.NewMetrics(MetricsNamespace, a.registry)
	orchMetrics := orchestrator.NewMetrics(MetricsNamespace, a.registry)
	wsMetrics := wsserver.NewMetrics(MetricsNamespace, a.registry)

	// 3. Events and scheduler
	plan, err := orchestrator.PlanFromConfig(cfg.Timer)
	if err != nil {
		return errors.Wrap(err, "build daily plan")
	}
	a.events = events.New(orchestrator.KeyTimer, orchestrator.KeyCam, orchestrator.KeyUpl, orchestrator.KeyDir)
	a.scheduler = cron.NewScheduler(a.logger,
		cron.WithLocation(plan.Location),
		cron.WithMetrics(cronMetrics))

	// 4. Orchestrator
	orchOpts := append([]orchestrator.Option{orchestrator.WithMetrics(orchMetrics)}, a.orchOpts...)
	a.orch = orchestrator.New(orchestrator.Config{
		Plan:             plan,
		TimerInterval:    seconds(cfg.Timer.IntervalSec),
		ErrorDelayFactor: cfg.Timer.ErrorDelayFactor,
	}, a.scheduler, a.events, a.logger, orchOpts...)

	ctlOpts := jobctl.Options{
		Context:      a.ctx,
		CmdInterval:  seconds(cfg.Control.CmdIntervalSec),
		QueueTimeout: seconds(cfg.Control.CmdQueueTimeoutSec),
		Fatal:        a.orch.Fatal,
		Metrics:      jobMetrics,
	}

	// 5. Jobs
	a.camFIFO = imagefifo.New(cfg.Jobs.Cam.ListSize)
	a.uplFIFO = imagefifo.New(cfg.Jobs.Upl.FIFOSize)
	if err := a.buildJobs(ctlOpts); err != nil {
		return err
	}

	// 6. Remote channel
	var channel orchestrator.Channel
	deviceID := cfg.Remote.DeviceID
	if cfg.Remote.Enabled() {
		keys, err := wsserver.LoadKeys(cfg.Remote.KeyFile)
		if err != nil {
			return errors.Wrap(err, "load remote keys")
		}
		deviceID = resolveDeviceID(deviceID, keys)

		a.server = wsserver.New(wsserver.Config{
			Listen:        cfg.Remote.Listen,
			MaxClients:    cfg.Remote.MaxClients,
			DeviceID:      deviceID,
			CmdRatePerMin: cfg.Remote.CmdRatePerMin,
		}, keys, a.logger, wsMetrics)
		if err := a.server.Start(); err != nil {
			return errors.Wrap(err, "start channel server")
		}
		channel = a.server

		kw, err := wsserver.NewKeyWatcher(cfg.Remote.KeyFile, a.server.SetKeys, a.logger)
		if err != nil {
			a.logger.Warn("key file changes will not be picked up", logger.Field{Key: "error", Value: err.Error()})
		} else {
			a.keyWatcher = kw
			go kw.Run(a.ctx)
		}
	} else {
		deviceID = resolveDeviceID(deviceID, wsserver.Keys{})
	}

	// 7. Timer job
	driver := a.orch.NewDriver(channel, orchestrator.DriverConfig{
		DeviceID:      deviceID,
		StatusEnabled: cfg.Remote.EnabledStatus,
		CmdEnabled:    cfg.Remote.EnabledCmd,
	})
	timer, err := jobctl.NewController(orchestrator.KeyTimer, driver, a.scheduler, a.events, a.logger, ctlOpts)
	if err != nil {
		return errors.Wrap(err, "init timer")
	}
	a.controllers[orchestrator.KeyTimer] = timer
	a.orch.SetTimer(timer)

	// 8. Metrics endpoint
	if cfg.Metrics.Enabled {
		if err := a.startMetrics(); err != nil {
			return err
		}
	}

	// 9. Mark as started
	a.started = true
	a.logger.Info("application initialized",
		logger.Field{Key: "device_id", Value: deviceID},
		logger.Field{Key: "jobs", Value: len(a.controllers) - 1},
		logger.Field{Key: "remote", Value: cfg.Remote.Enabled()})
	return nil
}

// buildJobs creates and registers the enabled jobs in stagger order.
func (a *App) buildJobs(opts jobctl.Options) error {
	cfg := a.config.Jobs

	type jobDef struct {
		key   string
		job   func() (jobctl.Hooks, error)
		sched []int
		off   int
		on    bool
	}
	defs := []jobDef{
		{
			key: orchestrator.KeyCam,
			job: func() (jobctl.Hooks, error) {
				var camOpts []camera.Option
				if a.camRunner != nil {
					camOpts = append(camOpts, camera.WithRunner(a.camRunner))
				}
				return camera.New(camera.Config{
					ImageDir:       cfg.Cam.ImageDir,
					CamID:          cfg.Cam.CamID,
					CaptureCmd:     cfg.Cam.CaptureCmd,
					CaptureTimeout: seconds(cfg.Cam.CaptureTimeoutSec),
				}, a.camFIFO, a.logger, camOpts...)
			},
			sched: cfg.Cam.IntervalSec, off: cfg.Cam.OffsetMin, on: cfg.Cam.IsEnabled(),
		},
		{
			key: orchestrator.KeyUpl,
			job: func() (jobctl.Hooks, error) {
				return uploader.New(uploader.Config{
					DestDir:  cfg.Upl.DestDir,
					LogFile:  cfg.Upl.LogFile,
					SnapName: cfg.Upl.SnapName,
				}, a.camFIFO, a.uplFIFO, a.logger), nil
			},
			sched: cfg.Upl.IntervalSec, off: cfg.Upl.OffsetMin, on: cfg.Upl.IsEnabled(),
		},
		{
			key: orchestrator.KeyDir,
			job: func() (jobctl.Hooks, error) {
				var dirOpts []dirmgr.Option
				if a.usage != nil {
					dirOpts = append(dirOpts, dirmgr.WithUsage(a.usage))
				}
				return dirmgr.New(dirmgr.Config{
					ImageDir:   cfg.Cam.ImageDir,
					ListSize:   cfg.Dir.ListSize,
					UploaderID: orchestrator.KeyUpl,
				}, a.camFIFO, a.uplFIFO, a.events, a.logger, dirOpts...), nil
			},
			sched: cfg.Dir.IntervalSec, off: cfg.Dir.OffsetMin, on: cfg.Dir.IsEnabled(),
		},
	}

	for _, d := range defs {
		if !d.on {
			a.logger.Info("job disabled", logger.Job(d.key))
			continue
		}
		hooks, err := d.job()
		if err != nil {
			return errors.Wrapf(err, "create job %s", d.key)
		}
		ctl, err := jobctl.NewController(d.key, hooks, a.scheduler, a.events, a.logger, opts)
		if err != nil {
			return errors.Wrapf(err, "init job %s", d.key)
		}
		if err := a.orch.AddJob(orchestrator.JobSpec{
			Key:       d.key,
			Job:       ctl,
			Intervals: intervals(d.sched),
			Offset:    time.Duration(d.off) * time.Minute,
		}); err != nil {
			return errors.Wrapf(err, "register job %s", d.key)
		}
		a.controllers[d.key] = ctl
	}
	return nil
}

// resolveDeviceID picks the configured id, then the key file id, then the host name.
func resolveDeviceID(configured string, keys wsserver.Keys) string {
	if configured != "" {
		return configured
	}
	if keys.DeviceID != "" {
		return keys.DeviceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return version.DeviceID()
}

func (a *App) startMetrics() error {
	cfg := a.config.Metrics

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen for metrics on %s", cfg.Listen)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", err)
		}
	}()
	a.logger.Info("metrics endpoint started",
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "path", Value: cfg.Path})
	return nil
}
