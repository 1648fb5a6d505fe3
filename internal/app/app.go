// Package app wires the rpicampy components together and owns their lifecycle.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/istvanzk/rpicampy-sub000/internal/config"
	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/imagefifo"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/jobs/camera"
	"github.com/istvanzk/rpicampy-sub000/internal/jobs/dirmgr"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/istvanzk/rpicampy-sub000/internal/orchestrator"
	"github.com/istvanzk/rpicampy-sub000/internal/wsserver"
)

// MetricsNamespace prefixes every exported collector.
const MetricsNamespace = "rpicampy"

// App is the main application structure.
// It owns the scheduler, the jobs and the remote channel.
type App struct {
	config *config.Config
	logger *logger.Logger

	registry  *prometheus.Registry
	camRunner camera.Runner
	usage     dirmgr.UsageFunc
	orchOpts  []orchestrator.Option

	// Components
	events      *events.Coordinator
	scheduler   *cron.Scheduler
	orch        *orchestrator.Orchestrator
	server      *wsserver.Server
	keyWatcher  *wsserver.KeyWatcher
	metricsSrv  *http.Server
	camFIFO     *imagefifo.FIFO
	uplFIFO     *imagefifo.FIFO
	controllers map[string]*jobctl.Controller

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// Option customizes an App.
type Option func(*App)

// WithRegistry collects the metrics into reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithCameraRunner replaces the process runner of the camera job.
func WithCameraRunner(r camera.Runner) Option {
	return func(a *App) { a.camRunner = r }
}

// WithDiskUsage replaces the disk usage probe of the directory job.
func WithDiskUsage(fn dirmgr.UsageFunc) Option {
	return func(a *App) { a.usage = fn }
}

// WithOrchestratorOptions passes options through to the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(a *App) { a.orchOpts = append(a.orchOpts, opts...) }
}

// New creates a new App instance.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) *App {
	a := &App{
		config:      cfg,
		logger:      log,
		controllers: make(map[string]*jobctl.Controller),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	return a
}

// Run initializes the components, drives the orchestrator until the
// activity period is over and shuts everything down. A critical job failure
// is returned as an error.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		if serr := a.Shutdown(); serr != nil {
			a.logger.Error("shutdown after failed start", serr)
		}
		return err
	}

	runErr := a.orch.Run(a.ctx)
	if runErr != nil {
		a.logger.Error("orchestrator failed", runErr)
	}

	if err := a.Shutdown(); err != nil {
		a.logger.Error("shutdown failed", err)
	}
	return runErr
}

// Registry is the registry holding the application metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Controller returns the controller of the job registered under key.
func (a *App) Controller(key string) (*jobctl.Controller, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.controllers[key]
	return c, ok
}

// Orchestrator is nil until Initialize succeeded.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Server is nil when the remote channel is disabled.
func (a *App) Server() *wsserver.Server {
	return a.server
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func intervals(secs []int) []time.Duration {
	out := make([]time.Duration, len(secs))
	for i, s := range secs {
		out[i] = seconds(s)
	}
	return out
}
