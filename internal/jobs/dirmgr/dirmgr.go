// Package dirmgr keeps the local image folder bounded: images that were
// uploaded and are no longer in the camera list are deleted.
package dirmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/istvanzk/rpicampy-sub000/internal/events"
	"github.com/istvanzk/rpicampy-sub000/internal/imagefifo"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

type Config struct {
	ImageDir string
	ListSize int
	// UploaderID is the job whose error flag suspends cleanup.
	UploaderID string
}

// UsageFunc returns the used percentage of the file system holding path.
type UsageFunc func(ctx context.Context, path string) (float64, error)

func diskUsage(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get disk usage")
	}
	return u.UsedPercent, nil
}

type Option func(*Manager)

func WithUsage(fn UsageFunc) Option {
	return func(m *Manager) { m.usage = fn }
}

// Manager implements jobctl.Hooks.
type Manager struct {
	cfg    Config
	cam    *imagefifo.FIFO
	upl    *imagefifo.FIFO
	events *events.Coordinator
	usage  UsageFunc
	logger *logger.Logger
	status *jobctl.StatusLog

	ref []string
}

func New(cfg Config, cam, upl *imagefifo.FIFO, ev *events.Coordinator, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		cam:    cam,
		upl:    upl,
		events: ev,
		usage:  diskUsage,
		logger: log.Named("dirmgr"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetStatus(log *jobctl.StatusLog) { m.status = log }

func (m *Manager) OnInit(ctx context.Context) error {
	m.ref = nil
	if _, err := os.Stat(m.cfg.ImageDir); err != nil {
		return jobctl.Wrap(jobctl.SeverityLev2, err, "image directory unavailable")
	}
	return nil
}

func (m *Manager) OnWork(ctx context.Context) error {
	if m.cfg.UploaderID != "" && m.events.IsErrorSet(m.cfg.UploaderID) {
		m.logger.Debug("uploader in error, cleanup skipped")
		return nil
	}

	subDir, camID := m.cam.SubDir(), m.cam.CamID()
	if subDir == "" {
		return nil
	}

	m.cam.Lock()
	defer m.cam.Unlock()
	m.upl.Lock()
	defer m.upl.Unlock()

	images, err := m.list(subDir, camID)
	if err != nil {
		return err
	}

	if !slices.Equal(images, m.ref) && len(images) > m.cfg.ListSize {
		removed := 0
		for _, img := range images {
			if m.cam.Contains(img) || !m.upl.Contains(img) {
				continue
			}
			if err := os.Remove(img); err != nil && !os.IsNotExist(err) {
				return jobctl.Wrap(jobctl.SeverityLev2, err, "remove "+filepath.Base(img))
			}
			removed++
		}
		if removed > 0 {
			m.logger.Info("images removed",
				logger.Field{Key: "dir", Value: subDir},
				logger.Field{Key: "count", Value: removed})
			if images, err = m.list(subDir, camID); err != nil {
				return err
			}
		}
	}
	m.ref = images

	msg := fmt.Sprintf("%s: %d images", subDir, len(images))
	if pct, err := m.usage(ctx, m.cfg.ImageDir); err != nil {
		m.logger.Warn("disk usage unavailable", logger.Field{Key: "error", Value: err.Error()})
	} else {
		msg = fmt.Sprintf("%s, disk %.1f%%", msg, pct)
	}
	if m.status != nil {
		m.status.Append(msg, int64(len(images)))
	}
	return nil
}

func (m *Manager) OnEndOfDay(ctx context.Context) error {
	m.ref = nil
	return nil
}

func (m *Manager) OnEndOfRun(ctx context.Context) error {
	m.ref = nil
	return nil
}

// list returns the images of one day folder, sorted by name (capture order).
func (m *Manager) list(subDir, camID string) ([]string, error) {
	pattern := filepath.Join(m.cfg.ImageDir, subDir, subDir+"-*"+camID+".jpg")
	images, err := filepath.Glob(pattern)
	if err != nil {
		return nil, jobctl.Wrap(jobctl.SeverityLev2, err, "list images")
	}
	slices.Sort(images)
	return images, nil
}
