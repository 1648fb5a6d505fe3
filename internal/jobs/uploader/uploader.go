// Package uploader copies captured images to the destination directory and
// remembers what was uploaded across restarts.
package uploader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/istvanzk/rpicampy-sub000/internal/imagefifo"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

type Config struct {
	DestDir string
	LogFile string
	// SnapName, when set, is overwritten with every newly uploaded image.
	SnapName string
}

type Option func(*Uploader)

func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// Uploader implements jobctl.Hooks. It reads the camera FIFO and owns the
// upload FIFO; both gates are taken camera first.
type Uploader struct {
	cfg     Config
	cam     *imagefifo.FIFO
	upl     *imagefifo.FIFO
	store   *UploadLog
	records map[string]Record
	now     func() time.Time
	logger  *logger.Logger
	status  *jobctl.StatusLog
}

func New(cfg Config, cam, upl *imagefifo.FIFO, log *logger.Logger, opts ...Option) *Uploader {
	log = log.Named("uploader")
	u := &Uploader{
		cfg:     cfg,
		cam:     cam,
		upl:     upl,
		store:   NewUploadLog(cfg.LogFile, log),
		records: make(map[string]Record),
		now:     time.Now,
		logger:  log,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Uploader) SetStatus(log *jobctl.StatusLog) { u.status = log }

func (u *Uploader) OnInit(ctx context.Context) error {
	if err := os.MkdirAll(u.cfg.DestDir, 0o755); err != nil {
		return jobctl.Wrap(jobctl.SeverityLev2, err, "destination unavailable")
	}

	records, err := u.store.Load()
	if err != nil {
		u.logger.Warn("upload log not loaded, starting empty",
			logger.Field{Key: "file", Value: u.store.Path()},
			logger.Field{Key: "error", Value: err.Error()})
		records = nil
	}

	u.upl.Lock()
	defer u.upl.Unlock()

	u.records = make(map[string]Record, len(records))
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		if _, seen := u.records[rec.Path]; !seen {
			paths = append(paths, rec.Path)
		}
		u.records[rec.Path] = rec
	}
	u.upl.Replace(paths)
	u.pruneRecords()

	u.logger.Info("uploader initialized",
		logger.Field{Key: "dest_dir", Value: u.cfg.DestDir},
		logger.Field{Key: "uploaded", Value: u.upl.Len()})
	return nil
}

func (u *Uploader) OnWork(ctx context.Context) error {
	info, err := os.Stat(u.cfg.DestDir)
	if err != nil {
		return jobctl.Wrap(jobctl.SeverityLev2, err, "destination unavailable")
	}
	if !info.IsDir() {
		return jobctl.Errorf(jobctl.SeverityLev2, "destination %s is not a directory", u.cfg.DestDir)
	}

	u.cam.Lock()
	defer u.cam.Unlock()
	u.upl.Lock()
	defer u.upl.Unlock()

	var last string
	uploaded := 0
	for _, src := range u.cam.Snapshot() {
		if err := ctx.Err(); err != nil {
			return jobctl.Wrap(jobctl.SeverityLev1, err, "upload interrupted")
		}
		if u.upl.Contains(src) {
			continue
		}

		dest := filepath.Join(u.cfg.DestDir, filepath.Base(filepath.Dir(src)), filepath.Base(src))
		if err := copyFile(src, dest); err != nil {
			if errors.Is(err, os.ErrNotExist) && !sourceExists(src) {
				u.logger.Warn("image vanished before upload", logger.Field{Key: "path", Value: src})
				continue
			}
			return jobctl.Wrap(jobctl.SeverityLev1, err, "upload "+filepath.Base(src))
		}

		rec := Record{Path: src, Dest: dest, UploadedAt: u.now()}
		u.upl.Push(src)
		u.records[src] = rec
		if err := u.store.Append(rec); err != nil {
			u.logger.Warn("upload log append failed", logger.Field{Key: "error", Value: err.Error()})
		}
		last = dest
		uploaded++
	}
	u.pruneRecords()

	if uploaded == 0 {
		return nil
	}

	if u.cfg.SnapName != "" {
		if err := copyFile(last, filepath.Join(u.cfg.DestDir, u.cfg.SnapName)); err != nil {
			return jobctl.Wrap(jobctl.SeverityLev1, err, "update snapshot")
		}
	}

	u.logger.Debug("images uploaded",
		logger.Field{Key: "count", Value: uploaded},
		logger.Field{Key: "last", Value: last})
	if u.status != nil {
		u.status.Append(filepath.Base(last), int64(u.upl.Len()))
	}
	return nil
}

func (u *Uploader) OnEndOfDay(ctx context.Context) error {
	return u.saveLog()
}

func (u *Uploader) OnEndOfRun(ctx context.Context) error {
	return u.saveLog()
}

// Records returns the upload records of the images still in the upload FIFO, oldest first.
func (u *Uploader) Records() []Record {
	u.upl.Lock()
	defer u.upl.Unlock()
	return u.recordsLocked()
}

func (u *Uploader) recordsLocked() []Record {
	paths := u.upl.Snapshot()
	out := make([]Record, 0, len(paths))
	for _, p := range paths {
		if rec, ok := u.records[p]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (u *Uploader) saveLog() error {
	u.upl.Lock()
	records := u.recordsLocked()
	u.upl.Unlock()

	if err := u.store.Save(records); err != nil {
		return jobctl.Wrap(jobctl.SeverityLev1, err, "save upload log")
	}
	u.logger.Info("upload log saved", logger.Field{Key: "records", Value: len(records)})
	return nil
}

// pruneRecords drops records the upload FIFO has evicted.
func (u *Uploader) pruneRecords() {
	if len(u.records) <= u.upl.Len() {
		return
	}
	keep := make(map[string]Record, u.upl.Len())
	for _, p := range u.upl.Snapshot() {
		if rec, ok := u.records[p]; ok {
			keep[p] = rec
		}
	}
	u.records = keep
}

func sourceExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyFile writes dst through a temporary file so readers never see a partial image.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
