// Package camera is the capture job: one still image per tick into a per-day
// sub folder of the image directory.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"github.com/istvanzk/rpicampy-sub000/internal/imagefifo"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

// OutputPlaceholder is replaced by the image path in the capture command.
const OutputPlaceholder = "{output}"

// SubDirLayout names the per-day sub folder (DDMMYY).
const SubDirLayout = "020106"

// Runner executes the capture command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.Bytes(), err
}

type Config struct {
	ImageDir       string
	CamID          string
	CaptureCmd     string
	CaptureTimeout time.Duration
}

type Option func(*Camera)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(c *Camera) { c.runner = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Camera) { c.now = now }
}

// Camera implements jobctl.Hooks.
type Camera struct {
	cfg    Config
	argv   []string
	fifo   *imagefifo.FIFO
	runner Runner
	now    func() time.Time
	logger *logger.Logger
	status *jobctl.StatusLog
}

// New splits the capture command once. A command without the output
// placeholder gets the image path appended as its last argument.
func New(cfg Config, fifo *imagefifo.FIFO, log *logger.Logger, opts ...Option) (*Camera, error) {
	argv, err := shellquote.Split(cfg.CaptureCmd)
	if err != nil {
		return nil, errors.Wrap(err, "parse capture command")
	}
	if len(argv) == 0 {
		return nil, errors.New("capture command is empty")
	}
	hasOutput := false
	for _, a := range argv {
		if strings.Contains(a, OutputPlaceholder) {
			hasOutput = true
			break
		}
	}
	if !hasOutput {
		argv = append(argv, OutputPlaceholder)
	}

	c := &Camera{
		cfg:    cfg,
		argv:   argv,
		fifo:   fifo,
		runner: execRunner{},
		now:    time.Now,
		logger: log.Named("camera"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Camera) SetStatus(log *jobctl.StatusLog) { c.status = log }

func (c *Camera) OnInit(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.ImageDir, 0o755); err != nil {
		return jobctl.Wrap(jobctl.SeverityCrit, err, "create image directory")
	}
	c.fifo.SetCamID(c.cfg.CamID)
	c.fifo.SetSubDir(c.now().Format(SubDirLayout))
	c.logger.Info("camera initialized",
		logger.Field{Key: "image_dir", Value: c.cfg.ImageDir},
		logger.Field{Key: "cam_id", Value: c.cfg.CamID})
	return nil
}

func (c *Camera) OnWork(ctx context.Context) error {
	now := c.now()
	subDir := now.Format(SubDirLayout)
	dir := filepath.Join(c.cfg.ImageDir, subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return jobctl.Wrap(jobctl.SeverityCrit, err, "create image sub directory")
	}

	name := ImageName(now, c.cfg.CamID)
	path := filepath.Join(dir, name)

	if err := c.capture(ctx, path); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return jobctl.Errorf(jobctl.SeverityLev2, "snapshot %s was not created", name)
	}

	return c.fifo.With(func() error {
		c.fifo.SetSubDir(subDir)
		if evicted, ok := c.fifo.Push(path); ok {
			c.logger.Debug("image dropped from list", logger.Field{Key: "path", Value: evicted})
		}
		c.appendStatus(name, c.fifo.Len())
		return nil
	})
}

func (c *Camera) capture(ctx context.Context, path string) error {
	if c.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CaptureTimeout)
		defer cancel()
	}

	args := make([]string, len(c.argv)-1)
	for i, a := range c.argv[1:] {
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, path)
	}
	name := strings.ReplaceAll(c.argv[0], OutputPlaceholder, path)

	start := time.Now()
	out, err := c.runner.Run(ctx, name, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return jobctl.Errorf(jobctl.SeverityLev2, "capture timed out after %s", c.cfg.CaptureTimeout)
		}
		return jobctl.Wrap(jobctl.SeverityLev1, err, fmt.Sprintf("capture: %s", strings.TrimSpace(string(out))))
	}

	c.logger.Debug("image captured",
		logger.Field{Key: "path", Value: path},
		logger.Field{Key: "duration", Value: time.Since(start)})
	return nil
}

func (c *Camera) OnEndOfDay(ctx context.Context) error {
	c.logger.Info("end of day", logger.Field{Key: "images", Value: c.fifo.Len()})
	return nil
}

func (c *Camera) OnEndOfRun(ctx context.Context) error {
	c.logger.Info("end of run", logger.Field{Key: "images", Value: c.fifo.Len()})
	return nil
}

func (c *Camera) appendStatus(msg string, value int) {
	if c.status != nil {
		c.status.Append(msg, int64(value))
	}
}

// ImageName is <DDMMYY>-<HHMMSS>-<camID>.jpg.
func ImageName(t time.Time, camID string) string {
	return fmt.Sprintf("%s-%s-%s.jpg", t.Format(SubDirLayout), t.Format("150405"), camID)
}
