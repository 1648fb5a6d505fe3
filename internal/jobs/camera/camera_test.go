package camera

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istvanzk/rpicampy-sub000/internal/imagefifo"
	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

func testLogger() *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: "stdout"})
	if err != nil {
		panic(err)
	}
	return log
}

// fakeRunner records calls and writes the image unless told otherwise.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	noFile  bool
	err     error
	blockOn bool
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()

	if r.blockOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return []byte("camera busy\n"), r.err
	}
	if !r.noFile {
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("jpeg"), 0o644); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *fakeRunner) lastCall() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

var fixedNow = time.Date(2025, 6, 1, 9, 30, 5, 0, time.UTC)

func newCamera(t *testing.T, cfg Config, r *fakeRunner) (*Camera, *imagefifo.FIFO, *jobctl.StatusLog) {
	t.Helper()
	if cfg.ImageDir == "" {
		cfg.ImageDir = filepath.Join(t.TempDir(), "images")
	}
	if cfg.CamID == "" {
		cfg.CamID = "CAM1"
	}
	if cfg.CaptureCmd == "" {
		cfg.CaptureCmd = "rpicam-still --nopreview -t 1000 -o {output}"
	}
	fifo := imagefifo.New(3)
	cam, err := New(cfg, fifo, testLogger(), WithRunner(r), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	status := jobctl.NewStatusLog(jobctl.StatusLogSize)
	cam.SetStatus(status)
	return cam, fifo, status
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "010625-093005-CAM1.jpg", ImageName(fixedNow, "CAM1"))
}

func TestNew_CommandParsing(t *testing.T) {
	fifo := imagefifo.New(1)

	_, err := New(Config{CaptureCmd: `raspistill -o "unterminated`}, fifo, testLogger())
	assert.Error(t, err)

	_, err = New(Config{CaptureCmd: "   "}, fifo, testLogger())
	assert.Error(t, err)

	cam, err := New(Config{CaptureCmd: "fswebcam -r 640x480"}, fifo, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"fswebcam", "-r", "640x480", OutputPlaceholder}, cam.argv)
}

func TestCamera_InitCreatesImageDir(t *testing.T) {
	cam, fifo, _ := newCamera(t, Config{}, &fakeRunner{})

	require.NoError(t, cam.OnInit(context.Background()))
	info, err := os.Stat(cam.cfg.ImageDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "CAM1", fifo.CamID())
	assert.Equal(t, "010625", fifo.SubDir())
}

func TestCamera_InitFailureIsCritical(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cam, _, _ := newCamera(t, Config{ImageDir: filepath.Join(blocker, "images")}, &fakeRunner{})
	err := cam.OnInit(context.Background())
	require.Error(t, err)
	assert.Equal(t, jobctl.SeverityCrit, jobctl.SeverityOf(err))
}

func TestCamera_WorkCapturesImage(t *testing.T) {
	r := &fakeRunner{}
	cam, fifo, status := newCamera(t, Config{}, r)
	require.NoError(t, cam.OnInit(context.Background()))

	require.NoError(t, cam.OnWork(context.Background()))

	want := filepath.Join(cam.cfg.ImageDir, "010625", "010625-093005-CAM1.jpg")
	assert.FileExists(t, want)
	assert.Equal(t, []string{"rpicam-still", "--nopreview", "-t", "1000", "-o", want}, r.lastCall())

	last, ok := fifo.Last()
	require.True(t, ok)
	assert.Equal(t, want, last)

	st, ok := status.Pop()
	require.True(t, ok)
	assert.Equal(t, "010625-093005-CAM1.jpg", st.Message)
	assert.Equal(t, int64(1), st.Value)
}

func TestCamera_WorkErrors(t *testing.T) {
	tests := []struct {
		name    string
		runner  *fakeRunner
		timeout time.Duration
		want    jobctl.Severity
	}{
		{"command fails", &fakeRunner{err: errors.New("exit status 1")}, 0, jobctl.SeverityLev1},
		{"no image written", &fakeRunner{noFile: true}, 0, jobctl.SeverityLev2},
		{"command times out", &fakeRunner{blockOn: true}, 20 * time.Millisecond, jobctl.SeverityLev2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, fifo, _ := newCamera(t, Config{CaptureTimeout: tt.timeout}, tt.runner)
			require.NoError(t, cam.OnInit(context.Background()))

			err := cam.OnWork(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, jobctl.SeverityOf(err))
			assert.Equal(t, 0, fifo.Len())
		})
	}
}

func TestCamera_FIFOEvictsOldest(t *testing.T) {
	r := &fakeRunner{}
	now := fixedNow
	cam, fifo, _ := newCamera(t, Config{}, r)
	cam.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		require.NoError(t, cam.OnWork(context.Background()))
		now = now.Add(time.Minute)
	}

	assert.Equal(t, 3, fifo.Len())
	first := fifo.Snapshot()[0]
	assert.Equal(t, "010625-093105-CAM1.jpg", filepath.Base(first))
}
