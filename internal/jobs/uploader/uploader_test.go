package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

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

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	upl      *Uploader
	cam      *imagefifo.FIFO
	uplFIFO  *imagefifo.FIFO
	status   *jobctl.StatusLog
	imageDir string
	destDir  string
	logFile  string
}

func newFixture(t *testing.T, snap string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		cam:      imagefifo.New(10),
		uplFIFO:  imagefifo.New(5),
		status:   jobctl.NewStatusLog(jobctl.StatusLogSize),
		imageDir: filepath.Join(root, "images"),
		destDir:  filepath.Join(root, "dest"),
		logFile:  filepath.Join(root, "state", "upldlog.jsonl"),
	}
	f.upl = New(Config{DestDir: f.destDir, LogFile: f.logFile, SnapName: snap},
		f.cam, f.uplFIFO, testLogger(), WithClock(func() time.Time { return fixedNow }))
	f.upl.SetStatus(f.status)
	return f
}

// capture writes an image into the day folder and pushes it onto the camera FIFO.
func (f *fixture) capture(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(f.imageDir, "010625")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	f.cam.Push(path)
	return path
}

func TestUploader_CopiesNewImages(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.upl.OnInit(ctx))

	a := f.capture(t, "010625-100000-CAM1.jpg")
	b := f.capture(t, "010625-100100-CAM1.jpg")
	require.NoError(t, f.upl.OnWork(ctx))

	for _, name := range []string{"010625-100000-CAM1.jpg", "010625-100100-CAM1.jpg"} {
		data, err := os.ReadFile(filepath.Join(f.destDir, "010625", name))
		require.NoError(t, err)
		assert.Equal(t, name, string(data))
	}
	assert.Equal(t, []string{a, b}, f.uplFIFO.Snapshot())

	st, ok := f.status.Pop()
	require.True(t, ok)
	assert.Equal(t, "010625-100100-CAM1.jpg", st.Message)
	assert.Equal(t, int64(2), st.Value)

	// Nothing new: no copy, no status.
	require.NoError(t, f.upl.OnWork(ctx))
	assert.Equal(t, 0, f.status.Len())
}

func TestUploader_Snapshot(t *testing.T) {
	f := newFixture(t, "latest.jpg")
	ctx := context.Background()
	require.NoError(t, f.upl.OnInit(ctx))

	f.capture(t, "010625-100000-CAM1.jpg")
	require.NoError(t, f.upl.OnWork(ctx))
	f.capture(t, "010625-100100-CAM1.jpg")
	require.NoError(t, f.upl.OnWork(ctx))

	data, err := os.ReadFile(filepath.Join(f.destDir, "latest.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "010625-100100-CAM1.jpg", string(data))
}

func TestUploader_DestinationErrors(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.upl.OnInit(ctx))
	f.capture(t, "010625-100000-CAM1.jpg")

	// Day folder blocked by a regular file: the copy fails.
	require.NoError(t, os.WriteFile(filepath.Join(f.destDir, "010625"), nil, 0o644))
	err := f.upl.OnWork(ctx)
	require.Error(t, err)
	assert.Equal(t, jobctl.SeverityLev1, jobctl.SeverityOf(err))
	assert.Equal(t, 0, f.uplFIFO.Len())

	// Destination gone entirely.
	require.NoError(t, os.RemoveAll(f.destDir))
	err = f.upl.OnWork(ctx)
	require.Error(t, err)
	assert.Equal(t, jobctl.SeverityLev2, jobctl.SeverityOf(err))
}

func TestUploader_InitDestinationUnavailable(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, os.MkdirAll(filepath.Dir(f.destDir), 0o755))
	require.NoError(t, os.WriteFile(f.destDir, nil, 0o644))

	err := f.upl.OnInit(context.Background())
	require.Error(t, err)
	assert.Equal(t, jobctl.SeverityLev2, jobctl.SeverityOf(err))
}

func TestUploader_SkipsVanishedImages(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.upl.OnInit(ctx))

	gone := f.capture(t, "010625-100000-CAM1.jpg")
	kept := f.capture(t, "010625-100100-CAM1.jpg")
	require.NoError(t, os.Remove(gone))

	require.NoError(t, f.upl.OnWork(ctx))
	assert.Equal(t, []string{kept}, f.uplFIFO.Snapshot())
}

func TestUploader_LogSurvivesRestart(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.upl.OnInit(ctx))

	a := f.capture(t, "010625-100000-CAM1.jpg")
	require.NoError(t, f.upl.OnWork(ctx))
	require.NoError(t, f.upl.OnEndOfDay(ctx))

	fresh := imagefifo.New(5)
	again := New(Config{DestDir: f.destDir, LogFile: f.logFile}, f.cam, fresh, testLogger())
	require.NoError(t, again.OnInit(ctx))
	assert.Equal(t, []string{a}, fresh.Snapshot())

	recs := again.Records()
	require.Len(t, recs, 1)
	assert.True(t, fixedNow.Equal(recs[0].UploadedAt))

	// Already uploaded before the restart: nothing is copied twice.
	require.NoError(t, again.OnWork(ctx))
	assert.Equal(t, 1, fresh.Len())
}

func TestUploader_RecordsFollowFIFO(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.upl.OnInit(ctx))

	for i := 0; i < 7; i++ {
		f.capture(t, time.Date(2025, 6, 1, 10, i, 0, 0, time.UTC).Format("020106-150405")+"-CAM1.jpg")
	}
	require.NoError(t, f.upl.OnWork(ctx))

	assert.Equal(t, 5, f.uplFIFO.Len())
	assert.Len(t, f.upl.Records(), 5)
	assert.Len(t, f.upl.records, 5)
}

func TestUploadLog_LoadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	content := `{"path":"/a.jpg","dest":"/d/a.jpg","uploaded_at":"2025-06-01T10:00:00Z"}
not json

{"dest":"/d/x.jpg"}
{"path":"/b.jpg","dest":"/d/b.jpg","uploaded_at":"2025-06-01T10:01:00Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs, err := NewUploadLog(path, testLogger()).Load()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "/a.jpg", recs[0].Path)
	assert.Equal(t, "/b.jpg", recs[1].Path)
}

func TestUploadLog_MissingFileIsEmpty(t *testing.T) {
	recs, err := NewUploadLog(filepath.Join(t.TempDir(), "none.jsonl"), testLogger()).Load()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUploadLog_AppendThenSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "log.jsonl")
	s := NewUploadLog(path, testLogger())

	require.NoError(t, s.Append(Record{Path: "/a.jpg"}))
	require.NoError(t, s.Append(Record{Path: "/b.jpg"}))
	recs, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, s.Save([]Record{{Path: "/c.jpg"}}))
	recs, err = s.Load()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/c.jpg", recs[0].Path)
	assert.NoFileExists(t, path+".tmp")
}
