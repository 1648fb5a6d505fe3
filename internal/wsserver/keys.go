package wsserver

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/istvanzk/rpicampy-sub000/internal/logger"
)

// ErrInvalidKeyFile is returned for a key file without "recv,send" on its first line.
var ErrInvalidKeyFile = errors.New("invalid key file")

// Keys are the pre-shared handshake keys.
type Keys struct {
	Recv     string
	Send     string
	DeviceID string // optional third field
}

// Authorize grants capabilities for the "recv,send" token pair.
func (k Keys) Authorize(tokens string) Capability {
	recv, send, _ := strings.Cut(tokens, ",")
	recv, send = strings.TrimSpace(recv), strings.TrimSpace(send)

	var c Capability
	if k.Recv != "" && recv == k.Recv {
		c |= CanReceiveStatus
	}
	if k.Send != "" && send == k.Send {
		c |= CanSendCommands
	}
	return c
}

func (k Keys) String() string {
	return "recv=" + maskKey(k.Recv) + " send=" + maskKey(k.Send) + " id=" + k.DeviceID
}

// LoadKeys reads the first line of path as "recv,send[,deviceId]".
func LoadKeys(path string) (Keys, error) {
	f, err := os.Open(path)
	if err != nil {
		return Keys{}, errors.Wrapf(err, "open key file %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Keys{}, errors.Wrapf(err, "read key file %s", path)
		}
		return Keys{}, errors.Wrapf(ErrInvalidKeyFile, "%s is empty", path)
	}
	return ParseKeys(sc.Text())
}

// ParseKeys parses one "recv,send[,deviceId]" line.
func ParseKeys(line string) (Keys, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) < 2 || len(parts) > 3 {
		return Keys{}, errors.Wrapf(ErrInvalidKeyFile, "expected 2 or 3 fields, got %d", len(parts))
	}

	k := Keys{Recv: strings.TrimSpace(parts[0]), Send: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		k.DeviceID = strings.TrimSpace(parts[2])
	}
	if k.Recv == "" && k.Send == "" {
		return Keys{}, errors.Wrap(ErrInvalidKeyFile, "both keys are empty")
	}
	return k, nil
}

// maskKey hides all but the edges of a key for logging.
func maskKey(key string) string {
	switch {
	case key == "":
		return "<empty>"
	case len(key) <= 4:
		return "****"
	default:
		return key[:2] + strings.Repeat("*", len(key)-4) + key[len(key)-2:]
	}
}

// KeyWatcher reloads the key file when it changes on disk.
type KeyWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(Keys)
	logger   *logger.Logger

	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// NewKeyWatcher watches the directory of path so editors that replace the
// file by rename are noticed too.
func NewKeyWatcher(path string, onReload func(Keys), log *logger.Logger) (*KeyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch key file %s", path)
	}

	return &KeyWatcher{
		path:           filepath.Clean(path),
		watcher:        w,
		onReload:       onReload,
		logger:         log.Named("keywatcher"),
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// Run handles file events until ctx is done or the watcher is closed.
func (kw *KeyWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != kw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				kw.scheduleReload()
			}
		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			kw.logger.Warn("key watcher error", logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (kw *KeyWatcher) scheduleReload() {
	kw.mu.Lock()
	defer kw.mu.Unlock()

	if kw.debounceTimer != nil {
		kw.debounceTimer.Stop()
	}
	kw.debounceTimer = time.AfterFunc(kw.debouncePeriod, kw.reload)
}

func (kw *KeyWatcher) reload() {
	keys, err := LoadKeys(kw.path)
	if err != nil {
		kw.logger.Error("key file reload failed, keeping previous keys", err)
		return
	}
	kw.logger.Info("key file reloaded", logger.Field{Key: "keys", Value: keys.String()})
	kw.onReload(keys)
}

func (kw *KeyWatcher) Close() error {
	kw.mu.Lock()
	if kw.debounceTimer != nil {
		kw.debounceTimer.Stop()
	}
	kw.mu.Unlock()
	return kw.watcher.Close()
}
