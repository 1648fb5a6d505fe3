// Package imagefifo holds the bounded lists of image paths shared between the
// capture, upload and housekeeping jobs.
//
// Every method is safe for concurrent use. Sequences that must observe a
// consistent list (read, upload, append) additionally hold the gate with
// Lock/Unlock or With; the gate does not block the individual methods.
package imagefifo

import "sync"

// FIFO is a bounded list of image paths, oldest first. Pushing onto a full
// FIFO evicts the oldest path.
type FIFO struct {
	gate sync.Mutex

	mu       sync.RWMutex
	items    []string
	capacity int
	subDir   string
	camID    string
}

func New(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{capacity: capacity, items: make([]string, 0, capacity)}
}

// Lock acquires the gate for a read-modify sequence.
func (f *FIFO) Lock() { f.gate.Lock() }

func (f *FIFO) Unlock() { f.gate.Unlock() }

// With runs fn while holding the gate.
func (f *FIFO) With(fn func() error) error {
	f.gate.Lock()
	defer f.gate.Unlock()
	return fn()
}

// Push appends path and returns the evicted path, if any.
func (f *FIFO) Push(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var evicted string
	dropped := false
	if len(f.items) == f.capacity {
		evicted, dropped = f.items[0], true
		copy(f.items, f.items[1:])
		f.items = f.items[:f.capacity-1]
	}
	f.items = append(f.items, path)
	return evicted, dropped
}

// Replace loads paths, keeping only the newest ones that fit.
func (f *FIFO) Replace(paths []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(paths) > f.capacity {
		paths = paths[len(paths)-f.capacity:]
	}
	f.items = append(f.items[:0], paths...)
}

func (f *FIFO) Contains(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.items {
		if p == path {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the paths, oldest first.
func (f *FIFO) Snapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.items))
	copy(out, f.items)
	return out
}

// Last returns the newest path.
func (f *FIFO) Last() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.items) == 0 {
		return "", false
	}
	return f.items[len(f.items)-1], true
}

func (f *FIFO) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

func (f *FIFO) Cap() int { return f.capacity }

func (f *FIFO) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = f.items[:0]
}

// SubDir is the current per-day sub folder, e.g. "010625".
func (f *FIFO) SubDir() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.subDir
}

func (f *FIFO) SetSubDir(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subDir = dir
}

func (f *FIFO) CamID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.camID
}

func (f *FIFO) SetCamID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.camID = id
}
