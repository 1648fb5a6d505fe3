package jobctl

import "sync"

// StatusLogSize is the number of status entries a job keeps.
const StatusLogSize = 10

// Status is one status log entry.
type Status struct {
	Message string
	Value   int64
}

// StatusLog is a ring of the most recent status entries.
// Pop returns the newest entry first; appending to a full log drops the oldest.
type StatusLog struct {
	mu      sync.Mutex
	entries []Status
	size    int
}

func NewStatusLog(size int) *StatusLog {
	return &StatusLog{size: size, entries: make([]Status, 0, size)}
}

func (l *StatusLog) Append(msg string, value int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.size-1]
	}
	l.entries = append(l.entries, Status{Message: msg, Value: value})
}

// Pop removes and returns the newest entry.
func (l *StatusLog) Pop() (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return Status{}, false
	}
	last := l.entries[len(l.entries)-1]
	l.entries = l.entries[:len(l.entries)-1]
	return last, true
}

// Entries returns a snapshot, newest first.
func (l *StatusLog) Entries() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Status, len(l.entries))
	for i, s := range l.entries {
		out[len(l.entries)-1-i] = s
	}
	return out
}

func (l *StatusLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

func (l *StatusLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
