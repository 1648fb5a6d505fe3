package jobctl

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrQueueFull is returned when a command could not be queued in time.
var ErrQueueFull = errors.New("command queue is full")

// CommandQueueSize is the capacity of every job's command queue.
const CommandQueueSize = 10

// CommandQueue is a bounded FIFO of commands.
type CommandQueue struct {
	ch chan Command
}

func NewCommandQueue(size int) *CommandQueue {
	return &CommandQueue{ch: make(chan Command, size)}
}

// Push queues cmd, waiting at most timeout for free space.
func (q *CommandQueue) Push(ctx context.Context, cmd Command, timeout time.Duration) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrQueueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- cmd:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "push command")
	}
}

// TryPop returns the oldest command without blocking.
func (q *CommandQueue) TryPop() (Command, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Drain discards all pending commands and returns how many were dropped.
func (q *CommandQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *CommandQueue) Len() int {
	return len(q.ch)
}

func (q *CommandQueue) Cap() int {
	return cap(q.ch)
}
