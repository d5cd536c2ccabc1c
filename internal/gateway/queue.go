package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CommandQueue throttles outgoing frames to a fixed number per window.
//
// Frames are never dropped: once the window is exhausted they accumulate until
// the window timer restores the quota and drains the queue again. The timer is
// armed by the first write of a fresh window.
type CommandQueue struct {
	mu        sync.Mutex
	frames    [][]byte
	priority  int // leading frames in frames that were pushed with priority
	capacity  int
	window    time.Duration
	remaining int
	timer     *time.Timer
	gen       uint64

	write   func([]byte) error
	onError func(error)
	log     *zap.Logger
}

// NewCommandQueue creates a queue writing frames through write. Write errors
// are reported to onError outside of the queue lock.
func NewCommandQueue(cfg *CommandLimitConfig, write func([]byte) error, onError func(error), log *zap.Logger) *CommandQueue {
	if cfg == nil {
		cfg = DefaultCommandLimitConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandQueue{
		capacity:  cfg.Commands,
		window:    cfg.Window,
		remaining: cfg.Commands,
		write:     write,
		onError:   onError,
		log:       log,
	}
}

// Push queues a frame and drains as many frames as the window allows.
// Priority frames go ahead of every normal frame but behind earlier priority frames.
func (q *CommandQueue) Push(frame []byte, priority bool) {
	q.mu.Lock()
	if priority {
		q.frames = append(q.frames, nil)
		copy(q.frames[q.priority+1:], q.frames[q.priority:])
		q.frames[q.priority] = frame
		q.priority++
	} else {
		q.frames = append(q.frames, frame)
	}
	errs := q.drainLocked()
	q.mu.Unlock()

	q.report(errs)
}

func (q *CommandQueue) drainLocked() []error {
	if q.remaining == 0 {
		q.log.Debug("command limit exceeded, frame queued", zap.Int("queued", len(q.frames)))
		return nil
	}
	if len(q.frames) == 0 {
		return nil
	}

	if q.remaining == q.capacity && q.timer == nil {
		gen := q.gen
		q.timer = time.AfterFunc(q.window, func() { q.resetWindow(gen) })
	}

	var errs []error
	for q.remaining > 0 && len(q.frames) > 0 {
		frame := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		if q.priority > 0 {
			q.priority--
		}
		q.remaining--

		if err := q.write(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (q *CommandQueue) resetWindow(gen uint64) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.remaining = q.capacity
	q.log.Debug("command window reset", zap.Int("queued", len(q.frames)))
	errs := q.drainLocked()
	q.mu.Unlock()

	q.report(errs)
}

func (q *CommandQueue) report(errs []error) {
	if q.onError == nil {
		return
	}
	for _, err := range errs {
		q.onError(err)
	}
}

// Reset drops every queued frame, stops the window timer and restores the full quota.
func (q *CommandQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
	q.frames = nil
	q.priority = 0
	q.remaining = q.capacity
}

// Len returns the number of frames waiting for quota.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Remaining returns the quota left in the current window.
func (q *CommandQueue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}
