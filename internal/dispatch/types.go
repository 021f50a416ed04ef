package dispatch

import (
	"context"
	"time"
)

// TaskFunc is one unit of deferred work. The context is the queue's run
// context and is canceled on Stop.
type TaskFunc func(ctx context.Context) error

// Config fixes the rate window at construction time. The window is a
// counting bucket: at most Capacity task starts per Interval, the count
// resets when the interval ticks over. Started tasks may still be running
// when the next window opens; the cap bounds starts only.
type Config struct {
	Capacity int           // max task starts per window (default 30)
	Interval time.Duration // window length (default 1s)
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 30
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	return c
}

// Snapshot is a point-in-time view of queue state for logs and /metrics.
type Snapshot struct {
	Pending    int    `json:"pending"`
	InFlight   int    `json:"in_flight"`
	WindowUsed int    `json:"window_used"`
	Capacity   int    `json:"capacity"`
	Admitted   uint64 `json:"admitted"`
	Tracked    uint64 `json:"tracked"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
}

// Handle tracks one task from admission to its terminal state.
//
// A handle always terminates: task return, task panic, and queue shutdown
// all count. Err is meaningful only after Done is closed.
type Handle struct {
	name string
	done chan struct{}
	err  error // written once before done is closed
}

func newHandle(name string) *Handle {
	return &Handle{name: name, done: make(chan struct{})}
}

func (h *Handle) Name() string { return h.name }

// Done is closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error. Valid only after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task terminates or ctx is canceled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

type task struct {
	name       string
	fn         TaskFunc
	h          *Handle
	enqueuedAt time.Time
}
