package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// Queue releases admitted tasks to execution at a bounded rate and tracks
// every unit of outstanding work until Drain.
//
// It is constructed once per process and injected into everything that
// talks to the provider; admission decisions are serialized in a single
// pump goroutine so no two of them race on the window counter.
type Queue struct {
	cfg Config
	log logx.Logger

	mu          sync.Mutex
	pending     []*task
	outstanding int             // pending + running (admitted and tracked)
	waiters     []chan struct{} // drain waiters, closed when outstanding hits 0
	windowUsed  int             // starts in the current window, pump-owned
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	stopCh      chan struct{}
	stopDone    chan struct{}

	wake chan struct{} // admission signal to the pump, cap 1

	wg sync.WaitGroup // pump + running task goroutines

	admitted  atomic.Uint64
	tracked   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64
}

func New(cfg Config, log logx.Logger) *Queue {
	return &Queue{
		cfg:  cfg.withDefaults(),
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// Start launches the admission pump. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	q.baseCtx, q.baseCancel = context.WithCancel(ctx)
	q.stopCh = make(chan struct{})
	q.stopDone = nil
	stopCh := q.stopCh
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.pump(stopCh)
	}()

	q.log.Info("dispatch queue started",
		logx.Int("capacity", q.cfg.Capacity),
		logx.Duration("interval", q.cfg.Interval))
}

// Stop fails everything still pending with ErrStopped, cancels the run
// context of executing tasks, and waits for them within ctx.
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	close(q.stopCh)

	// Every queued-but-unstarted task still reaches a terminal state.
	dropped := q.pending
	q.pending = nil
	cancel := q.baseCancel
	q.mu.Unlock()

	for _, t := range dropped {
		t.h.finish(ErrStopped)
		q.failed.Add(1)
		q.taskDone()
	}
	if cancel != nil {
		cancel()
	}

	go func() {
		q.wg.Wait()
		q.mu.Lock()
		q.stopCh = nil
		q.stopDone = nil
		q.windowUsed = 0
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("dispatch queue stopped")
	case <-ctx.Done():
		q.log.Warn("dispatch queue stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Admit accepts a deferred call without blocking. The task starts only when
// the current window's admission count is below capacity; admission order is
// FIFO, completion order is not guaranteed.
func (q *Queue) Admit(name string, fn TaskFunc) *Handle {
	h := newHandle(name)
	if fn == nil {
		h.finish(ErrNilTask)
		return h
	}

	q.mu.Lock()
	if q.stopCh == nil || q.stopDone != nil {
		q.mu.Unlock()
		h.finish(ErrStopped)
		return h
	}
	q.pending = append(q.pending, &task{name: name, fn: fn, h: h, enqueuedAt: time.Now()})
	q.outstanding++
	q.mu.Unlock()

	q.admitted.Add(1)
	q.kick()
	return h
}

// Go runs fn immediately in its own goroutine, outside the rate window but
// counted as outstanding work for Drain. It exists for multi-call chains
// (check, send, one throttle retry) whose inner calls are each admitted:
// the chain keeps the queue non-idle across its retry sleep, so Drain can
// never resolve between the chain's calls.
func (q *Queue) Go(name string, fn TaskFunc) *Handle {
	h := newHandle(name)
	if fn == nil {
		h.finish(ErrNilTask)
		return h
	}

	q.mu.Lock()
	if q.stopCh == nil || q.stopDone != nil {
		q.mu.Unlock()
		h.finish(ErrStopped)
		return h
	}
	q.outstanding++
	ctx := q.baseCtx
	q.mu.Unlock()

	q.tracked.Add(1)
	q.run(ctx, &task{name: name, fn: fn, h: h, enqueuedAt: time.Now()})
	return h
}

// Drain suspends the caller until every admitted and tracked task has
// reached a terminal state. Admissions arriving while draining are honored:
// the wait only resolves when the queue is idle at the moment the last
// outstanding task finishes.
func (q *Queue) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		q.mu.Lock()
		if q.outstanding == 0 {
			q.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		q.waiters = append(q.waiters, ch)
		q.mu.Unlock()

		select {
		case <-ch:
			// Re-check: work admitted between wake-up and now keeps us here.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	pending := len(q.pending)
	used := q.windowUsed
	q.mu.Unlock()
	return Snapshot{
		Pending:    pending,
		InFlight:   int(q.inFlight.Load()),
		WindowUsed: used,
		Capacity:   q.cfg.Capacity,
		Admitted:   q.admitted.Load(),
		Tracked:    q.tracked.Load(),
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pump owns the window counter: it resets the used count on every interval
// tick and releases pending tasks while slots remain.
func (q *Queue) pump(stopCh chan struct{}) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		q.release()
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.windowUsed = 0
			q.mu.Unlock()
		case <-q.wake:
		}
	}
}

func (q *Queue) release() {
	for {
		q.mu.Lock()
		if q.windowUsed >= q.cfg.Capacity || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if len(q.pending) == 0 {
			q.pending = nil
		}
		q.windowUsed++
		ctx := q.baseCtx
		q.mu.Unlock()

		q.run(ctx, t)
	}
}

func (q *Queue) run(ctx context.Context, t *task) {
	q.inFlight.Add(1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.inFlight.Add(-1)

		err := q.exec(ctx, t)
		if err != nil {
			q.failed.Add(1)
		} else {
			q.completed.Add(1)
		}
		t.h.finish(err)
		q.taskDone()
	}()
}

func (q *Queue) exec(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
			q.log.Error("dispatch task panicked",
				logx.String("task", t.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.fn(ctx)
}

func (q *Queue) taskDone() {
	q.mu.Lock()
	q.outstanding--
	if q.outstanding == 0 && len(q.waiters) > 0 {
		for _, ch := range q.waiters {
			close(ch)
		}
		q.waiters = nil
	}
	q.mu.Unlock()
}
