package broadcast

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/dispatch"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/eventbus"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/lists"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/message"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/metrics"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// Enumerator materializes the full member list of a community.
type Enumerator interface {
	Enumerate(ctx context.Context, groupID int64) ([]vk.Member, error)
}

// Sender is the slice of the API client a run needs per recipient.
type Sender interface {
	SendMessage(ctx context.Context, peerID int64, text string, extra url.Values) (int64, error)
	IsMessagesAllowed(ctx context.Context, groupID, userID int64) (bool, error)
}

// ListSource loads the allow/block sets at filter time.
type ListSource interface {
	Load(kind lists.Kind) (lists.Set, error)
}

// TemplateSource loads the message template text.
type TemplateSource interface {
	Load() (string, error)
}

// DefaultProgressEvery is the pulse cadence when Config leaves it unset.
const DefaultProgressEvery = 10

type Config struct {
	GroupID         int64
	CheckPermission bool // groups.isMessagesFromGroupAllowed before each live send
	ProgressEvery   int  // pulse cadence in completions, default 10
}

func (c Config) withDefaults() Config {
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	return c
}

// Deps are the collaborators a Runner drives. All are required except
// Metrics and Bus.
type Deps struct {
	Enumerator Enumerator
	Sender     Sender
	Lists      ListSource
	Template   TemplateSource
	Queue      *dispatch.Queue
	Metrics    *metrics.Collector
	Bus        eventbus.Bus
}

// RunOptions select per-run behavior.
type RunOptions struct {
	// DryRun walks the whole pipeline but records simulated sends instead
	// of calling the provider. No API calls, no throttle waits.
	DryRun bool
	// TemplatePath overrides the configured template source for this run.
	TemplatePath string
}

// Runner executes one broadcast at a time: enumerate, filter, render,
// dispatch per-recipient chains through the queue, drain.
type Runner struct {
	cfg  Config
	enum Enumerator
	api  Sender
	list ListSource
	tpl  TemplateSource
	q    *dispatch.Queue
	met  *metrics.Collector
	bus  eventbus.Bus
	log  logx.Logger

	active atomic.Bool

	statusMu sync.Mutex
	status   Status
}

func NewRunner(cfg Config, deps Deps, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		enum:   deps.Enumerator,
		api:    deps.Sender,
		list:   deps.Lists,
		tpl:    deps.Template,
		q:      deps.Queue,
		met:    deps.Metrics,
		bus:    deps.Bus,
		log:    log,
		status: Status{State: StateIdle},
	}
}

// Active reports whether a run is currently in flight.
func (r *Runner) Active() bool { return r.active.Load() }

// Config returns the effective (defaulted) runner configuration.
func (r *Runner) Config() Config { return r.cfg }

// Status returns a snapshot of the current or most recent run.
func (r *Runner) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

// Run executes one broadcast to completion and reports the tally.
// A second Run while one is active returns ErrRunActive. Fatal errors
// (unreadable or empty template, enumeration failure) abort before any
// dispatch; per-recipient failures only ever count as skipped.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.active.CompareAndSwap(false, true) {
		return Outcome{}, ErrRunActive
	}
	defer r.active.Store(false)

	start := time.Now()
	r.begin(opts.DryRun, start)
	r.log.Info("broadcast run started",
		logx.Int64("group_id", r.cfg.GroupID),
		logx.Bool("dry_run", opts.DryRun))

	tpl, err := r.loadTemplate(opts)
	if err != nil {
		return r.fail(start, fmt.Errorf("load template: %w", err))
	}

	r.setState(StateEnumerating)
	members, err := r.enum.Enumerate(ctx, r.cfg.GroupID)
	if err != nil {
		return r.fail(start, fmt.Errorf("%w: %w", ErrEnumerate, err))
	}

	r.setState(StateFiltering)
	allow, err := r.list.Load(lists.KindAllow)
	if err != nil {
		return r.fail(start, fmt.Errorf("load allow list: %w", err))
	}
	block, err := r.list.Load(lists.KindBlock)
	if err != nil {
		return r.fail(start, fmt.Errorf("load block list: %w", err))
	}
	targets := Filter(members, allow, block)
	r.setCounts(len(members), len(targets))
	r.log.Info("recipients filtered",
		logx.Int("members", len(members)),
		logx.Int("allow", allow.Len()),
		logx.Int("block", block.Len()),
		logx.Int("targets", len(targets)))

	if len(targets) == 0 {
		r.log.Info("no recipients matched, nothing to send")
		return r.finish(start, opts.DryRun)
	}

	r.setState(StateDispatching)
	total := len(targets)
	for _, m := range targets {
		m := m
		r.q.Go("broadcast.send", func(taskCtx context.Context) error {
			if err := taskCtx.Err(); err != nil {
				r.complete(total, opts.DryRun, false)
				return err
			}
			delivered := r.sendOne(ctx, m, tpl, opts.DryRun)
			r.complete(total, opts.DryRun, delivered)
			return nil
		})
	}

	r.setState(StateDraining)
	if err := r.q.Drain(ctx); err != nil {
		return r.fail(start, fmt.Errorf("drain: %w", err))
	}
	return r.finish(start, opts.DryRun)
}

func (r *Runner) loadTemplate(opts RunOptions) (string, error) {
	if opts.TemplatePath != "" {
		return message.NewSource(opts.TemplatePath).Load()
	}
	return r.tpl.Load()
}

// sendOne runs the per-recipient chain: render, optional permission
// check, send, at most one retry after a hinted throttle delay. It
// reports whether the message was delivered (or simulated).
func (r *Runner) sendOne(ctx context.Context, m vk.Member, tpl string, dry bool) bool {
	text := message.Render(tpl, message.Fields{
		"first_name": m.FirstName,
		"last_name":  m.LastName,
		"id":         strconv.FormatInt(m.ID, 10),
	})

	if dry {
		if r.met != nil {
			r.met.Send(metrics.SendSimulated)
		}
		r.log.Debug("send simulated", logx.Int64("peer", m.ID), logx.Int("len", len(text)))
		return true
	}

	if r.cfg.CheckPermission {
		allowed, err := r.api.IsMessagesAllowed(ctx, r.cfg.GroupID, m.ID)
		if err != nil {
			r.skip(m.ID, "permission check failed", err)
			return false
		}
		if !allowed {
			r.skip(m.ID, "messages from community not allowed", nil)
			return false
		}
	}

	_, err := r.api.SendMessage(ctx, m.ID, text, nil)
	if err == nil {
		if r.met != nil {
			r.met.Send(metrics.SendDelivered)
		}
		return true
	}

	// One retry, and only when the throttle carried a machine-readable
	// delay. Anything else is a permanent per-recipient failure.
	hint, ok := vk.RetryHint(err)
	if !ok {
		r.skip(m.ID, "send failed", err)
		return false
	}
	if r.met != nil {
		r.met.ThrottleRetry()
	}
	r.log.Debug("send retry scheduled",
		logx.Int64("peer", m.ID),
		logx.Duration("delay", hint),
		logx.Any("err", err))
	tmr := time.NewTimer(hint)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		r.skip(m.ID, "send canceled", ctx.Err())
		return false
	case <-tmr.C:
	}
	if _, err := r.api.SendMessage(ctx, m.ID, text, nil); err != nil {
		r.skip(m.ID, "send failed after retry", err)
		return false
	}
	if r.met != nil {
		r.met.Send(metrics.SendDelivered)
	}
	return true
}

func (r *Runner) skip(peer int64, reason string, err error) {
	if r.met != nil {
		r.met.Send(metrics.SendSkipped)
	}
	fields := []logx.Field{logx.Int64("peer", peer)}
	if err != nil {
		fields = append(fields, logx.Any("err", err))
	}
	r.log.Warn("recipient skipped: "+reason, fields...)
}

// complete tallies one terminal recipient and pulses on cadence.
func (r *Runner) complete(total int, dry, delivered bool) {
	r.statusMu.Lock()
	r.status.Processed++
	if delivered {
		r.status.Sent++
	} else {
		r.status.Skipped++
	}
	n := r.status.Processed
	st := r.status
	r.statusMu.Unlock()

	if n%r.cfg.ProgressEvery == 0 || n == total {
		r.log.Info("broadcast progress",
			logx.Int("processed", st.Processed),
			logx.Int("total", total),
			logx.Int("sent", st.Sent),
			logx.Int("skipped", st.Skipped))
		r.publish(eventbus.EventBroadcastPulse, Pulse{
			Processed: st.Processed,
			Sent:      st.Sent,
			Skipped:   st.Skipped,
			Total:     total,
			DryRun:    dry,
		})
	}
}

func (r *Runner) begin(dry bool, start time.Time) {
	r.statusMu.Lock()
	r.status = Status{State: StateIdle, DryRun: dry, StartedAt: start}
	r.statusMu.Unlock()
}

func (r *Runner) setState(s State) {
	r.statusMu.Lock()
	from := r.status.State
	r.status.State = s
	r.statusMu.Unlock()
	r.log.Debug("broadcast state", logx.String("from", string(from)), logx.String("to", string(s)))
	r.publish(eventbus.EventBroadcastState, StateChange{From: from, To: s})
}

func (r *Runner) setCounts(members, targets int) {
	r.statusMu.Lock()
	r.status.Members = members
	r.status.Total = targets
	r.statusMu.Unlock()
}

func (r *Runner) finish(start time.Time, dry bool) (Outcome, error) {
	r.setState(StateDone)
	r.statusMu.Lock()
	r.status.FinishedAt = time.Now()
	out := r.status.Outcome()
	r.statusMu.Unlock()

	if r.met != nil {
		r.met.RunFinished(metrics.RunOK)
	}
	r.publish(eventbus.EventBroadcastDone, Done{Outcome: out, DryRun: dry, Took: time.Since(start)})
	r.log.Info("broadcast run finished",
		logx.Int("processed", out.Processed),
		logx.Int("sent", out.Sent),
		logx.Int("skipped", out.Skipped),
		logx.Bool("dry_run", dry),
		logx.Duration("took", time.Since(start)))
	return out, nil
}

func (r *Runner) fail(start time.Time, err error) (Outcome, error) {
	r.setState(StateFailed)
	r.statusMu.Lock()
	r.status.FinishedAt = time.Now()
	r.status.LastError = err.Error()
	out := r.status.Outcome()
	dry := r.status.DryRun
	r.statusMu.Unlock()

	if r.met != nil {
		r.met.RunFinished(metrics.RunFailed)
	}
	r.publish(eventbus.EventBroadcastDone, Done{Outcome: out, DryRun: dry, Took: time.Since(start), Err: err.Error()})
	r.log.Error("broadcast run failed",
		logx.Duration("took", time.Since(start)),
		logx.Any("err", err))
	return out, err
}

func (r *Runner) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
