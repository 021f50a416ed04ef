package app

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/broadcast"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/config"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/dispatch"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/eventbus"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/lists"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/members"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/runtime/supervisor"
	kit "github.com/GoldenSylph/vk-mass-sending-bot/internal/transport"
	"github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
	"github.com/GoldenSylph/vk-mass-sending-bot/pkg/vkui"
)

// The command surface is admin-only. A community inbox receives mail from
// arbitrary users, so non-admin traffic is dropped silently instead of
// answered; anything else would turn the bot into an autoresponder.

const defaultCommandTimeout = 30 * time.Second

// Request carries one parsed chat command through the middleware chain.
type Request struct {
	Msg     kit.Message
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) error

type command struct {
	name    string
	usage   string
	about   string
	timeout time.Duration
	handle  HandlerFunc
}

// RouterDeps are the collaborators the command surface steers.
type RouterDeps struct {
	Log     logx.Logger
	Adapter kit.Adapter
	Config  *config.ConfigManager
	Runner  *broadcast.Runner
	Queue   *dispatch.Queue
	Sync    *members.Sync
	Lists   *lists.Store
	Bus     eventbus.Bus

	// Broadcast launches a run detached from the command's own timeout.
	// It reports false when a run is already active.
	Broadcast func(dry bool, replyPeer int64) bool
}

// CommandRouter parses admin chat messages into commands and runs them on
// a bounded worker pool so a slow handler never stalls the update stream.
type CommandRouter struct {
	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.ConfigManager
	runner  *broadcast.Runner
	queue   *dispatch.Queue
	syncer  *members.Sync
	lists   *lists.Store
	bus     eventbus.Bus
	launch  func(dry bool, replyPeer int64) bool

	routes map[string]command

	mu     sync.RWMutex
	admins []int64

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandRouter(deps RouterDeps, admins []int64) *CommandRouter {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &CommandRouter{
		log:     log,
		adapter: deps.Adapter,
		cfgm:    deps.Config,
		runner:  deps.Runner,
		queue:   deps.Queue,
		syncer:  deps.Sync,
		lists:   deps.Lists,
		bus:     deps.Bus,
		launch:  deps.Broadcast,
		admins:  append([]int64(nil), admins...),
		jobs:    make(chan func(), 64),
	}
	r.routes = map[string]command{
		"help": {
			name:   "help",
			usage:  "/help",
			about:  "show this text",
			handle: r.handleHelp,
		},
		"status": {
			name:   "status",
			usage:  "/status",
			about:  "broadcast state and queue counters",
			handle: r.handleStatus,
		},
		"members": {
			name:   "members",
			usage:  "/members [sync]",
			about:  "member snapshot info; sync re-enumerates now",
			handle: r.handleMembers,
		},
		"broadcast": {
			name:   "broadcast",
			usage:  "/broadcast [dry]",
			about:  "mass send to all members (dry simulates)",
			handle: r.handleBroadcast,
		},
		"allow": {
			name:   "allow",
			usage:  "/allow list|add <id...>|del <id...>",
			about:  "manage the allow list",
			handle: func(ctx context.Context, req *Request) error { return r.handleList(ctx, req, lists.KindAllow) },
		},
		"block": {
			name:   "block",
			usage:  "/block list|add <id...>|del <id...>",
			about:  "manage the block list",
			handle: func(ctx context.Context, req *Request) error { return r.handleList(ctx, req, lists.KindBlock) },
		},
	}
	return r
}

// SetAdmins swaps the admin list. Safe during hot reload.
func (r *CommandRouter) SetAdmins(admins []int64) {
	cp := append([]int64(nil), admins...)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *CommandRouter) isAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.admins {
		if a == id {
			return true
		}
	}
	return false
}

// Supervisor returns the router's worker supervisor (nil if not running).
func (r *CommandRouter) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *CommandRouter) setSupervisor(sup *supervisor.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is panic-safe against the jobs channel being closed mid-stop.
func (r *CommandRouter) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// Handlers run on a small worker pool supervised with restarts.
func (r *CommandRouter) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)

	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark not running before closing so tryEnqueue degrades.
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "command.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; this keeps a worker
					// alive if a job panics outside it.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.routeMessage(ctx, *up.Message)
			}
		}
	}
}

func (r *CommandRouter) routeMessage(root context.Context, msg kit.Message) {
	if !r.isAdmin(msg.FromID) {
		r.log.Debug("message from non-admin ignored",
			logx.Int64("from_id", msg.FromID), logx.Int64("peer_id", msg.PeerID))
		return
	}

	// Keyboard presses arrive as ordinary messages with a payload blob.
	if cmd, arg, ok := vkui.ParseCommandPayload(msg.Payload); ok {
		args := []string{}
		if arg != "" {
			args = []string{arg}
		}
		r.enqueue(root, msg, "payload:"+cmd, cmd, args)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	args := parts[1:]

	if _, ok := r.routes[word]; !ok {
		r.reply(root, msg.PeerID, "unknown command, try /help")
		return
	}
	r.enqueue(root, msg, word, word, args)
}

func (r *CommandRouter) enqueue(root context.Context, msg kit.Message, label, route string, args []string) {
	cmd := r.routes[route]
	if cmd.handle == nil {
		return
	}

	rid := newReqID()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("peer_id", msg.PeerID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", label),
	)
	req := &Request{
		Msg:     msg,
		Command: label,
		Args:    args,
		ReqID:   rid,
		Log:     reqLog,
	}

	timeout := cmd.timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	final := chain(cmd.handle,
		mwPanicRecover(r.log),
		mwRequestLog(r.log),
		mwTimeout(timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		r.reply(root, msg.PeerID, "busy, try again")
	}
}

func (r *CommandRouter) reply(ctx context.Context, peer int64, text string) {
	_, err := r.adapter.SendText(ctx, peer, text, nil)
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("peer_id", peer), logx.Any("err", err))
	}
}

// ---- handlers ----

func (r *CommandRouter) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range []string{"help", "status", "members", "broadcast", "allow", "block"} {
		c := r.routes[name]
		fmt.Fprintf(&b, "%s - %s\n", c.usage, c.about)
	}
	r.reply(ctx, req.Msg.PeerID, b.String())
	return nil
}

func (r *CommandRouter) handleStatus(ctx context.Context, req *Request) error {
	st := r.runner.Status()
	qs := r.queue.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "broadcast: %s", st.State)
	if st.DryRun && st.State != broadcast.StateIdle {
		b.WriteString(" (dry run)")
	}
	b.WriteByte('\n')
	if st.Total > 0 {
		fmt.Fprintf(&b, "progress: %d/%d sent=%d skipped=%d\n", st.Processed, st.Total, st.Sent, st.Skipped)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", st.LastError)
	}
	fmt.Fprintf(&b, "queue: pending=%d in_flight=%d window=%d/%d\n",
		qs.Pending, qs.InFlight, qs.WindowUsed, qs.Capacity)
	if cfg := r.cfgm.Get(); cfg != nil {
		mode := "off"
		if cfg.Broadcast.CheckPermission {
			mode = "on"
		}
		fmt.Fprintf(&b, "permission check: %s\n", mode)
	}
	if at, n := r.syncer.Last(); !at.IsZero() {
		fmt.Fprintf(&b, "members: %d (synced %s)\n", n, at.Format("2006-01-02 15:04"))
	} else {
		b.WriteString("members: not synced yet\n")
	}
	if r.bus != nil {
		if d := r.bus.Dropped(); d > 0 {
			fmt.Fprintf(&b, "events dropped: %d\n", d)
		}
	}
	r.reply(ctx, req.Msg.PeerID, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *CommandRouter) handleMembers(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 && strings.EqualFold(req.Args[0], "sync") {
		n, err := r.syncer.RunNow(ctx)
		switch {
		case err != nil:
			r.reply(ctx, req.Msg.PeerID, "sync failed: "+err.Error())
			return err
		case n == 0:
			// RunNow reports (0, nil) when another enumeration holds the flag.
			r.reply(ctx, req.Msg.PeerID, "sync skipped: already running")
		default:
			r.reply(ctx, req.Msg.PeerID, fmt.Sprintf("synced %d members", n))
		}
		return nil
	}

	if at, n := r.syncer.Last(); !at.IsZero() {
		r.reply(ctx, req.Msg.PeerID, fmt.Sprintf("members: %d (synced %s)\nuse /members sync to refresh", n, at.Format("2006-01-02 15:04")))
	} else {
		r.reply(ctx, req.Msg.PeerID, "no member snapshot yet; use /members sync")
	}
	return nil
}

func (r *CommandRouter) handleBroadcast(ctx context.Context, req *Request) error {
	arg := ""
	if len(req.Args) > 0 {
		arg = strings.ToLower(req.Args[0])
	}

	switch arg {
	case "dry":
		if !r.launch(true, req.Msg.PeerID) {
			r.reply(ctx, req.Msg.PeerID, "a run is already active")
			return nil
		}
		r.reply(ctx, req.Msg.PeerID, "dry run started")
		return nil

	case "live":
		// Confirmed via keyboard payload.
		if !r.launch(false, req.Msg.PeerID) {
			r.reply(ctx, req.Msg.PeerID, "a run is already active")
			return nil
		}
		r.reply(ctx, req.Msg.PeerID, "broadcast started")
		return nil

	case "cancel":
		r.reply(ctx, req.Msg.PeerID, "canceled")
		return nil

	case "":
		if r.runner.Active() {
			r.reply(ctx, req.Msg.PeerID, "a run is already active")
			return nil
		}
		kb, err := vkui.Confirm(
			vkui.PositiveBtn("Send", vkui.CommandPayload("broadcast", "live")),
			vkui.NegativeBtn("Cancel", vkui.CommandPayload("broadcast", "cancel")),
		).String()
		if err != nil {
			return err
		}
		text := "start mass send to all members?"
		if at, n := r.syncer.Last(); !at.IsZero() {
			text = fmt.Sprintf("start mass send? last snapshot: %d members (%s)", n, at.Format("2006-01-02 15:04"))
		}
		_, err = r.adapter.SendText(ctx, req.Msg.PeerID, text, &kit.SendOptions{Keyboard: kb})
		return err

	default:
		r.reply(ctx, req.Msg.PeerID, "usage: "+r.routes["broadcast"].usage)
		return nil
	}
}

func (r *CommandRouter) handleList(ctx context.Context, req *Request, kind lists.Kind) error {
	sub := ""
	if len(req.Args) > 0 {
		sub = strings.ToLower(req.Args[0])
	}

	switch sub {
	case "", "list":
		set, err := r.lists.Load(kind)
		if err != nil {
			r.reply(ctx, req.Msg.PeerID, "load failed: "+err.Error())
			return err
		}
		if set.Len() == 0 {
			r.reply(ctx, req.Msg.PeerID, string(kind)+" list is empty")
			return nil
		}
		text := fmt.Sprintf("%s list (%d):\n%s", kind, set.Len(), strings.Join(set.IDs(), "\n"))
		r.reply(ctx, req.Msg.PeerID, vkui.TruncRunes(text, vkui.TextLimit))
		return nil

	case "add", "del":
		ids, err := parseIDArgs(req.Args[1:])
		if err != nil {
			r.reply(ctx, req.Msg.PeerID, err.Error())
			return nil
		}
		if len(ids) == 0 {
			r.reply(ctx, req.Msg.PeerID, "usage: /"+string(kind)+" "+sub+" <id...>")
			return nil
		}
		var n int
		if sub == "add" {
			n, err = r.lists.Add(kind, ids...)
		} else {
			n, err = r.lists.Remove(kind, ids...)
		}
		if err != nil {
			r.reply(ctx, req.Msg.PeerID, "update failed: "+err.Error())
			return err
		}
		verb := "added"
		if sub == "del" {
			verb = "removed"
		}
		r.reply(ctx, req.Msg.PeerID, fmt.Sprintf("%s %d id(s), %s list updated", verb, n, kind))
		return nil

	default:
		r.reply(ctx, req.Msg.PeerID, "usage: /"+string(kind)+" list|add <id...>|del <id...>")
		return nil
	}
}

// parseIDArgs validates that every argument is a decimal user id.
func parseIDArgs(args []string) ([]string, error) {
	ids := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, err := strconv.ParseInt(a, 10, 64); err != nil {
			return nil, fmt.Errorf("not a user id: %q", a)
		}
		ids = append(ids, a)
	}
	return ids, nil
}

// ---- middleware ----

type middleware func(next HandlerFunc) HandlerFunc

func chain(h HandlerFunc, m ...middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwPanicRecover(log logx.Logger) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					logger := log
					if req != nil && !req.Log.IsZero() {
						logger = req.Log
					}
					logger.Error("panic recovered",
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", rec)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwRequestLog(log logx.Logger) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Log.IsZero() {
				logger = req.Log
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.Int64("peer_id", req.Msg.PeerID),
				logx.Int64("from_id", req.Msg.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, logx.Any("err", err))...)
			} else if d >= 750*time.Millisecond {
				logger.Info("request ok", fields...)
			} else {
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// ---- request ids ----

var ridSeq atomic.Uint64

func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36)
}
