package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/broadcast"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/config"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/dispatch"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/eventbus"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/lists"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/members"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/message"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/metrics"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/ops"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/runtime/supervisor"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/storage"
	kit "github.com/GoldenSylph/vk-mass-sending-bot/internal/transport"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/transport/vklp"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// StopReason tags why the app is shutting down, for the final log line.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// App wires the whole bot together: config, logging, the dispatch queue,
// the VK client, long poll, member sync, the broadcast runner and the
// ops server. Construction is fallible; Start launches goroutines.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	met   *metrics.Collector
	store storage.Store

	queue   *dispatch.Queue
	client  *vk.Client
	adapter *vklp.Adapter

	listStore *lists.Store
	enum      *members.Enumerator
	syncer    *members.Sync
	runner    *broadcast.Runner
	ops       *ops.Service

	cmds *CommandRouter

	updates   chan kit.Update
	startedAt time.Time
}

// New builds the full dependency graph from the config file at cfgPath.
// Nothing runs until Start (daemon) or StartCore (one-shot CLI).
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	// Boot logger until the real service exists; Start swaps it out.
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	// Logging boots first, but the VK log sink needs a send transport and
	// the transport needs a logger. Break the cycle: construct with the
	// sink disabled, inject the sender below, then Apply the real config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		VK: logx.VKConfig{
			Enabled:    false, // armed after the adapter exists
			PeerID:     cfg.Logging.VK.PeerID,
			MinLevel:   cfg.Logging.VK.MinLevel,
			RatePerSec: cfg.Logging.VK.RatePerSec,
		},
	}
	logs, log := logx.New(baseLogCfg, nil)
	log = log.With(logx.String("comp", "app"))

	met := metrics.New()
	bus := eventbus.New()

	// Every provider call in the process is admitted through this queue;
	// its window is fixed for the process lifetime.
	interval, err := config.ParseDurationOrDefault("dispatch.interval", cfg.Dispatch.Interval, time.Second)
	if err != nil {
		return nil, err
	}
	queue := dispatch.New(dispatch.Config{
		Capacity: cfg.Dispatch.Capacity,
		Interval: interval,
	}, log.With(logx.String("comp", "dispatch")))
	met.RegisterQueue(func() metrics.QueueStats {
		s := queue.Snapshot()
		return metrics.QueueStats{Pending: s.Pending, InFlight: s.InFlight, WindowUsed: s.WindowUsed}
	})

	reqTimeout, err := config.ParseDurationOrDefault("vk.request_timeout", cfg.VK.RequestTimeout, 0)
	if err != nil {
		return nil, err
	}
	tr := vk.NewHTTPTransport(vk.HTTPConfig{
		Token:    cfg.VK.Token,
		Version:  cfg.VK.APIVersion,
		Endpoint: cfg.VK.Endpoint,
		Timeout:  reqTimeout,
	})
	client := vk.NewClient(tr, queue, log.With(logx.String("comp", "vk")), met)

	adapter, err := vklp.New(vklp.Config{
		GroupID: cfg.VK.GroupID,
		Wait:    cfg.VK.LongPollWait,
	}, client, log.With(logx.String("comp", "vklp")), met)
	if err != nil {
		return nil, err
	}

	// A sender exists now; arm the VK log sink with the real enable flag.
	logs.SetSender(adapter)
	finalLogCfg := baseLogCfg
	finalLogCfg.VK.Enabled = cfg.Logging.VK.Enabled
	logs.Apply(finalLogCfg)

	// Storage (optional member snapshots)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	listsDir := strings.TrimSpace(cfg.Lists.Dir)
	if listsDir == "" {
		listsDir = "./lists"
	}
	listStore := lists.NewStore(lists.Config{Dir: listsDir}, log.With(logx.String("comp", "lists")))

	enum := members.NewEnumerator(members.Config{PageSize: cfg.Members.PageSize},
		client, store, log.With(logx.String("comp", "members")))

	syncer := members.NewSync(members.SyncConfig{
		Enabled:  cfg.Members.Sync.Enabled,
		Schedule: cfg.Members.Sync.Schedule,
		Timezone: cfg.Members.Sync.Timezone,
		GroupID:  cfg.VK.GroupID,
	}, enum, log.With(logx.String("comp", "members.sync")), bus)

	runner := broadcast.NewRunner(broadcast.Config{
		GroupID:         cfg.VK.GroupID,
		CheckPermission: cfg.Broadcast.CheckPermission,
		ProgressEvery:   cfg.Broadcast.ProgressEvery,
	}, broadcast.Deps{
		Enumerator: enum,
		Sender:     client,
		Lists:      listStore,
		Template:   &templateSource{cfgm: cfgm, fallback: cfg.Broadcast.TemplatePath},
		Queue:      queue,
		Metrics:    met,
		Bus:        bus,
	}, log.With(logx.String("comp", "broadcast")))

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(opsCfg, met, log.With(logx.String("comp", "ops")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		met:       met,
		store:     store,
		queue:     queue,
		client:    client,
		adapter:   adapter,
		listStore: listStore,
		enum:      enum,
		syncer:    syncer,
		runner:    runner,
		ops:       opsSvc,
		updates:   make(chan kit.Update, 256),
	}
	opsSvc.SetHealth(a.healthSnapshot)

	a.cmds = NewCommandRouter(RouterDeps{
		Log:       log.With(logx.String("comp", "commands")),
		Adapter:   adapter,
		Config:    cfgm,
		Runner:    runner,
		Queue:     queue,
		Sync:      syncer,
		Lists:     listStore,
		Bus:       bus,
		Broadcast: a.launchBroadcast,
	}, cfg.VK.AdminUserIDs)

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the bot as a daemon: long poll, chat commands, member sync,
// ops server, config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	a.queue.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}
	if a.syncer.Enabled() {
		if err := a.syncer.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	// Debug visibility into bus traffic; components subscribe themselves
	// for anything load-bearing.
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, sections, newCfg)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReady(a.log)
	startWatchdog(a.sup, a.log)

	a.log.Info("app started")
	return nil
}

// applyReload pushes a committed config into the running services. Pieces
// that cannot change live (dispatch window, storage driver, VK identity,
// sync schedule) get a restart-required warning instead.
func (a *App) applyReload(ctx context.Context, sections []string, cfg *config.Config) {
	restartOnly := map[string]string{
		"dispatch": "dispatch window is fixed at process start",
		"storage":  "storage driver is opened at process start",
		"vk":       "VK identity and long poll are wired at process start",
		"members":  "member sync schedule is registered at process start",
	}
	for _, s := range sections {
		if why, ok := restartOnly[s]; ok {
			a.log.Warn("config changed; restart required",
				logx.String("section", s), logx.String("reason", why))
		}
	}

	// Logging applies live, peer first so Apply never warns about a
	// missing target.
	if cfg.Logging.VK.PeerID != 0 {
		a.logs.SetPeer(cfg.Logging.VK.PeerID)
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		VK: logx.VKConfig{
			Enabled:    cfg.Logging.VK.Enabled,
			PeerID:     cfg.Logging.VK.PeerID,
			MinLevel:   cfg.Logging.VK.MinLevel,
			RatePerSec: cfg.Logging.VK.RatePerSec,
		},
	})

	a.cmds.SetAdmins(cfg.VK.AdminUserIDs)

	if opsCfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Any("err", err))
	} else {
		a.ops.Reconfigure(ctx, opsCfg)
	}

	// Broadcast template path is re-read per run; CheckPermission and
	// ProgressEvery are captured by the runner at construction.
	for _, s := range sections {
		if s == "broadcast" {
			rc := a.runner.Config()
			pe := cfg.Broadcast.ProgressEvery
			if pe <= 0 {
				pe = broadcast.DefaultProgressEvery
			}
			if cfg.Broadcast.CheckPermission != rc.CheckPermission || pe != rc.ProgressEvery {
				a.log.Warn("broadcast dispatch settings changed; restart required",
					logx.Bool("check_permission", cfg.Broadcast.CheckPermission))
			}
			break
		}
	}
}

// Stop unwinds the daemon: cancel the run context, then bound each
// component's shutdown so one slow piece can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, surface the leak.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("members.sync", 2*time.Second, func(c context.Context) error { a.syncer.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// In-flight sends get a grace window before the queue cancels them.
	step("dispatch", 3*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// StartCore brings up just enough for a one-shot CLI invocation: the
// dispatch queue and nothing that listens. No long poll, no ops server,
// no config watch.
func (a *App) StartCore(ctx context.Context) {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()
	a.queue.Start(a.sup.Context())
}

// StopCore unwinds what StartCore set up.
func (a *App) StopCore(ctx context.Context) {
	if a.sup == nil {
		return
	}
	a.queue.Stop(ctx)
	a.sup.Cancel()
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// RunBroadcast executes one broadcast synchronously. Used by the CLI; chat
// commands go through launchBroadcast instead.
func (a *App) RunBroadcast(ctx context.Context, opts broadcast.RunOptions) (broadcast.Outcome, error) {
	return a.runner.Run(ctx, opts)
}

// SyncMembers triggers one member enumeration synchronously.
func (a *App) SyncMembers(ctx context.Context) (int, error) {
	return a.syncer.RunNow(ctx)
}

// Lists exposes the allow/block store for the CLI.
func (a *App) Lists() *lists.Store { return a.listStore }

// launchBroadcast starts a run under the app supervisor so it outlives the
// chat command that triggered it. Returns false when a run is already
// active.
func (a *App) launchBroadcast(dry bool, replyPeer int64) bool {
	if a.sup == nil || a.runner.Active() {
		return false
	}
	a.sup.Go0("broadcast.run", func(c context.Context) {
		out, err := a.runner.Run(c, broadcast.RunOptions{DryRun: dry})
		if replyPeer == 0 {
			return
		}
		var text string
		switch {
		case err != nil:
			text = "broadcast failed: " + err.Error()
		case dry:
			text = fmt.Sprintf("dry run done: %d targets, %d would be sent, %d skipped",
				out.Processed, out.Sent, out.Skipped)
		default:
			text = fmt.Sprintf("broadcast done: %d processed, %d sent, %d skipped",
				out.Processed, out.Sent, out.Skipped)
		}
		rctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		_, _ = a.adapter.SendText(rctx, replyPeer, text, nil)
	})
	return true
}

type healthView struct {
	Status     string              `json:"status"`
	Uptime     string              `json:"uptime"`
	Queue      dispatch.Snapshot   `json:"queue"`
	Broadcast  broadcast.Status    `json:"broadcast"`
	Members    *membersHealthView  `json:"members,omitempty"`
	Goroutines supervisor.Counters `json:"goroutines"`
	Dropped    uint64              `json:"events_dropped"`
}

type membersHealthView struct {
	LastSync time.Time `json:"last_sync"`
	Count    int       `json:"count"`
}

func (a *App) healthSnapshot() any {
	v := healthView{
		Status:    "ok",
		Uptime:    time.Since(a.startedAt).Round(time.Second).String(),
		Queue:     a.queue.Snapshot(),
		Broadcast: a.runner.Status(),
	}
	if at, n := a.syncer.Last(); !at.IsZero() {
		v.Members = &membersHealthView{LastSync: at, Count: n}
	}
	v.Goroutines = a.sup.Counters()
	if a.bus != nil {
		v.Dropped = a.bus.Dropped()
	}
	return v
}

// templateSource reads the template from whatever path the current config
// names, so a hot-reloaded template_path takes effect on the next run.
type templateSource struct {
	cfgm     *config.ConfigManager
	fallback string
}

func (t *templateSource) Load() (string, error) {
	path := t.fallback
	if cfg := t.cfgm.Get(); cfg != nil && strings.TrimSpace(cfg.Broadcast.TemplatePath) != "" {
		path = cfg.Broadcast.TemplatePath
	}
	return message.NewSource(path).Load()
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	if cfg == nil {
		return ops.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	wt, err := config.ParseDurationOrDefault("ops.write_timeout", cfg.Ops.WriteTimeout, 0)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
