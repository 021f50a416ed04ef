package members

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/eventbus"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// SyncConfig schedules background re-enumeration between broadcasts.
type SyncConfig struct {
	Enabled  bool
	Schedule string // cron spec or @descriptor; default "@daily"
	Timezone string // IANA name; empty means local time
	GroupID  int64
}

// SyncedEvent is the payload of eventbus.EventMembersSynced.
type SyncedEvent struct {
	GroupID int64     `json:"group_id"`
	Members int       `json:"members"`
	At      time.Time `json:"at"`
}

// Sync keeps the member snapshot warm by re-running enumeration on a cron
// schedule. Overlap policy is skip-if-running: a tick that fires while a
// sync (or a broadcast-triggered enumeration sharing the flag) is active
// is logged and dropped, never queued.
type Sync struct {
	cfg    SyncConfig
	enum   *Enumerator
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	running atomic.Bool

	lastMu   sync.Mutex
	lastAt   time.Time
	lastSize int
}

func NewSync(cfg SyncConfig, enum *Enumerator, log logx.Logger, bus eventbus.Bus) *Sync {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sync{
		cfg:  cfg,
		enum: enum,
		log:  log,
		bus:  bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Sync) Enabled() bool { return s.cfg.Enabled }

// Start registers the schedule and begins triggering. Idempotent.
// ctx bounds every enumeration the schedule fires.
func (s *Sync) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = "@daily"
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c

	s.log.Info("member sync scheduled",
		logx.String("schedule", spec),
		logx.String("tz", loc.String()),
		logx.Int64("group_id", s.cfg.GroupID))
	return nil
}

// Stop halts triggering and waits for an in-flight run within ctx.
func (s *Sync) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow performs one synchronous sync pass, honoring the same
// skip-if-running policy the schedule uses.
func (s *Sync) RunNow(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)
	return s.runLocked(ctx)
}

// Last reports the most recent successful sync (zero time when none ran).
func (s *Sync) Last() (time.Time, int) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastAt, s.lastSize
}

func (s *Sync) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("member sync tick skipped; previous run still active",
			logx.Int64("group_id", s.cfg.GroupID))
		return
	}
	defer s.running.Store(false)

	if _, err := s.runLocked(ctx); err != nil {
		s.log.Error("member sync failed", logx.Int64("group_id", s.cfg.GroupID), logx.Err(err))
	}
}

func (s *Sync) runLocked(ctx context.Context) (int, error) {
	members, err := s.enum.Enumerate(ctx, s.cfg.GroupID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	s.lastMu.Lock()
	s.lastAt = now
	s.lastSize = len(members)
	s.lastMu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventMembersSynced,
			Data: SyncedEvent{GroupID: s.cfg.GroupID, Members: len(members), At: now},
		})
	}
	return len(members), nil
}
