package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "github.com/GoldenSylph/vk-mass-sending-bot/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	VK      VKConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// VKConfig mirrors logging into a VK conversation (usually the admin chat).
// Messages ride the same outbound pipeline as everything else, so the sink
// keeps its own modest rate cap on top of min-level filtering.
type VKConfig struct {
	Enabled    bool
	PeerID     int64
	MinLevel   string
	RatePerSec int
}

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// chatMessageCap stays under VK's 4096-char messages.send limit with
// room for the level prefix and field lines.
const chatMessageCap = 3800

// Service owns the sink set (console, file, VK chat) and swaps it
// atomically on Apply, so loggers handed out earlier keep working
// across config reloads.
type Service struct {
	mu  sync.Mutex
	cfg Config

	active atomic.Value // zerolog.Logger

	file *os.File

	// vk chat mirroring
	vkQueue  chan vkItem
	vkOnce   sync.Once
	vkCancel context.CancelFunc
	vkWG     sync.WaitGroup

	// guarded by mu
	sender   kit.Adapter
	peerID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type vkItem struct {
	peer int64
	msg  string
}

// New builds the service, applies cfg, and returns a root Logger bound
// to it. sender may be nil; the VK sink stays dormant until SetSender.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = logTimeFormat

	s := &Service{
		cfg:     cfg,
		sender:  sender,
		vkQueue: make(chan vkItem, 256),
		peerID:  cfg.VK.PeerID,
	}

	// Console-only root until Apply assembles the real sink set, so
	// nothing logged during construction is lost.
	s.active.Store(consoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) snapshot() zerolog.Logger {
	if zl, ok := s.active.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetPeer overrides the conversation the VK sink mirrors into.
func (s *Service) SetPeer(peerID int64) {
	s.mu.Lock()
	s.peerID = peerID
	s.mu.Unlock()
}

// SetSender installs the transport the VK sink delivers through. The
// service is usually built before the transport (the transport itself
// wants a logger), so the sink stays dormant until this is called.
func (s *Service) SetSender(sender kit.Adapter) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.vkCancel
	s.vkCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.vkWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps sinks and levels at runtime. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	s.minLevel = parseLevel(cfg.VK.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.VK.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.VK.PeerID != 0 {
		s.peerID = cfg.VK.PeerID
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := s.assembleWriters(cfg)
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.active.Store(zl)
}

// assembleWriters builds the sink list for Apply. Called with mu held.
func (s *Service) assembleWriters(cfg Config) []io.Writer {
	writers := make([]io.Writer, 0, 3)

	if cfg.Console {
		writers = append(writers, consoleWriter(Stdout()))
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./vksender.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.VK.Enabled {
		s.vkOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.vkCancel = cancel
			s.vkWG.Add(1)
			go func() {
				defer s.vkWG.Done()
				s.vkWorker(ctx)
			}()
		})
		writers = append(writers, &vkWriter{svc: s})
		if s.peerID == 0 {
			fmt.Fprintln(os.Stderr, "logx: vk log sink enabled but logging.vk.peer_id is not set")
		}
	}

	// A config with every sink off still needs somewhere to write.
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stdout()))
	}
	return writers
}

func consoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(consoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: logTimeFormat}
	// The caller field is already file:line; keep it as-is.
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) vkWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.vkQueue:
			s.mu.Lock()
			snd := s.sender
			s.mu.Unlock()
			if snd == nil {
				continue
			}
			_, _ = snd.SendText(ctx, it.peer, it.msg, &kit.SendOptions{DisableMentions: true})
		}
	}
}

// enqueueVKLog never blocks: a log call must not stall on the chat sink.
func (s *Service) enqueueVKLog(peer int64, msg string) {
	select {
	case s.vkQueue <- vkItem{peer: peer, msg: msg}:
	default:
	}
}

// vkWriter is the zerolog sink feeding the chat mirror. It filters by
// min level and rate before handing lines to the worker.
type vkWriter struct{ svc *Service }

func (w *vkWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *vkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	peer := s.peerID
	lim := s.limiter
	min := s.minLevel
	snd := s.sender
	s.mu.Unlock()

	switch {
	case peer == 0 || snd == nil || lim == nil:
	case level < min:
	case !lim.Allow():
	default:
		if msg := formatChatJSON(p); msg != "" {
			s.enqueueVKLog(peer, msg)
		}
	}
	return len(p), nil
}

// formatChatJSON turns a zerolog JSON line into a readable chat message:
// "[WARN] message" followed by one "- key=value" line per field, keys
// sorted so repeated warnings read the same every time.
func formatChatJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatMessageCap)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for _, k := range keys {
		v := m[k]
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(fmt.Sprint(v), 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}

	return truncate(b.String(), chatMessageCap)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// Stdout returns the stdout sink. Indirection point for tests.
func Stdout() io.Writer { return os.Stdout }
