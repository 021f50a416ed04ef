// Package vklp implements transport.Adapter over VK Bots Long Poll.
//
// Server coordinates come from groups.getLongPollServer through the
// rate-limited API client; the a_check polling itself is raw HTTP against
// the issued endpoint and deliberately bypasses the dispatch queue
// (long-poll holds are not API-method calls and must not consume window
// slots for up to 25 seconds each).
package vklp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/metrics"
	rtsup "github.com/GoldenSylph/vk-mass-sending-bot/internal/runtime/supervisor"
	kit "github.com/GoldenSylph/vk-mass-sending-bot/internal/transport"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
	"github.com/GoldenSylph/vk-mass-sending-bot/pkg/vkui"
)

// API is the slice of the rate-limited client the adapter needs.
type API interface {
	LongPollServer(ctx context.Context, groupID int64) (vk.LongPollServer, error)
	SendMessage(ctx context.Context, peerID int64, text string, extra url.Values) (int64, error)
}

type Config struct {
	GroupID int64
	// Wait is the long-poll hold in seconds. Default 25, the provider max.
	Wait int
}

type Adapter struct {
	cfg Config
	api API
	log logx.Logger
	met *metrics.Collector

	http *http.Client
	// lim paces a_check requests so a misbehaving server can't drive a
	// tight poll loop.
	lim *rate.Limiter

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter goroutines (poll loop, drop logger). Created on
	// Start(), cancelled on Stop().
	sup *rtsup.Supervisor

	// dropped counts updates discarded because the consumer was slower
	// than the poll loop. Summarized periodically, never logged per-update.
	dropped uint64

	srvMu sync.Mutex
	srv   vk.LongPollServer
}

func New(cfg Config, api API, log logx.Logger, met *metrics.Collector) (*Adapter, error) {
	if api == nil {
		return nil, errors.New("vklp: api client is nil")
	}
	if cfg.GroupID <= 0 {
		return nil, errors.New("vklp: group id is required")
	}
	if cfg.Wait <= 0 || cfg.Wait > 25 {
		cfg.Wait = 25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg: cfg,
		api: api,
		log: log,
		met: met,
		// The request must outlive the server-side hold.
		http: &http.Client{Timeout: time.Duration(cfg.Wait+10) * time.Second},
		lim:  rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
	// Initialize atomic.Value with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not
// started). Operational visibility only.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "vklp.adapter"))),
		// Adapter trouble must not take the whole app down.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)",
					logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	// The poll loop exits on transport trouble; the restart wrapper
	// re-enters it with fresh server coordinates after backoff.
	sup.GoRestart("longpoll.poll", a.pollLoop,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("long poll stop called but not running")
		return nil
	}
	a.log.Info("stopping long poll",
		logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.dropped)))

	sup.Cancel()

	// Grace window: shutdown stays snappy even when a_check is mid-hold.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("long poll stop timed out", logx.Any("err", err))
			return nil
		}
		a.log.Warn("long poll stop error", logx.Any("err", err))
	}
	return nil
}

// SendText delivers text to a peer, splitting messages above the provider
// limit. The keyboard, when present, rides on the last chunk so it lands
// under the visible end of the message.
func (a *Adapter) SendText(ctx context.Context, peerID int64, text string, opt *kit.SendOptions) (int64, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := vkui.SplitText(text, vkui.TextLimit)

	var first int64
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			if first != 0 {
				return first, err
			}
			return 0, err
		}
		extra := url.Values{}
		if opt.DisableMentions {
			extra.Set("disable_mentions", "1")
		}
		if i == 0 && opt.ReplyTo != 0 {
			extra.Set("reply_to", strconv.FormatInt(opt.ReplyTo, 10))
		}
		if i == len(chunks)-1 && opt.Keyboard != "" {
			extra.Set("keyboard", opt.Keyboard)
		}
		id, err := a.api.SendMessage(ctx, peerID, chunk, extra)
		if err != nil {
			if first != 0 {
				return first, err
			}
			return 0, err
		}
		if i == 0 {
			first = id
		}
	}
	return first, nil
}

// pollLoop acquires server coordinates and polls until the context dies
// or a transport failure bubbles up to the restart wrapper.
func (a *Adapter) pollLoop(ctx context.Context) error {
	if err := a.refreshServer(ctx, true); err != nil {
		return fmt.Errorf("acquire long poll server: %w", err)
	}
	a.log.Info("long poll started",
		logx.Int64("group_id", a.cfg.GroupID), logx.Int("wait", a.cfg.Wait))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.pollOnce(ctx); err != nil {
			return err
		}
	}
}

// pollResponse is the a_check answer: either a ts + updates batch or a
// failed code (1 ts outdated, 2 key expired, 3 state lost).
type pollResponse struct {
	TS      string            `json:"ts"`
	Failed  int               `json:"failed"`
	Updates []json.RawMessage `json:"updates"`
}

func (a *Adapter) pollOnce(ctx context.Context) error {
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}

	srv := a.server()
	q := url.Values{}
	q.Set("act", "a_check")
	q.Set("key", srv.Key)
	q.Set("ts", srv.TS)
	q.Set("wait", strconv.Itoa(a.cfg.Wait))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.Server+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("long poll http status %d", resp.StatusCode)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("decode long poll response: %w", err)
	}

	switch pr.Failed {
	case 0:
	case 1:
		// History outdated: adopt the ts from the answer, key still valid.
		a.setTS(pr.TS)
		a.log.Debug("long poll history outdated", logx.String("ts", pr.TS))
		return nil
	case 2:
		// Key expired: new key, cursor survives.
		a.log.Debug("long poll key expired, refreshing")
		return a.refreshServer(ctx, false)
	case 3:
		// State lost: new key and cursor.
		a.log.Debug("long poll state lost, refreshing")
		return a.refreshServer(ctx, true)
	default:
		return fmt.Errorf("long poll failed code %d", pr.Failed)
	}

	a.setTS(pr.TS)
	for _, raw := range pr.Updates {
		if a.met != nil {
			a.met.UpdateReceived()
		}
		up, ok := decodeUpdate(raw)
		if !ok {
			continue
		}
		a.deliver(up)
	}
	return nil
}

// rawUpdate is one element of the updates array.
type rawUpdate struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

// wireMessage is the message_new payload. Payload carries the JSON blob a
// keyboard button attached, empty for plain text.
type wireMessage struct {
	ID      int64  `json:"id"`
	PeerID  int64  `json:"peer_id"`
	FromID  int64  `json:"from_id"`
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// decodeUpdate maps a wire update to the transport shape. Only message_new
// is forwarded; everything else is counted and dropped.
func decodeUpdate(raw json.RawMessage) (kit.Update, bool) {
	var u rawUpdate
	if err := json.Unmarshal(raw, &u); err != nil || u.Type != "message_new" {
		return kit.Update{}, false
	}

	// API >= 5.103 wraps the message; older versions inline it.
	var wrap struct {
		Message *wireMessage `json:"message"`
	}
	_ = json.Unmarshal(u.Object, &wrap)
	m := wrap.Message
	if m == nil {
		m = &wireMessage{}
		if err := json.Unmarshal(u.Object, m); err != nil {
			return kit.Update{}, false
		}
	}
	if m.PeerID == 0 && m.FromID == 0 {
		return kit.Update{}, false
	}

	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:      m.ID,
			PeerID:  m.PeerID,
			FromID:  m.FromID,
			Text:    m.Text,
			Payload: m.Payload,
		},
	}, true
}

func (a *Adapter) deliver(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropped, 1)
		if a.met != nil {
			a.met.UpdateDropped()
		}
	}
}

func (a *Adapter) server() vk.LongPollServer {
	a.srvMu.Lock()
	defer a.srvMu.Unlock()
	return a.srv
}

func (a *Adapter) setTS(ts string) {
	if ts == "" {
		return
	}
	a.srvMu.Lock()
	a.srv.TS = ts
	a.srvMu.Unlock()
}

// refreshServer fetches fresh coordinates. adoptTS false keeps the current
// cursor (failed=2: only the key expired; skipping the old ts would lose
// updates received during the refresh).
func (a *Adapter) refreshServer(ctx context.Context, adoptTS bool) error {
	srv, err := a.api.LongPollServer(ctx, a.cfg.GroupID)
	if err != nil {
		return err
	}
	a.srvMu.Lock()
	prev := a.srv.TS
	a.srv = srv
	if !adoptTS && prev != "" {
		a.srv.TS = prev
	}
	a.srvMu.Unlock()
	return nil
}
