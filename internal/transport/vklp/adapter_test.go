package vklp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kit "github.com/GoldenSylph/vk-mass-sending-bot/internal/transport"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
	"github.com/GoldenSylph/vk-mass-sending-bot/pkg/vkui"
)

type sentMsg struct {
	peer  int64
	text  string
	extra url.Values
}

// fakeAPI hands out scripted long-poll coordinates and records sends.
type fakeAPI struct {
	mu       sync.Mutex
	servers  []vk.LongPollServer
	srvCalls int
	sends    []sentMsg
}

func (f *fakeAPI) LongPollServer(ctx context.Context, groupID int64) (vk.LongPollServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.srvCalls++
	if len(f.servers) == 0 {
		return vk.LongPollServer{}, fmt.Errorf("no scripted server")
	}
	srv := f.servers[0]
	if len(f.servers) > 1 {
		f.servers = f.servers[1:]
	}
	return srv, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, peerID int64, text string, extra url.Values) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{peer: peerID, text: text, extra: extra})
	return int64(len(f.sends)), nil
}

func (f *fakeAPI) serverCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.srvCalls
}

// lpServer serves scripted a_check bodies and records request queries.
// Once the script runs dry it answers with an empty batch at the same ts.
type lpServer struct {
	mu       sync.Mutex
	script   []string
	requests []url.Values
}

func (s *lpServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, q)
	var body string
	if len(s.script) > 0 {
		body = s.script[0]
		s.script = s.script[1:]
	} else {
		body = fmt.Sprintf(`{"ts":%q,"updates":[]}`, q.Get("ts"))
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (s *lpServer) request(i int) (url.Values, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return nil, false
	}
	return s.requests[i], true
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startAdapter(t *testing.T, api *fakeAPI, out chan kit.Update) *Adapter {
	t.Helper()
	a, err := New(Config{GroupID: 7, Wait: 1}, api, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx, out); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
		cancel()
	})
	return a
}

func TestAdapterDeliversMessages(t *testing.T) {
	t.Parallel()

	lp := &lpServer{script: []string{
		`{"ts":"2","updates":[` +
			`{"type":"message_new","object":{"message":{"id":10,"peer_id":42,"from_id":42,"text":"hello","payload":"{\"cmd\":\"x\"}"}}},` +
			`{"type":"group_join","object":{"user_id":1}}]}`,
	}}
	srv := httptest.NewServer(http.HandlerFunc(lp.handle))
	defer srv.Close()

	api := &fakeAPI{servers: []vk.LongPollServer{{Key: "k1", Server: srv.URL, TS: "1"}}}
	out := make(chan kit.Update, 8)
	startAdapter(t, api, out)

	var up kit.Update
	select {
	case up = <-out:
	case <-time.After(3 * time.Second):
		t.Fatal("no update delivered")
	}
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		t.Fatalf("update = %+v", up)
	}
	if up.Message.PeerID != 42 || up.Message.FromID != 42 || up.Message.Text != "hello" {
		t.Fatalf("message = %+v", up.Message)
	}
	if up.Message.Payload != `{"cmd":"x"}` {
		t.Fatalf("payload = %q", up.Message.Payload)
	}

	// Only message_new is forwarded.
	select {
	case extra := <-out:
		t.Fatalf("unexpected second update: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	q, ok := lp.request(0)
	if !ok {
		t.Fatal("no poll request recorded")
	}
	if q.Get("act") != "a_check" || q.Get("key") != "k1" || q.Get("ts") != "1" || q.Get("wait") != "1" {
		t.Fatalf("first poll query = %v", q)
	}

	// The cursor advances to the ts from the answer.
	waitFor(t, 3*time.Second, "second poll", func() bool {
		_, ok := lp.request(1)
		return ok
	})
	q, _ = lp.request(1)
	if q.Get("ts") != "2" {
		t.Fatalf("second poll ts = %q, want 2", q.Get("ts"))
	}
}

func TestAdapterTSOutdated(t *testing.T) {
	t.Parallel()

	lp := &lpServer{script: []string{`{"failed":1,"ts":"7"}`}}
	srv := httptest.NewServer(http.HandlerFunc(lp.handle))
	defer srv.Close()

	api := &fakeAPI{servers: []vk.LongPollServer{{Key: "k1", Server: srv.URL, TS: "1"}}}
	startAdapter(t, api, make(chan kit.Update, 1))

	waitFor(t, 3*time.Second, "poll after failed=1", func() bool {
		q, ok := lp.request(1)
		return ok && q.Get("ts") == "7" && q.Get("key") == "k1"
	})
	if api.serverCalls() != 1 {
		t.Fatalf("server refetched %d times, want 1 (failed=1 keeps the key)", api.serverCalls())
	}
}

func TestAdapterKeyExpired(t *testing.T) {
	t.Parallel()

	lp := &lpServer{script: []string{`{"failed":2}`}}
	srv := httptest.NewServer(http.HandlerFunc(lp.handle))
	defer srv.Close()

	api := &fakeAPI{servers: []vk.LongPollServer{
		{Key: "k1", Server: srv.URL, TS: "1"},
		{Key: "k2", Server: srv.URL, TS: "99"},
	}}
	startAdapter(t, api, make(chan kit.Update, 1))

	// failed=2 refreshes the key but keeps the cursor.
	waitFor(t, 3*time.Second, "poll with refreshed key", func() bool {
		q, ok := lp.request(1)
		return ok && q.Get("key") == "k2" && q.Get("ts") == "1"
	})
	if api.serverCalls() != 2 {
		t.Fatalf("server calls = %d, want 2", api.serverCalls())
	}
}

func TestAdapterStateLost(t *testing.T) {
	t.Parallel()

	lp := &lpServer{script: []string{`{"failed":3}`}}
	srv := httptest.NewServer(http.HandlerFunc(lp.handle))
	defer srv.Close()

	api := &fakeAPI{servers: []vk.LongPollServer{
		{Key: "k1", Server: srv.URL, TS: "1"},
		{Key: "k3", Server: srv.URL, TS: "33"},
	}}
	startAdapter(t, api, make(chan kit.Update, 1))

	// failed=3 adopts both the new key and the new cursor.
	waitFor(t, 3*time.Second, "poll with refreshed state", func() bool {
		q, ok := lp.request(1)
		return ok && q.Get("key") == "k3" && q.Get("ts") == "33"
	})
}

func TestAdapterDropsWhenConsumerStalls(t *testing.T) {
	t.Parallel()

	lp := &lpServer{script: []string{
		`{"ts":"2","updates":[` +
			`{"type":"message_new","object":{"message":{"id":1,"peer_id":5,"from_id":5,"text":"a"}}},` +
			`{"type":"message_new","object":{"message":{"id":2,"peer_id":5,"from_id":5,"text":"b"}}}]}`,
	}}
	srv := httptest.NewServer(http.HandlerFunc(lp.handle))
	defer srv.Close()

	api := &fakeAPI{servers: []vk.LongPollServer{{Key: "k1", Server: srv.URL, TS: "1"}}}
	out := make(chan kit.Update) // unbuffered, nobody reads
	a := startAdapter(t, api, out)

	waitFor(t, 3*time.Second, "dropped updates", func() bool {
		return atomic.LoadUint64(&a.dropped) == 2
	})
}

func TestSendTextCarriesOptions(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	a, err := New(Config{GroupID: 7}, api, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	kb, err := vkui.Confirm(vkui.PositiveBtn("Yes", `{"cmd":"y"}`), vkui.NegativeBtn("No", `{"cmd":"n"}`)).String()
	if err != nil {
		t.Fatalf("keyboard: %v", err)
	}

	id, err := a.SendText(context.Background(), 42, "hi", &kit.SendOptions{
		Keyboard:        kb,
		DisableMentions: true,
		ReplyTo:         77,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == 0 {
		t.Fatal("no message id returned")
	}
	if len(api.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(api.sends))
	}
	got := api.sends[0]
	if got.peer != 42 || got.text != "hi" {
		t.Fatalf("send = %+v", got)
	}
	if got.extra.Get("keyboard") != kb {
		t.Fatalf("keyboard param = %q", got.extra.Get("keyboard"))
	}
	if got.extra.Get("disable_mentions") != "1" || got.extra.Get("reply_to") != "77" {
		t.Fatalf("extra = %v", got.extra)
	}
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	a, err := New(Config{GroupID: 7}, api, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	long := strings.Repeat("x", vkui.TextLimit+100)
	if _, err := a.SendText(context.Background(), 42, long, &kit.SendOptions{Keyboard: `{"buttons":[]}`, ReplyTo: 9}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(api.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(api.sends))
	}
	// reply_to rides the first chunk, the keyboard the last.
	if api.sends[0].extra.Get("reply_to") != "9" || api.sends[0].extra.Get("keyboard") != "" {
		t.Fatalf("first chunk extra = %v", api.sends[0].extra)
	}
	if api.sends[1].extra.Get("keyboard") == "" || api.sends[1].extra.Get("reply_to") != "" {
		t.Fatalf("last chunk extra = %v", api.sends[1].extra)
	}
}

func TestDecodeUpdateFlatShape(t *testing.T) {
	t.Parallel()

	up, ok := decodeUpdate([]byte(`{"type":"message_new","object":{"id":3,"peer_id":11,"from_id":11,"text":"old style"}}`))
	if !ok {
		t.Fatal("flat message_new not decoded")
	}
	if up.Message.PeerID != 11 || up.Message.Text != "old style" {
		t.Fatalf("message = %+v", up.Message)
	}

	if _, ok := decodeUpdate([]byte(`{"type":"message_typing_state","object":{}}`)); ok {
		t.Fatal("non-message update forwarded")
	}
	if _, ok := decodeUpdate([]byte(`not json`)); ok {
		t.Fatal("garbage decoded")
	}
}
