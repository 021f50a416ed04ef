package vk

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/dispatch"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// fakeTransport answers methods from a scripted table and records calls.
type fakeTransport struct {
	mu    sync.Mutex
	calls []fakeCall
	// next is consulted per invocation; a method missing from the map gets
	// an empty object response.
	next func(method string, params url.Values) (json.RawMessage, error)
}

type fakeCall struct {
	method string
	params url.Values
}

func (f *fakeTransport) Post(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	cp := url.Values{}
	for k, vs := range params {
		cp[k] = append([]string(nil), vs...)
	}
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, params: cp})
	next := f.next
	f.mu.Unlock()
	if next != nil {
		return next(method, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) calledMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func newClientHarness(t *testing.T, next func(method string, params url.Values) (json.RawMessage, error)) (*Client, *fakeTransport, *dispatch.Queue) {
	t.Helper()
	q := dispatch.New(dispatch.Config{Capacity: 50, Interval: 50 * time.Millisecond}, logx.Nop())
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	tr := &fakeTransport{next: next}
	return NewClient(tr, q, logx.Nop(), nil), tr, q
}

func TestClientCallRoutesThroughQueue(t *testing.T) {
	c, tr, q := newClientHarness(t, func(method string, params url.Values) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})

	if _, err := c.Call(context.Background(), "users.get", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if snap := q.Snapshot(); snap.Admitted != 1 {
		t.Fatalf("admitted = %d, want 1", snap.Admitted)
	}
	if got := tr.calledMethods(); len(got) != 1 || got[0] != "users.get" {
		t.Fatalf("transport saw %v", got)
	}
}

func TestClientSendMessage(t *testing.T) {
	c, tr, _ := newClientHarness(t, func(method string, params url.Values) (json.RawMessage, error) {
		return json.RawMessage(`777`), nil
	})

	mid, err := c.SendMessage(context.Background(), 101, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if mid != 777 {
		t.Fatalf("mid = %d, want 777", mid)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.calls) != 1 || tr.calls[0].method != "messages.send" {
		t.Fatalf("calls = %+v", tr.calls)
	}
	p := tr.calls[0].params
	if p.Get("peer_id") != "101" || p.Get("message") != "hello" {
		t.Fatalf("params = %v", p)
	}
	if p.Get("random_id") == "" {
		t.Fatal("random_id missing")
	}
}

func TestClientSendMessageObjectShape(t *testing.T) {
	c, _, _ := newClientHarness(t, func(method string, params url.Values) (json.RawMessage, error) {
		return json.RawMessage(`{"peer_id": 101, "message_id": 555}`), nil
	})

	mid, err := c.SendMessage(context.Background(), 101, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if mid != 555 {
		t.Fatalf("mid = %d, want 555", mid)
	}
}

func TestClientErrorsPassThrough(t *testing.T) {
	throttle := NewProviderError("messages.send", 6, "Too many requests per second", 10*time.Millisecond, true)
	c, _, _ := newClientHarness(t, func(method string, params url.Values) (json.RawMessage, error) {
		return nil, throttle
	})

	_, err := c.SendMessage(context.Background(), 101, "hello", nil)
	if err == nil {
		t.Fatal("want error")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err %T not tagged", err)
	}
	if !e.Throttled() {
		t.Fatalf("not throttled: %v", err)
	}
	if hint, ok := e.RetryAfter(); !ok || hint != 10*time.Millisecond {
		t.Fatalf("hint = %v/%v", hint, ok)
	}
}

func TestClientMembersPage(t *testing.T) {
	c, tr, _ := newClientHarness(t, func(method string, params url.Values) (json.RawMessage, error) {
		return json.RawMessage(`{"count": 2500, "items": [{"id": 7, "first_name": "Ann", "last_name": "Lee"}]}`), nil
	})

	page, err := c.MembersPage(context.Background(), 42, 1000, 1000)
	if err != nil {
		t.Fatalf("members page: %v", err)
	}
	if page.Count != 2500 || len(page.Items) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].FirstName != "Ann" {
		t.Fatalf("member = %+v", page.Items[0])
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	p := tr.calls[0].params
	if p.Get("group_id") != "42" || p.Get("offset") != "1000" || p.Get("count") != "1000" {
		t.Fatalf("params = %v", p)
	}
	if p.Get("fields") != "first_name,last_name" {
		t.Fatalf("fields = %q", p.Get("fields"))
	}
}

func TestClientIsMessagesAllowed(t *testing.T) {
	c, _, _ := newClientHarness(t, func(method string, params url.Values) (json.RawMessage, error) {
		if params.Get("user_id") == "5" {
			return json.RawMessage(`{"is_allowed": 0}`), nil
		}
		return json.RawMessage(`{"is_allowed": 1}`), nil
	})

	ok, err := c.IsMessagesAllowed(context.Background(), 42, 7)
	if err != nil || !ok {
		t.Fatalf("allowed = %v, err = %v", ok, err)
	}
	ok, err = c.IsMessagesAllowed(context.Background(), 42, 5)
	if err != nil || ok {
		t.Fatalf("allowed = %v, err = %v, want denied", ok, err)
	}
}

func TestClientCallCanceledContext(t *testing.T) {
	c, _, _ := newClientHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Call(ctx, "users.get", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
