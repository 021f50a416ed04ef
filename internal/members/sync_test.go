package members

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/eventbus"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// blockingPages serves one page but holds every request until released,
// so tests can observe an in-flight sync.
type blockingPages struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingPages) MembersPage(ctx context.Context, groupID int64, offset, count int) (vk.MembersPage, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return vk.MembersPage{}, ctx.Err()
	}
	return vk.MembersPage{Count: 2, Items: []vk.Member{{ID: 1}, {ID: 2}}}, nil
}

func TestSyncRunNowPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	api := &fakePages{total: 2}
	enum := NewEnumerator(Config{}, api, nil, logx.Nop())
	s := NewSync(SyncConfig{Enabled: true, GroupID: 42}, enum, logx.Nop(), bus)

	n, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if n != 2 {
		t.Fatalf("synced %d members, want 2", n)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.EventMembersSynced {
			t.Fatalf("event type = %q", e.Type)
		}
		data, ok := e.Data.(SyncedEvent)
		if !ok || data.Members != 2 || data.GroupID != 42 {
			t.Fatalf("event data = %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no members.synced event published")
	}

	if at, size := s.Last(); at.IsZero() || size != 2 {
		t.Fatalf("last = %v/%d", at, size)
	}
}

// A second run entering while one is active must be skipped, not queued.
func TestSyncSkipIfRunning(t *testing.T) {
	t.Parallel()

	api := &blockingPages{release: make(chan struct{})}
	enum := NewEnumerator(Config{}, api, nil, logx.Nop())
	s := NewSync(SyncConfig{Enabled: true, GroupID: 42}, enum, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.RunNow(context.Background()); err != nil {
			t.Errorf("first run: %v", err)
		}
	}()

	// Wait for the first run to be inside the page request.
	deadline := time.After(2 * time.Second)
	for {
		api.mu.Lock()
		calls := api.calls
		api.mu.Unlock()
		if calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first run never reached the API")
		case <-time.After(5 * time.Millisecond):
		}
	}

	n, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("overlapping run: %v", err)
	}
	if n != 0 {
		t.Fatalf("overlapping run synced %d, want 0 (skipped)", n)
	}

	close(api.release)
	<-done

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.calls != 1 {
		t.Fatalf("api saw %d calls, want 1", api.calls)
	}
}

func TestSyncStartRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	enum := NewEnumerator(Config{}, &fakePages{total: 1}, nil, logx.Nop())
	s := NewSync(SyncConfig{Enabled: true, Schedule: "@daily", Timezone: "Not/AZone", GroupID: 1}, enum, logx.Nop(), nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("want error for unknown timezone")
	}
}

func TestSyncDisabledStartIsNoop(t *testing.T) {
	t.Parallel()

	enum := NewEnumerator(Config{}, &fakePages{total: 1}, nil, logx.Nop())
	s := NewSync(SyncConfig{Enabled: false}, enum, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
