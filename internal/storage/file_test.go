package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil store", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	snap := MemberSnapshot{
		GroupID: 42,
		TakenAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Members: []MemberRecord{
			{ID: 1, FirstName: "Anna", LastName: "Ivanova"},
			{ID: 2, FirstName: "Boris"},
			{ID: 3},
		},
	}
	if err := st.SaveMembers(ctx, snap); err != nil {
		t.Fatalf("SaveMembers: %v", err)
	}

	got, ok, err := st.LastMembers(ctx, 42)
	if err != nil {
		t.Fatalf("LastMembers: %v", err)
	}
	if !ok {
		t.Fatal("LastMembers: snapshot not found")
	}
	if len(got.Members) != 3 || got.Members[0].FirstName != "Anna" || got.Members[2].ID != 3 {
		t.Fatalf("unexpected members: %+v", got.Members)
	}
	if !got.TakenAt.Equal(snap.TakenAt) {
		t.Fatalf("TakenAt = %v, want %v", got.TakenAt, snap.TakenAt)
	}
}

func TestLastMembersMissing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	_, ok, err := st.LastMembers(context.Background(), 999)
	if err != nil {
		t.Fatalf("LastMembers: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for unknown group")
	}
}

func TestSaveReplacesPrevious(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := MemberSnapshot{GroupID: 7, Members: []MemberRecord{{ID: 1}, {ID: 2}}}
	second := MemberSnapshot{GroupID: 7, Members: []MemberRecord{{ID: 3}}}
	if err := st.SaveMembers(ctx, first); err != nil {
		t.Fatalf("SaveMembers(first): %v", err)
	}
	if err := st.SaveMembers(ctx, second); err != nil {
		t.Fatalf("SaveMembers(second): %v", err)
	}

	got, ok, err := st.LastMembers(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("LastMembers: ok=%v err=%v", ok, err)
	}
	if len(got.Members) != 1 || got.Members[0].ID != 3 {
		t.Fatalf("snapshot not replaced: %+v", got.Members)
	}
	if got.TakenAt.IsZero() {
		t.Fatal("TakenAt should default to save time")
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.db")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap := MemberSnapshot{GroupID: 5, Members: []MemberRecord{{ID: 10, FirstName: "Vera"}}}
	if err := st.SaveMembers(ctx, snap); err != nil {
		t.Fatalf("SaveMembers: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, ok, err := st2.LastMembers(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("LastMembers after reopen: ok=%v err=%v", ok, err)
	}
	if len(got.Members) != 1 || got.Members[0].FirstName != "Vera" {
		t.Fatalf("unexpected snapshot after reopen: %+v", got.Members)
	}
}

func TestSaveRejectsBadGroup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.SaveMembers(context.Background(), MemberSnapshot{GroupID: 0}); err == nil {
		t.Fatal("expected error for group_id 0")
	}
}
