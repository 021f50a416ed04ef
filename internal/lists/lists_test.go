package lists

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Config{Dir: t.TempDir()}, logx.Nop())
}

func TestLoadMissingFileIsEmptySet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	set, err := s.Load(KindAllow)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("set = %v, want empty", set.IDs())
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	in := NewSet("3", "1", "2")
	if err := s.Save(KindBlock, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Load(KindBlock)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := out.IDs()
	want := []string{"1", "2", "3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	path := filepath.Join(s.cfg.Dir, "allow.list")
	content := "# operators\n 10 \n\n20\n#30\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	set, err := s.Load(KindAllow)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !set.Has("10") || !set.Has("20") {
		t.Fatalf("set = %v", set.IDs())
	}
	if set.Has("#30") || set.Has("30") || set.Len() != 2 {
		t.Fatalf("set = %v", set.IDs())
	}
}

func TestLoadRevalidatesOnVersionChange(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	path := filepath.Join(s.cfg.Dir, "allow.list")

	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	set, err := s.Load(KindAllow)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("set = %v", set.IDs())
	}

	// External rewrite; bump mtime explicitly so the version check can't
	// be defeated by coarse filesystem timestamp granularity.
	if err := os.WriteFile(path, []byte("1\n2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	set, err = s.Load(KindAllow)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if set.Len() != 2 || !set.Has("2") {
		t.Fatalf("reloaded set = %v, want {1 2}", set.IDs())
	}
}

func TestLoadReturnsOwnedCopy(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Save(KindAllow, NewSet("1")); err != nil {
		t.Fatalf("save: %v", err)
	}

	a, _ := s.Load(KindAllow)
	a["999"] = struct{}{}

	b, _ := s.Load(KindAllow)
	if b.Has("999") {
		t.Fatal("cache was poisoned through a returned set")
	}
}

func TestAddRemove(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	added, err := s.Add(KindBlock, "5", "5", " 6 ", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	added, err = s.Add(KindBlock, "5")
	if err != nil || added != 0 {
		t.Fatalf("re-add: added = %d, err = %v", added, err)
	}

	removed, err := s.Remove(KindBlock, "5", "404")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	set, _ := s.Load(KindBlock)
	if set.Has("5") || !set.Has("6") {
		t.Fatalf("set = %v", set.IDs())
	}
}

func TestUnknownKindRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.Load(Kind("mystery")); err == nil {
		t.Fatal("load accepted unknown kind")
	}
	if err := s.Save(Kind("mystery"), NewSet()); err == nil {
		t.Fatal("save accepted unknown kind")
	}
}
