package lists

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// Kind names one of the two recipient lists.
type Kind string

const (
	KindAllow Kind = "allow"
	KindBlock Kind = "block"
)

func (k Kind) valid() bool { return k == KindAllow || k == KindBlock }

// Set is a read-only snapshot of string-encoded user ids.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s Set) Has(id string) bool { _, ok := s[id]; return ok }
func (s Set) Len() int           { return len(s) }

// IDs returns the members sorted, for stable files and stable output.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s Set) clone() Set {
	cp := make(Set, len(s))
	for id := range s {
		cp[id] = struct{}{}
	}
	return cp
}

type Config struct {
	Dir string // directory holding allow.list and block.list
}

// Store persists the allow/block sets as newline-separated id files and
// keeps a per-kind cache entry {value, source version}. The version is the
// file's (mtime, size) pair, re-validated on every Load, so edits made
// behind the process's back are picked up on the next read.
type Store struct {
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	cache map[Kind]*cacheEntry
}

type fileVersion struct {
	modTime time.Time
	size    int64
	missing bool
}

type cacheEntry struct {
	set Set
	ver fileVersion
}

func NewStore(cfg Config, log logx.Logger) *Store {
	return &Store{cfg: cfg, log: log, cache: map[Kind]*cacheEntry{}}
}

func (s *Store) path(kind Kind) string {
	return filepath.Join(s.cfg.Dir, string(kind)+".list")
}

// Load returns the current id set for kind. A missing file is an empty set,
// not an error. The returned set is the caller's own copy.
func (s *Store) Load(kind Kind) (Set, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("lists: unknown kind %q", kind)
	}
	path := s.path(kind)

	ver, err := statVersion(path)
	if err != nil {
		return nil, fmt.Errorf("lists: stat %s: %w", path, err)
	}

	s.mu.Lock()
	if e := s.cache[kind]; e != nil && e.ver == ver {
		set := e.set.clone()
		s.mu.Unlock()
		return set, nil
	}
	s.mu.Unlock()

	set, err := readSetFile(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[kind] = &cacheEntry{set: set, ver: ver}
	s.mu.Unlock()

	s.log.Debug("list loaded", logx.String("kind", string(kind)), logx.Int("ids", set.Len()))
	return set.clone(), nil
}

// Save atomically replaces the list file (temp file + rename) and refreshes
// the cache from the written state.
func (s *Store) Save(kind Kind, set Set) error {
	if !kind.valid() {
		return fmt.Errorf("lists: unknown kind %q", kind)
	}
	path := s.path(kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lists: mkdir: %w", err)
	}

	var b strings.Builder
	for _, id := range set.IDs() {
		b.WriteString(id)
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("lists: write %s: %w", tmp, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("lists: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("lists: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("lists: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("lists: rename %s: %w", tmp, err)
	}

	ver, err := statVersion(path)
	if err != nil {
		return fmt.Errorf("lists: stat %s: %w", path, err)
	}

	s.mu.Lock()
	s.cache[kind] = &cacheEntry{set: set.clone(), ver: ver}
	s.mu.Unlock()

	s.log.Info("list saved", logx.String("kind", string(kind)), logx.Int("ids", set.Len()))
	return nil
}

// Add inserts ids into the list, returning how many were actually new.
func (s *Store) Add(kind Kind, ids ...string) (int, error) {
	set, err := s.Load(kind)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || set.Has(id) {
			continue
		}
		set[id] = struct{}{}
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.Save(kind, set)
}

// Remove deletes ids from the list, returning how many were present.
func (s *Store) Remove(kind Kind, ids ...string) (int, error) {
	set, err := s.Load(kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !set.Has(id) {
			continue
		}
		delete(set, id)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.Save(kind, set)
}

func statVersion(path string) (fileVersion, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileVersion{missing: true}, nil
	}
	if err != nil {
		return fileVersion{}, err
	}
	return fileVersion{modTime: fi.ModTime(), size: fi.Size()}, nil
}

// readSetFile parses one id per line; blank lines and '#' comments are
// skipped, surrounding whitespace is trimmed.
func readSetFile(path string) (Set, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Set{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lists: open %s: %w", path, err)
	}
	defer f.Close()

	set := Set{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("lists: read %s: %w", path, err)
	}
	return set, nil
}
