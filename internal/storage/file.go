package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.members.<group_id>.json (latest snapshot, replaced atomically)
//
// Snapshots are cached in memory after the first read; SaveMembers refreshes
// both the file and the cache.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	prefix string
	cache  map[int64]MemberSnapshot
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:    log,
		prefix: prefix,
		cache:  map[int64]MemberSnapshot{},
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cache = nil
	return nil
}

func (s *fileStore) snapshotPath(groupID int64) string {
	return fmt.Sprintf("%s.members.%d.json", s.prefix, groupID)
}

func (s *fileStore) SaveMembers(ctx context.Context, snap MemberSnapshot) error {
	_ = ctx
	if snap.GroupID <= 0 {
		return errors.New("snapshot group_id must be > 0")
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}

	path := s.snapshotPath(snap.GroupID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	s.cache[snap.GroupID] = snap
	s.log.Debug("member snapshot saved",
		logx.Int64("group_id", snap.GroupID),
		logx.Int("members", len(snap.Members)),
	)
	return nil
}

func (s *fileStore) LastMembers(ctx context.Context, groupID int64) (MemberSnapshot, bool, error) {
	_ = ctx
	if groupID <= 0 {
		return MemberSnapshot{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return MemberSnapshot{}, false, errors.New("store closed")
	}

	if snap, ok := s.cache[groupID]; ok {
		return snap, true, nil
	}

	f, err := os.Open(s.snapshotPath(groupID))
	if err != nil {
		if os.IsNotExist(err) {
			return MemberSnapshot{}, false, nil
		}
		return MemberSnapshot{}, false, err
	}
	defer f.Close()

	var snap MemberSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return MemberSnapshot{}, false, err
	}
	s.cache[groupID] = snap
	return snap, true, nil
}
