package storage

import (
	"context"
	"fmt"
	"strings"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// Store persists member snapshots between runs so a broadcast can fall
// back to the last known member set when enumeration is unavailable.
type Store interface {
	SaveMembers(ctx context.Context, snap MemberSnapshot) error
	LastMembers(ctx context.Context, groupID int64) (snap MemberSnapshot, ok bool, err error)
	Close() error
}

// Open builds the store named by cfg.Driver. A disabled config yields
// (nil, nil); callers treat a nil Store as "no persistence".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
