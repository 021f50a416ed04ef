package members

import (
	"context"
	"fmt"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/storage"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// DefaultPageSize is the provider maximum for groups.getMembers.
const DefaultPageSize = 1000

// PageFetcher is the slice of the API client the enumerator needs.
type PageFetcher interface {
	MembersPage(ctx context.Context, groupID int64, offset, count int) (vk.MembersPage, error)
}

type Config struct {
	// PageSize per groups.getMembers call. Values outside (0, 1000] fall
	// back to the provider maximum.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 || c.PageSize > DefaultPageSize {
		c.PageSize = DefaultPageSize
	}
	return c
}

// Enumerator materializes the full member list of a community by paging
// groups.getMembers. Every page request rides the rate-limited client, so
// enumeration competes fairly with sends for window slots.
type Enumerator struct {
	cfg   Config
	api   PageFetcher
	store storage.Store // optional snapshot side channel
	log   logx.Logger
}

func NewEnumerator(cfg Config, api PageFetcher, store storage.Store, log logx.Logger) *Enumerator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Enumerator{cfg: cfg.withDefaults(), api: api, store: store, log: log}
}

// Enumerate fetches pages in strict offset order and returns the full list.
//
// The first response's total count is captured once and bounds the loop;
// later responses never move the bound, so a community that grows or
// shrinks mid-run cannot make enumeration loop forever. Short last pages
// are fine: the loop stops on offset, not on item counts.
func (e *Enumerator) Enumerate(ctx context.Context, groupID int64) ([]vk.Member, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("members: group id must be > 0, got %d", groupID)
	}
	start := time.Now()

	var (
		members []vk.Member
		total   = -1
		pages   int
	)
	for offset := 0; total < 0 || offset < total; offset += e.cfg.PageSize {
		page, err := e.api.MembersPage(ctx, groupID, offset, e.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("members: page at offset %d: %w", offset, err)
		}
		pages++
		if total < 0 {
			total = page.Count
			if total > 0 && members == nil {
				members = make([]vk.Member, 0, total)
			}
		}
		members = append(members, page.Items...)
	}

	e.log.Info("members enumerated",
		logx.Int64("group_id", groupID),
		logx.Int("total", total),
		logx.Int("collected", len(members)),
		logx.Int("pages", pages),
		logx.Duration("took", time.Since(start)))

	e.persist(ctx, groupID, members)
	return members, nil
}

// persist writes the audit snapshot. It is a side channel: a storage
// failure is logged and swallowed, never surfaced to the enumeration
// caller.
func (e *Enumerator) persist(ctx context.Context, groupID int64, members []vk.Member) {
	if e.store == nil {
		return
	}
	records := make([]storage.MemberRecord, len(members))
	for i, m := range members {
		records[i] = storage.MemberRecord{ID: m.ID, FirstName: m.FirstName, LastName: m.LastName}
	}
	snap := storage.MemberSnapshot{
		GroupID: groupID,
		TakenAt: time.Now().UTC(),
		Members: records,
	}
	if err := e.store.SaveMembers(ctx, snap); err != nil {
		e.log.Warn("member snapshot not saved",
			logx.Int64("group_id", groupID),
			logx.Int("members", len(records)),
			logx.Err(err))
	}
}
