package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// VK (never log token)
	if (strings.TrimSpace(oldCfg.VK.Token) != "") != (strings.TrimSpace(newCfg.VK.Token) != "") ||
		oldCfg.VK.GroupID != newCfg.VK.GroupID ||
		strings.TrimSpace(oldCfg.VK.APIVersion) != strings.TrimSpace(newCfg.VK.APIVersion) ||
		strings.TrimSpace(oldCfg.VK.Endpoint) != strings.TrimSpace(newCfg.VK.Endpoint) ||
		!reflect.DeepEqual(oldCfg.VK.AdminUserIDs, newCfg.VK.AdminUserIDs) ||
		strings.TrimSpace(oldCfg.VK.RequestTimeout) != strings.TrimSpace(newCfg.VK.RequestTimeout) ||
		oldCfg.VK.LongPollWait != newCfg.VK.LongPollWait {
		changed = append(changed, "vk")
		attrs = append(attrs,
			logx.Int64("vk.group_id", newCfg.VK.GroupID),
			logx.Bool("vk.token_set", strings.TrimSpace(newCfg.VK.Token) != ""),
			logx.Int("vk.admin_count", len(newCfg.VK.AdminUserIDs)),
			logx.Int("vk.long_poll_wait", newCfg.VK.LongPollWait),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.VK.Enabled != newCfg.Logging.VK.Enabled ||
		oldCfg.Logging.VK.PeerID != newCfg.Logging.VK.PeerID ||
		oldCfg.Logging.VK.MinLevel != newCfg.Logging.VK.MinLevel ||
		oldCfg.Logging.VK.RatePerSec != newCfg.Logging.VK.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.vk_enabled", newCfg.Logging.VK.Enabled),
		)
	}

	// Dispatch changes only take effect on restart; surfaced so operators know.
	if oldCfg.Dispatch.Capacity != newCfg.Dispatch.Capacity ||
		strings.TrimSpace(oldCfg.Dispatch.Interval) != strings.TrimSpace(newCfg.Dispatch.Interval) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.capacity", newCfg.Dispatch.Capacity),
			logx.String("dispatch.interval", strings.TrimSpace(newCfg.Dispatch.Interval)),
		)
	}

	// Broadcast
	if strings.TrimSpace(oldCfg.Broadcast.TemplatePath) != strings.TrimSpace(newCfg.Broadcast.TemplatePath) ||
		oldCfg.Broadcast.CheckPermission != newCfg.Broadcast.CheckPermission ||
		oldCfg.Broadcast.ProgressEvery != newCfg.Broadcast.ProgressEvery {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.template_path", strings.TrimSpace(newCfg.Broadcast.TemplatePath)),
			logx.Bool("broadcast.check_permission", newCfg.Broadcast.CheckPermission),
			logx.Int("broadcast.progress_every", newCfg.Broadcast.ProgressEvery),
		)
	}

	// Members
	if oldCfg.Members.PageSize != newCfg.Members.PageSize ||
		oldCfg.Members.Sync.Enabled != newCfg.Members.Sync.Enabled ||
		strings.TrimSpace(oldCfg.Members.Sync.Schedule) != strings.TrimSpace(newCfg.Members.Sync.Schedule) ||
		strings.TrimSpace(oldCfg.Members.Sync.Timezone) != strings.TrimSpace(newCfg.Members.Sync.Timezone) {
		changed = append(changed, "members")
		attrs = append(attrs,
			logx.Int("members.page_size", newCfg.Members.PageSize),
			logx.Bool("members.sync_enabled", newCfg.Members.Sync.Enabled),
			logx.String("members.sync_schedule", strings.TrimSpace(newCfg.Members.Sync.Schedule)),
		)
	}

	// Lists
	if strings.TrimSpace(oldCfg.Lists.Dir) != strings.TrimSpace(newCfg.Lists.Dir) {
		changed = append(changed, "lists")
		attrs = append(attrs, logx.String("lists.dir", strings.TrimSpace(newCfg.Lists.Dir)))
	}

	// Storage changes only take effect on restart too.
	oST := derefStorage(oldCfg.Storage)
	nST := derefStorage(newCfg.Storage)
	if (oldCfg.Storage != nil) != (newCfg.Storage != nil) || oST != nST {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.present", newCfg.Storage != nil),
			logx.String("storage.driver", strings.TrimSpace(nST.Driver)),
			logx.String("storage.path", strings.TrimSpace(nST.Path)),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		strings.TrimSpace(oldCfg.Ops.ReadTimeout) != strings.TrimSpace(newCfg.Ops.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ops.WriteTimeout) != strings.TrimSpace(newCfg.Ops.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ops.IdleTimeout) != strings.TrimSpace(newCfg.Ops.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(st *StorageConfig) StorageConfig {
	if st == nil {
		return StorageConfig{}
	}
	return *st
}
