package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var structValidator = validator.New()

// cronParser mirrors the sync scheduler: 5-field and 6-field (with seconds)
// specs plus @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a parsed config before it is committed or published.
// It covers struct tags plus the semantic checks tags cannot express
// (duration strings, cron specs, timezones, driver names).
func Validate(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := structValidator.StructCtx(ctx, cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := ParseDurationField("vk.request_timeout", cfg.VK.RequestTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.interval", cfg.Dispatch.Interval); err != nil {
		return err
	}

	if cfg.Members.Sync.Enabled {
		if spec := strings.TrimSpace(cfg.Members.Sync.Schedule); spec != "" {
			if _, err := cronParser.Parse(spec); err != nil {
				return fmt.Errorf("members.sync.schedule: invalid cron spec %q: %w", spec, err)
			}
		}
	}
	if tz := strings.TrimSpace(cfg.Members.Sync.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("members.sync.timezone: unknown timezone %q: %w", tz, err)
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q (want none, file or sqlite)", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	return nil
}
