package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalJSON = `{
  "vk": {
    "token": "vk1.a.secret",
    "group_id": 42,
    "admin_user_ids": [100, 200]
  },
  "broadcast": { "template_path": "./message.tpl" }
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeTemp(t, "config.json", minimalJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.VK.GroupID != 42 {
		t.Fatalf("GroupID = %d, want 42", cfg.VK.GroupID)
	}
	if len(cfg.VK.AdminUserIDs) != 2 || cfg.VK.AdminUserIDs[1] != 200 {
		t.Fatalf("AdminUserIDs = %v", cfg.VK.AdminUserIDs)
	}
	if cfg.Broadcast.TemplatePath != "./message.tpl" {
		t.Fatalf("TemplatePath = %q", cfg.Broadcast.TemplatePath)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	body := `
vk:
  token: vk1.a.secret
  group_id: 42
  long_poll_wait: 25
broadcast:
  template_path: ./message.tpl
dispatch:
  capacity: 20
  interval: 2s
members:
  sync:
    enabled: true
    schedule: "@daily"
`
	m := NewConfigManager(writeTemp(t, "config.yaml", body))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Dispatch.Capacity != 20 || cfg.Dispatch.Interval != "2s" {
		t.Fatalf("Dispatch = %+v", cfg.Dispatch)
	}
	if !cfg.Members.Sync.Enabled || cfg.Members.Sync.Schedule != "@daily" {
		t.Fatalf("Members.Sync = %+v", cfg.Members.Sync)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeTemp(t, "config.json", `{"vk":{"token":"x","group_id":1},"oops":true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeTemp(t, "config.json", minimalJSON+`{"vk":{}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			VK:        VKConfig{Token: "t", GroupID: 1},
			Broadcast: BroadcastConfig{TemplatePath: "./m.tpl"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "minimal ok", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.VK.Token = "" }, wantErr: true},
		{name: "zero group", mutate: func(c *Config) { c.VK.GroupID = 0 }, wantErr: true},
		{name: "missing template", mutate: func(c *Config) { c.Broadcast.TemplatePath = "" }, wantErr: true},
		{name: "bad interval", mutate: func(c *Config) { c.Dispatch.Interval = "soon" }, wantErr: true},
		{name: "good interval", mutate: func(c *Config) { c.Dispatch.Interval = "500ms" }},
		{name: "negative capacity", mutate: func(c *Config) { c.Dispatch.Capacity = -1 }, wantErr: true},
		{name: "long poll wait too high", mutate: func(c *Config) { c.VK.LongPollWait = 120 }, wantErr: true},
		{
			name: "bad cron spec",
			mutate: func(c *Config) {
				c.Members.Sync.Enabled = true
				c.Members.Sync.Schedule = "every day at noon"
			},
			wantErr: true,
		},
		{
			name: "descriptor cron spec",
			mutate: func(c *Config) {
				c.Members.Sync.Enabled = true
				c.Members.Sync.Schedule = "@hourly"
			},
		},
		{
			name: "six field cron spec",
			mutate: func(c *Config) {
				c.Members.Sync.Enabled = true
				c.Members.Sync.Schedule = "0 0 4 * * *"
			},
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Members.Sync.Timezone = "Mars/Olympus" },
			wantErr: true,
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} },
			wantErr: true,
		},
		{name: "file storage", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "file", Path: "./data"} }},
		{name: "bad ops timeout", mutate: func(c *Config) { c.Ops.ReadTimeout = "fast" }, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(context.Background(), cfg)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		VK:        VKConfig{Token: "a", GroupID: 1},
		Broadcast: BroadcastConfig{TemplatePath: "./m.tpl"},
	}
	newCfg := &Config{
		VK:        VKConfig{Token: "a", GroupID: 1},
		Broadcast: BroadcastConfig{TemplatePath: "./m.tpl", CheckPermission: true},
		Logging:   LoggingConfig{Level: "debug"},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want broadcast and logging", changed)
	}
	if changed[0] != "broadcast" || changed[1] != "logging" {
		t.Fatalf("changed = %v (want sorted [broadcast logging])", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs for changed sections")
	}

	// Token value changes are invisible; only set/unset transitions count.
	same := &Config{VK: VKConfig{Token: "b", GroupID: 1}, Broadcast: BroadcastConfig{TemplatePath: "./m.tpl"}}
	changed, _ = SummarizeConfigChange(oldCfg, same)
	if len(changed) != 0 {
		t.Fatalf("token rotation should not be reported, got %v", changed)
	}
}
