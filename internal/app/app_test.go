package app

import (
	"testing"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "absent", in: nil, enabled: false},
		{name: "none", in: &config.StorageConfig{Driver: "none"}, enabled: false},
		{name: "empty driver", in: &config.StorageConfig{Driver: "  "}, enabled: false},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "./data"}, enabled: true, driver: "file"},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "./bot.db"}, enabled: true, driver: "sqlite"},
		{name: "sqlite needs path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy timeout", in: &config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown driver", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got %+v enabled=%v", sc, enabled)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tc.enabled)
			}
			if enabled && sc.Driver != tc.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tc.driver)
			}
		})
	}
}

func TestMapStorageConfigBusyTimeout(t *testing.T) {
	t.Parallel()

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{
		Driver: "sqlite", Path: "./bot.db", BusyTimeout: "2s",
	}})
	if err != nil || !enabled {
		t.Fatalf("mapStorageConfig: enabled=%v err=%v", enabled, err)
	}
	if sc.BusyTimeout != 2*time.Second {
		t.Fatalf("BusyTimeout = %v, want 2s", sc.BusyTimeout)
	}
}

func TestMapOpsConfigDefaults(t *testing.T) {
	t.Parallel()

	oc, err := mapOpsConfig(&config.Config{Ops: config.OpsConfig{Enabled: true, Addr: "127.0.0.1:0"}})
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	if !oc.Enabled || oc.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected config: %+v", oc)
	}
	if oc.ReadTimeout != 5*time.Second {
		t.Fatalf("ReadTimeout = %v, want 5s", oc.ReadTimeout)
	}
	// Zero write timeout keeps long pprof profiles alive.
	if oc.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout = %v, want 0", oc.WriteTimeout)
	}
	if oc.IdleTimeout != time.Minute {
		t.Fatalf("IdleTimeout = %v, want 1m", oc.IdleTimeout)
	}
}

func TestMapOpsConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := mapOpsConfig(&config.Config{Ops: config.OpsConfig{ReadTimeout: "fast"}})
	if err == nil {
		t.Fatal("want error for unparsable read_timeout")
	}
}
