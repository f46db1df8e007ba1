package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultValidates tests that the shipped defaults pass validation.
func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got := cfg.World.CellCount(); got != 4 {
		t.Errorf("CellCount = %d, want 4", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "uneven workers",
			mutate:  func(c *Config) { c.Worker.Count = 3 },
			wantErr: ErrUnevenWorkers,
		},
		{
			name: "coin table short",
			mutate: func(c *Config) {
				c.Coin.Types = c.Coin.Types[:2]
			},
			wantErr: ErrCoinTable,
		},
		{
			name:    "coin table empty",
			mutate:  func(c *Config) { c.Coin.Types = nil },
			wantErr: ErrCoinTable,
		},
		{
			name: "two workers on four cells",
			mutate: func(c *Config) {
				c.Worker.Count = 2
				c.Worker.ID = 1
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	cfg := Default()
	cfg.World.CellWidth = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero cell width")
	}

	cfg = Default()
	cfg.Worker.ID = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for worker id out of range")
	}
}

// TestLoadTOML tests that a TOML file overrides only the keys it names.
func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.toml")
	body := `
[world]
width = 2000
update_interval = "50ms"

[worker]
count = 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.World.Width != 2000 {
		t.Errorf("Width = %v, want 2000", cfg.World.Width)
	}
	if cfg.World.Height != 4000 {
		t.Errorf("Height = %v, want default 4000", cfg.World.Height)
	}
	if cfg.World.UpdateInterval != 50*time.Millisecond {
		t.Errorf("UpdateInterval = %v, want 50ms", cfg.World.UpdateInterval)
	}
	if cfg.Worker.Count != 2 {
		t.Errorf("Worker.Count = %d, want 2", cfg.Worker.Count)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.yaml")
	body := `
bot:
  count: 3
coin:
  max_count: 40
  drop_interval: 1s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.Count != 3 {
		t.Errorf("Bot.Count = %d, want 3", cfg.Bot.Count)
	}
	if cfg.Coin.MaxCount != 40 {
		t.Errorf("Coin.MaxCount = %d, want 40", cfg.Coin.MaxCount)
	}
	if cfg.Coin.DropInterval != time.Second {
		t.Errorf("Coin.DropInterval = %v, want 1s", cfg.Coin.DropInterval)
	}
	if len(cfg.Coin.Types) != 4 {
		t.Errorf("coin types = %d, want defaults kept", len(cfg.Coin.Types))
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.ini")
	if err := os.WriteFile(path, []byte("x=1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for .ini file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("PORT", "8080")
	t.Setenv("BROKER_MODE", "ipc")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 4 || cfg.Server.Port != 8080 || cfg.Broker.Mode != "ipc" {
		t.Errorf("env overrides not applied: %+v %+v %+v", cfg.Worker, cfg.Server, cfg.Broker)
	}
}

func TestWorkerName(t *testing.T) {
	cfg := Default()
	if got := cfg.WorkerName(2); got != "iogrid:2" {
		t.Errorf("WorkerName(2) = %q", got)
	}
}
