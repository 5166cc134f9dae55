package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orcd.toml")
	body := `
out_dir = "/var/lib/orcd"
slots = 8
policy = "sjf"
status_slots = 4
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutDir != "/var/lib/orcd" || cfg.Slots != 8 || cfg.Policy != "sjf" || cfg.StatusSlots != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.ServerFifo != Default().ServerFifo {
		t.Fatalf("server_fifo = %q, want default", cfg.ServerFifo)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.OutDir = "/tmp/out" }, false},
		{"no out dir", func(c *Config) {}, true},
		{"zero slots", func(c *Config) { c.OutDir = "/tmp/out"; c.Slots = 0 }, true},
		{"bad policy", func(c *Config) { c.OutDir = "/tmp/out"; c.Policy = "lifo" }, true},
		{"zero status slots", func(c *Config) { c.OutDir = "/tmp/out"; c.StatusSlots = 0 }, true},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		err := cfg.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}
