// Package config loads optional server defaults from a TOML file.
// Built-in defaults are overridden by file values, which in turn are
// overridden by orcd-server's positional arguments (out_dir, slots,
// policy); the remaining keys have no command-line override. The bare
// `orcd-server <out_dir> <N> <fcfs|sjf>` invocation works with no file
// present.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Config is the server's tunable surface.
type Config struct {
	OutDir      string `toml:"out_dir"`
	Slots       int    `toml:"slots"`
	Policy      string `toml:"policy"`
	ServerFifo  string `toml:"server_fifo"`
	StatusSlots int    `toml:"status_slots"`
	ArchivePath string `toml:"archive_path"` // empty disables the sqlite mirror
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Slots:       2,
		Policy:      "fcfs",
		ServerFifo:  "/tmp/orchestrator.fifo",
		StatusSlots: 32,
	}
}

// Load reads path over the defaults. A missing file is not an error;
// the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	t, err := toml.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := t.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the combined configuration before startup.
func (c Config) Validate() error {
	if c.OutDir == "" {
		return fmt.Errorf("config: out_dir required")
	}
	if c.Slots < 1 {
		return fmt.Errorf("config: slots must be at least 1, got %d", c.Slots)
	}
	if c.StatusSlots < 1 {
		return fmt.Errorf("config: status_slots must be at least 1, got %d", c.StatusSlots)
	}
	if c.Policy != "fcfs" && c.Policy != "sjf" {
		return fmt.Errorf("config: policy must be fcfs or sjf, got %q", c.Policy)
	}
	return nil
}
