// Package config loads the TOML configuration of the cmd/pingpong demo
// binary: which backend variant to use,
// ring geometry, and the bootstrap socket path. Adapted directly from
// the original feeder config loader.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Backend       string `toml:"backend"` // "filemap", "sysv", or "posix"
	Slots         uint32 `toml:"slots"`
	Payload       uint32 `toml:"payload"`
	BootstrapPath string `toml:"bootstrap_path"`
	TempDir       string `toml:"temp_dir"`
}

// Defaults returns the configuration used when no TOML file is present,
// matching the scenario sizes used in the ping-pong demo (N=5, P=2048).
func Defaults() Config {
	return Config{
		Backend:       "filemap",
		Slots:         5,
		Payload:       2048,
		BootstrapPath: "/tmp/dfshm_bootstrap.sock",
	}
}

func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}
