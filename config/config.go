// Package config handles kestrel.toml engine configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestrelvm/kestrel/vm"
)

// Config is the top-level kestrel.toml layout.
type Config struct {
	Engine  Engine  `toml:"engine"`
	Limits  Limits  `toml:"limits"`
	Server  Server  `toml:"server"`
	Logging Logging `toml:"logging"`
}

// Engine configures the shared worker pool.
type Engine struct {
	// Workers is the pool size; 0 means one per logical CPU.
	Workers int `toml:"workers"`
	// Quantum is the per-dispatch fuel cap in steps.
	Quantum uint64 `toml:"quantum"`
	// PreemptMillis is the wall-clock preemption threshold; 0 disables
	// the monitor.
	PreemptMillis int `toml:"preempt-millis"`
}

// Limits are the default resource ceilings for new sandboxes. Zero means
// unlimited.
type Limits struct {
	HeapBytes int64  `toml:"heap-bytes"`
	Tasks     int64  `toml:"tasks"`
	Steps     uint64 `toml:"steps"`
}

// Server configures the control-plane listener.
type Server struct {
	Listen string `toml:"listen"`
}

// Logging configures log output.
type Logging struct {
	// Verbosity maps onto commonlog levels: 0 errors and warnings only,
	// 1 adds info, 2 adds debug.
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: Engine{
			Workers:       runtime.NumCPU(),
			Quantum:       vm.DefaultQuantum,
			PreemptMillis: 10,
		},
		Limits: Limits{
			HeapBytes: 64 << 20,
			Tasks:     1024,
		},
		Server:  Server{Listen: "localhost:8021"},
		Logging: Logging{Verbosity: 1},
	}
}

// Load parses a kestrel.toml file, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML configuration data. name is used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}
	if c.Engine.PreemptMillis < 0 {
		return fmt.Errorf("engine.preempt-millis must not be negative")
	}
	if c.Limits.HeapBytes < 0 || c.Limits.Tasks < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	return nil
}

// SchedulerOptions converts the engine section for vm.NewMachine.
func (c *Config) SchedulerOptions() vm.SchedulerOptions {
	return vm.SchedulerOptions{
		Workers:          c.Engine.Workers,
		Quantum:          c.Engine.Quantum,
		PreemptThreshold: time.Duration(c.Engine.PreemptMillis) * time.Millisecond,
	}
}

// DefaultLimits converts the limits section for vm.SandboxOptions.
func (c *Config) DefaultLimits() vm.ResourceLimits {
	return vm.ResourceLimits{
		HeapBytes: c.Limits.HeapBytes,
		Tasks:     c.Limits.Tasks,
		Steps:     c.Limits.Steps,
	}
}
