// Package config loads the configuration of the uthread-echo command.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
)

// Config is the command configuration, decoded from TOML.
type Config struct {
	// LogLevel is one of the logiface level names, e.g. "info" or "trace".
	LogLevel string `toml:"log_level"`
	// ReportPath, if set, receives a JSON summary at teardown.
	ReportPath string `toml:"report_path"`
	// MaxProcs bounds the number of schedulers. Defaults to GOMAXPROCS.
	MaxProcs int `toml:"max_procs"`
	// Spawn is the number of schedulers started in addition to the
	// bootstrap one. Defaults to MaxProcs-1.
	Spawn int `toml:"spawn"`
	// StackSize is the stack reservation per scheduler and user thread.
	StackSize int `toml:"stack_size"`
	// StackBudget bounds the total stack reservation, in bytes. Defaults to a
	// quarter of system memory.
	StackBudget uint64 `toml:"stack_budget"`
	// Threads is the number of echo clients, each paired with a server.
	Threads int `toml:"threads"`
	// Messages is the number of messages each client round trips.
	Messages int `toml:"messages"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	n := runtime.GOMAXPROCS(0)
	return Config{
		LogLevel:    logiface.LevelInformational.String(),
		MaxProcs:    n,
		Spawn:       n - 1,
		StackSize:   64 << 10,
		StackBudget: memory.TotalMemory() / 4,
		Threads:     16,
		Messages:    8,
	}
}

// Load decodes the TOML file at path over Default. An empty path returns
// the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	// spawn follows max_procs unless set explicitly
	cfg.Spawn = -1
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if cfg.Spawn == -1 {
		cfg.Spawn = cfg.MaxProcs - 1
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxProcs < 1:
		return fmt.Errorf("config: max_procs must be positive, got %d", c.MaxProcs)
	case c.Spawn < 0 || c.Spawn >= c.MaxProcs:
		return fmt.Errorf("config: spawn must be in [0, %d), got %d", c.MaxProcs, c.Spawn)
	case c.StackSize < 1:
		return fmt.Errorf("config: stack_size must be positive, got %d", c.StackSize)
	case c.Threads < 0:
		return fmt.Errorf("config: threads must not be negative, got %d", c.Threads)
	case c.Messages < 0:
		return fmt.Errorf("config: messages must not be negative, got %d", c.Messages)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// ErrUnknownLevel is returned for a log_level that names no logiface level.
var ErrUnknownLevel = errors.New("config: unknown log level")

// Level resolves LogLevel.
func (c Config) Level() (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if strings.EqualFold(c.LogLevel, level.String()) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, c.LogLevel)
}
