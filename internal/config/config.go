// Package config loads the wotad device configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arduino/go-paths-helper"

	"github.com/bigbag/wota/embedded"
	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/logging"
	"github.com/bigbag/wota/internal/server"
)

// Config is the device configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Flash  FlashConfig  `toml:"flash"`
	RAM    RAMConfig    `toml:"ram"`
	Boot   BootConfig   `toml:"boot"`
	Log    LogConfig    `toml:"log"`

	// dir resolves relative file names; it is the directory of the loaded
	// file, or the working directory for the defaults.
	dir *paths.Path
}

type ServerConfig struct {
	Listen      string `toml:"listen"`
	SerialPort  string `toml:"serial_port"`
	Baud        int    `toml:"baud"`
	ErrorPolicy string `toml:"error_policy"`
}

type FlashConfig struct {
	Base        uint32 `toml:"base"`
	Size        uint32 `toml:"size"`
	EraseUnit   uint32 `toml:"erase_unit"`
	ProgramUnit uint32 `toml:"program_unit"`
	HeaderAddr  uint32 `toml:"header_addr"`
	BackingFile string `toml:"backing_file"`
}

type RAMConfig struct {
	Base uint32 `toml:"base"`
	Size uint32 `toml:"size"`
}

type BootConfig struct {
	FlagFile       string `toml:"flag_file"`
	EntryPin       bool   `toml:"entry_pin"`
	AutoReboot     string `toml:"auto_reboot"`
	ResetOnTraffic bool   `toml:"auto_reboot_reset_on_traffic"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	cfg := &Config{dir: paths.New(".")}
	if err := decode(cfg, func(v any) (toml.MetaData, error) {
		return toml.Decode(embedded.DefaultConfig(), v)
	}); err != nil {
		return nil, fmt.Errorf("built-in config: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration at path over the defaults. A nil path
// returns the defaults.
func Load(path *paths.Path) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path == nil {
		return cfg, cfg.Validate()
	}

	if err := decode(cfg, func(v any) (toml.MetaData, error) {
		return toml.DecodeFile(path.String(), v)
	}); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.dir = path.Parent()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(cfg *Config, fn func(any) (toml.MetaData, error)) error {
	meta, err := fn(cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.AutoReboot(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Listen) == "" && strings.TrimSpace(c.Server.SerialPort) == "" {
		return fmt.Errorf("config: neither server.listen nor server.serial_port is set")
	}
	if c.Server.SerialPort != "" && c.Server.Baud <= 0 {
		return fmt.Errorf("config: invalid baud rate %d", c.Server.Baud)
	}
	return nil
}

// Layout returns the storage layout.
func (c *Config) Layout() image.Layout {
	return image.Layout{
		Flash: flash.Geometry{
			Base:        c.Flash.Base,
			Size:        c.Flash.Size,
			EraseUnit:   c.Flash.EraseUnit,
			ProgramUnit: c.Flash.ProgramUnit,
		},
		HeaderAddr: c.Flash.HeaderAddr,
		RAM:        image.Region{Base: c.RAM.Base, Size: c.RAM.Size},
	}
}

// Policy returns the parsed error policy.
func (c *Config) Policy() (server.ErrorPolicy, error) {
	return server.ParseErrorPolicy(c.Server.ErrorPolicy)
}

// AutoReboot returns the inactivity reboot delay, zero when disabled.
func (c *Config) AutoReboot() (time.Duration, error) {
	s := strings.TrimSpace(c.Boot.AutoReboot)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse boot.auto_reboot: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("boot.auto_reboot must not be negative")
	}
	return d, nil
}

// BackingFile is the storage image file, nil to keep storage in memory.
func (c *Config) BackingFile() *paths.Path {
	return c.resolve(c.Flash.BackingFile)
}

// FlagFile is the boot flag file, nil to keep the flag in memory.
func (c *Config) FlagFile() *paths.Path {
	return c.resolve(c.Boot.FlagFile)
}

// LogFile is the log file, nil for none.
func (c *Config) LogFile() *paths.Path {
	return c.resolve(c.Log.File)
}

func (c *Config) resolve(name string) *paths.Path {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	p := paths.New(name)
	if p.IsAbs() || c.dir == nil {
		return p
	}
	return c.dir.JoinPath(p)
}
