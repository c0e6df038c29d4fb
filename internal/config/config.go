// Package config provides the host-API-agnostic description of the desired
// VM shape. A Configuration is authored by the user, snapshotted into the
// instance metadata at create time, and immutable for the lifetime of a run.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// Configuration describes the desired shape of one VM instance.
type Configuration struct {
	// CPUCount is the number of virtual CPUs.
	CPUCount int `mapstructure:"cpu_count" json:"cpu_count"`

	// MemorySize is the guest memory in bytes.
	MemorySize uint64 `mapstructure:"memory_size" json:"memory_size"`

	// ScreenWidth and ScreenHeight are the display size in points; the
	// effective pixel resolution is scaled by ScreenScale.
	ScreenWidth  int `mapstructure:"screen_width" json:"screen_width"`
	ScreenHeight int `mapstructure:"screen_height" json:"screen_height"`
	ScreenScale  int `mapstructure:"screen_scale" json:"screen_scale"`

	// BootIntoRecovery boots the guest recovery OS on the next start.
	BootIntoRecovery bool `mapstructure:"boot_into_recovery" json:"boot_into_recovery,omitempty"`

	// BootIntoDFU forces the alternate (DFU) boot mode on the next start.
	BootIntoDFU bool `mapstructure:"boot_into_dfu" json:"boot_into_dfu,omitempty"`

	// HaltOnPanic, HaltInIBoot1 and HaltInIBoot2 halt the boot at the
	// corresponding diagnostic stages.
	HaltOnPanic  bool `mapstructure:"halt_on_panic" json:"halt_on_panic,omitempty"`
	HaltInIBoot1 bool `mapstructure:"halt_in_iboot1" json:"halt_in_iboot1,omitempty"`
	HaltInIBoot2 bool `mapstructure:"halt_in_iboot2" json:"halt_in_iboot2,omitempty"`

	// DebugPort, when non-zero, attaches a remote debug stub on that port.
	DebugPort int `mapstructure:"debug_port" json:"debug_port,omitempty"`

	// SharedDirectoryPath, when set, exposes that host directory read-write
	// into the guest.
	SharedDirectoryPath string `mapstructure:"shared_directory" json:"shared_directory,omitempty"`
}

// Default returns a Configuration with sensible defaults.
func Default() *Configuration {
	return &Configuration{
		CPUCount:     runtime.NumCPU(),
		MemorySize:   8 << 30,
		ScreenWidth:  1440,
		ScreenHeight: 900,
		ScreenScale:  2,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Configuration) Validate() error {
	if c.CPUCount < 1 {
		return fmt.Errorf("config: cpu_count must be at least 1, got %d", c.CPUCount)
	}
	if c.MemorySize < 128<<20 {
		return fmt.Errorf("config: memory_size must be at least 128MB, got %d", c.MemorySize)
	}
	if c.ScreenWidth < 1 || c.ScreenHeight < 1 {
		return fmt.Errorf("config: screen size %dx%d is invalid", c.ScreenWidth, c.ScreenHeight)
	}
	if c.ScreenScale < 1 {
		return fmt.Errorf("config: screen_scale must be at least 1, got %d", c.ScreenScale)
	}
	if c.DebugPort < 0 || c.DebugPort > 65535 {
		return fmt.Errorf("config: debug_port %d is out of range", c.DebugPort)
	}
	if c.BootIntoRecovery && c.BootIntoDFU {
		return fmt.Errorf("config: boot_into_recovery and boot_into_dfu are mutually exclusive")
	}
	return nil
}

// Load reads a Configuration from the file at path, applying defaults for
// any fields the file omits.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(path)

	cfg := Default()
	v.SetDefault("cpu_count", cfg.CPUCount)
	v.SetDefault("memory_size", cfg.MemorySize)
	v.SetDefault("screen_width", cfg.ScreenWidth)
	v.SetDefault("screen_height", cfg.ScreenHeight)
	v.SetDefault("screen_scale", cfg.ScreenScale)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
