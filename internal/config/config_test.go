package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.CPUCount < 1 {
		t.Errorf("Default() CPUCount = %d", cfg.CPUCount)
	}
	if cfg.MemorySize != 8<<30 {
		t.Errorf("Default() MemorySize = %d, want 8GiB", cfg.MemorySize)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Configuration {
		return &Configuration{
			CPUCount:     2,
			MemorySize:   512 << 20,
			ScreenWidth:  800,
			ScreenHeight: 600,
			ScreenScale:  1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"valid", func(c *Configuration) {}, false},
		{"zero cpus", func(c *Configuration) { c.CPUCount = 0 }, true},
		{"negative cpus", func(c *Configuration) { c.CPUCount = -1 }, true},
		{"memory below floor", func(c *Configuration) { c.MemorySize = 64 << 20 }, true},
		{"memory at floor", func(c *Configuration) { c.MemorySize = 128 << 20 }, false},
		{"zero width", func(c *Configuration) { c.ScreenWidth = 0 }, true},
		{"zero height", func(c *Configuration) { c.ScreenHeight = 0 }, true},
		{"zero scale", func(c *Configuration) { c.ScreenScale = 0 }, true},
		{"debug port negative", func(c *Configuration) { c.DebugPort = -1 }, true},
		{"debug port too large", func(c *Configuration) { c.DebugPort = 70000 }, true},
		{"debug port valid", func(c *Configuration) { c.DebugPort = 8000 }, false},
		{"recovery only", func(c *Configuration) { c.BootIntoRecovery = true }, false},
		{"dfu only", func(c *Configuration) { c.BootIntoDFU = true }, false},
		{"recovery and dfu", func(c *Configuration) {
			c.BootIntoRecovery = true
			c.BootIntoDFU = true
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "cpu_count: 3\nshared_directory: /tmp/share\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CPUCount != 3 {
		t.Errorf("CPUCount = %d, want 3", cfg.CPUCount)
	}
	if cfg.SharedDirectoryPath != "/tmp/share" {
		t.Errorf("SharedDirectoryPath = %q", cfg.SharedDirectoryPath)
	}
	if cfg.MemorySize != 8<<30 {
		t.Errorf("MemorySize = %d, want default 8GiB", cfg.MemorySize)
	}
	if cfg.ScreenWidth != 1440 || cfg.ScreenHeight != 900 {
		t.Errorf("screen = %dx%d, want defaults", cfg.ScreenWidth, cfg.ScreenHeight)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cpu_count: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted cpu_count 0")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() succeeded on missing file")
	}
}
