// Package testutil provides shared helpers for instance lifecycle tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kstrand/macvm/internal/config"
	"github.com/kstrand/macvm/pkg/hypervisor"
	"github.com/kstrand/macvm/pkg/hypervisor/fake"
)

// Config returns a small valid configuration for tests.
func Config() *config.Configuration {
	return &config.Configuration{
		CPUCount:     2,
		MemorySize:   512 << 20,
		ScreenWidth:  800,
		ScreenHeight: 600,
		ScreenScale:  1,
	}
}

// StableHost returns a fake host exposing only the stable surface.
func StableHost() *fake.Host {
	return fake.NewHost(hypervisor.TierStable)
}

// RestoreImage writes an empty restore image file under t.TempDir and
// registers it with host so resolution succeeds.
func RestoreImage(t *testing.T, host *fake.Host) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "restore.ipsw")
	if err := os.WriteFile(path, []byte("ipsw"), 0644); err != nil {
		t.Fatalf("write restore image: %v", err)
	}
	host.AddRestoreImage(path)
	return path
}
