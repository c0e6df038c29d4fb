// Package build translates a Configuration and a hardware identity into the
// concrete device set the host platform consumes. The translation is pure:
// identical inputs yield structurally identical device sets.
package build

import (
	"path/filepath"

	"github.com/kstrand/macvm/internal/config"
	"github.com/kstrand/macvm/pkg/hypervisor"
)

// Artifact file names inside the instance directory.
const (
	// DiskImageName is the primary guest storage, sized once at install.
	DiskImageName = "disk.img"
	// AuxiliaryImageName is the platform's firmware/NVRAM storage, derived
	// from the hardware model and recreated on every configuration build.
	AuxiliaryImageName = "aux.img"
)

// DiskPath returns the primary disk image path for the instance directory.
func DiskPath(dir string) string {
	return filepath.Join(dir, DiskImageName)
}

// AuxiliaryPath returns the auxiliary storage path for the instance directory.
func AuxiliaryPath(dir string) string {
	return filepath.Join(dir, AuxiliaryImageName)
}

// Identity carries the immutable per-instance identity the devices bind.
type Identity struct {
	HardwareModel     hypervisor.HardwareModel
	MachineIdentifier hypervisor.MachineIdentifier
	MACAddress        string
}

// DeviceSet builds the device configuration for one instance.
//
// The display resolution is screen size times scale at 100*scale pixels per
// inch. Exactly one disk device backs the fixed-path disk image, exactly one
// NAT network device binds the persisted MAC, and a single read-write
// directory share is added only when the configuration names one. The debug
// stub is not part of the set; it is attached to the constructed handle
// through the capability shim.
func DeviceSet(cfg *config.Configuration, ident Identity, dir string) (*hypervisor.DeviceSet, error) {
	if cfg == nil {
		return nil, hypervisor.ErrConfigurationMissing
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	set := &hypervisor.DeviceSet{
		CPUCount:   uint(cfg.CPUCount),
		MemorySize: cfg.MemorySize,
		Platform: hypervisor.PlatformDevice{
			HardwareModel:        ident.HardwareModel,
			MachineIdentifier:    ident.MachineIdentifier,
			AuxiliaryStoragePath: AuxiliaryPath(dir),
		},
		Graphics: []hypervisor.GraphicsDevice{{
			WidthPixels:   cfg.ScreenWidth * cfg.ScreenScale,
			HeightPixels:  cfg.ScreenHeight * cfg.ScreenScale,
			PixelsPerInch: 100 * cfg.ScreenScale,
		}},
		Storage: []hypervisor.StorageDevice{{
			Path: DiskPath(dir),
		}},
		Network: []hypervisor.NetworkDevice{{
			MACAddress: ident.MACAddress,
		}},
		Entropy:  true,
		Keyboard: true,
		Pointing: true,
	}

	if cfg.SharedDirectoryPath != "" {
		set.DirectoryShares = []hypervisor.DirectoryShareDevice{{
			HostPath: cfg.SharedDirectoryPath,
			Tag:      hypervisor.MacOSGuestAutomountTag,
		}}
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}
