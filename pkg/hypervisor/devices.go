package hypervisor

// MacOSGuestAutomountTag is the virtio-fs tag macOS guests mount
// automatically under /Volumes/My Shared Files.
const MacOSGuestAutomountTag = "com.apple.virtio-fs.automount"

// DeviceSet is the complete, host-API-agnostic device configuration for one
// VM. It is produced by the device builder and consumed by a Host to
// construct a runnable handle.
type DeviceSet struct {
	// CPUCount is the number of virtual CPUs.
	CPUCount uint

	// MemorySize is the guest memory in bytes.
	MemorySize uint64

	// Platform carries the immutable hardware identity of an installed
	// instance plus the auxiliary storage location.
	Platform PlatformDevice

	// Graphics holds exactly one display.
	Graphics []GraphicsDevice

	// Storage holds exactly one disk device backing the guest's primary
	// storage.
	Storage []StorageDevice

	// Network holds exactly one NAT-attached device with a bound MAC.
	Network []NetworkDevice

	// DirectoryShares is empty or holds exactly one read-write share.
	DirectoryShares []DirectoryShareDevice

	Entropy  bool
	Keyboard bool
	Pointing bool
}

// PlatformDevice binds the persisted hardware identity to the VM.
type PlatformDevice struct {
	HardwareModel     HardwareModel
	MachineIdentifier MachineIdentifier

	// AuxiliaryStoragePath locates the platform's firmware/NVRAM storage.
	// Its content derives from the hardware model, so backends recreate it
	// with allow-overwrite semantics.
	AuxiliaryStoragePath string
}

// GraphicsDevice describes one display.
type GraphicsDevice struct {
	WidthPixels   int
	HeightPixels  int
	PixelsPerInch int
}

// StorageDevice describes one disk image attachment.
type StorageDevice struct {
	Path     string
	ReadOnly bool
}

// NetworkDevice describes one NAT-attached network device.
type NetworkDevice struct {
	// MACAddress is the persisted locally-administered address, in the
	// colon-separated form produced by net.HardwareAddr.String.
	MACAddress string
}

// DirectoryShareDevice exposes one host directory into the guest.
type DirectoryShareDevice struct {
	HostPath string
	Tag      string
	ReadOnly bool
}

// Validate performs basic structural validation of the device set.
func (s *DeviceSet) Validate() error {
	if s.CPUCount < 1 {
		return ErrInvalidCPUCount
	}
	if s.MemorySize < 128<<20 {
		return ErrInsufficientMemory
	}
	if len(s.Storage) != 1 {
		return ErrInvalidStorage
	}
	if len(s.Network) != 1 || s.Network[0].MACAddress == "" {
		return ErrInvalidNetwork
	}
	if len(s.Graphics) != 1 {
		return ErrInvalidDisplay
	}
	if len(s.DirectoryShares) > 1 {
		return ErrInvalidDirectoryShare
	}
	return nil
}
