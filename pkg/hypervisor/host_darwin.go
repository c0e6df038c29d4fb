//go:build darwin

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// stableSurfaceVersion is the first host version carrying the gated boot
// controls in the public interface.
const stableSurfaceVersion = "13.0.0"

// vzHost implements Host using macOS Virtualization.framework.
type vzHost struct {
	version *semver.Version
}

// NewHost creates the Virtualization.framework-backed host platform.
func NewHost() (Host, error) {
	version, err := productVersion()
	if err != nil {
		return nil, fmt.Errorf("vz: detect host version: %w", err)
	}
	return &vzHost{version: version}, nil
}

func productVersion() (*semver.Version, error) {
	raw, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		return nil, err
	}
	// sysctl reports "14.5" style versions; semver wants three fields.
	for strings.Count(raw, ".") < 2 {
		raw += ".0"
	}
	return semver.NewVersion(raw)
}

func (h *vzHost) Info() Info {
	return Info{
		Name:    "vz",
		Version: h.version.String(),
		Arch:    runtime.GOARCH,
	}
}

func (h *vzHost) ProbeTier() Tier {
	if !h.version.LessThan(*semver.New(stableSurfaceVersion)) {
		return TierStable
	}
	// The legacy-private surface of older hosts is not reachable through
	// these bindings, so gated controls are unavailable below the stable
	// surface version.
	return TierNone
}

type vzHardwareModel struct {
	model *vz.MacHardwareModel
}

func (m *vzHardwareModel) DataRepresentation() []byte { return m.model.DataRepresentation() }

type vzMachineIdentifier struct {
	id *vz.MacMachineIdentifier
}

func (m *vzMachineIdentifier) DataRepresentation() []byte { return m.id.DataRepresentation() }

func (h *vzHost) ResolveRestoreImage(ctx context.Context, path string) (HardwareModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	image, err := vz.LoadMacOSRestoreImageFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("vz: load restore image %q: %w", path, err)
	}
	requirements := image.MostFeaturefulSupportedConfiguration()
	if requirements == nil {
		return nil, fmt.Errorf("restore image %q: %w", path, ErrImageIncompatible)
	}
	model := requirements.HardwareModel()
	if model == nil || !model.Supported() {
		return nil, fmt.Errorf("restore image %q: %w", path, ErrImageIncompatible)
	}
	return &vzHardwareModel{model: model}, nil
}

func (h *vzHost) NewMachineIdentifier() (MachineIdentifier, error) {
	id, err := vz.NewMacMachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("vz: generate machine identifier: %w", err)
	}
	return &vzMachineIdentifier{id: id}, nil
}

func (h *vzHost) HardwareModelFromData(data []byte) (HardwareModel, error) {
	model, err := vz.NewMacHardwareModelWithData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: hardware model: %v", ErrCorruptIdentity, err)
	}
	return &vzHardwareModel{model: model}, nil
}

func (h *vzHost) MachineIdentifierFromData(data []byte) (MachineIdentifier, error) {
	id, err := vz.NewMacMachineIdentifierWithData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: machine identifier: %v", ErrCorruptIdentity, err)
	}
	return &vzMachineIdentifier{id: id}, nil
}

type vzMACGenerator struct{}

func (vzMACGenerator) GenerateMACAddress() (string, error) {
	mac, err := vz.NewRandomLocallyAdministeredMACAddress()
	if err != nil {
		return "", fmt.Errorf("vz: generate MAC address: %w", err)
	}
	return mac.HardwareAddr().String(), nil
}

func (h *vzHost) MACGenerator(tier Tier) (MACGenerator, bool) {
	if tier != TierStable {
		return nil, false
	}
	return vzMACGenerator{}, true
}

func (h *vzHost) NewVirtualMachine(set *DeviceSet) (Handle, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if set.Platform.HardwareModel == nil || set.Platform.MachineIdentifier == nil {
		return nil, fmt.Errorf("vz: device set carries no hardware identity: %w", ErrNotCreated)
	}

	bootLoader, err := vz.NewMacOSBootLoader()
	if err != nil {
		return nil, fmt.Errorf("vz: create boot loader: %w", err)
	}
	vmCfg, err := vz.NewVirtualMachineConfiguration(bootLoader, set.CPUCount, set.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vz: create VM configuration: %w", err)
	}

	if err := h.attachPlatform(set, vmCfg); err != nil {
		return nil, err
	}
	if err := attachGraphics(set, vmCfg); err != nil {
		return nil, err
	}
	if err := attachStorage(set, vmCfg); err != nil {
		return nil, err
	}
	if err := attachNetwork(set, vmCfg); err != nil {
		return nil, err
	}
	if err := attachDirectoryShares(set, vmCfg); err != nil {
		return nil, err
	}
	if err := attachInputAndEntropy(set, vmCfg); err != nil {
		return nil, err
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return nil, fmt.Errorf("vz: invalid VM configuration: %w", err)
	}
	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return nil, fmt.Errorf("vz: create VM: %w", err)
	}

	handle := &vzHandle{
		vm:     vm,
		events: make(chan Event, 1),
	}
	go handle.pumpStateChanges()
	return handle, nil
}

func (h *vzHost) attachPlatform(set *DeviceSet, vmCfg *vz.VirtualMachineConfiguration) error {
	hardwareModel, err := vz.NewMacHardwareModelWithData(set.Platform.HardwareModel.DataRepresentation())
	if err != nil {
		return fmt.Errorf("vz: decode hardware model: %w", err)
	}
	machineID, err := vz.NewMacMachineIdentifierWithData(set.Platform.MachineIdentifier.DataRepresentation())
	if err != nil {
		return fmt.Errorf("vz: decode machine identifier: %w", err)
	}
	// Auxiliary storage content derives from the hardware model; it is
	// recreated with allow-overwrite semantics on every configuration build.
	aux, err := vz.NewMacAuxiliaryStorage(set.Platform.AuxiliaryStoragePath,
		vz.WithCreatingStorage(hardwareModel),
	)
	if err != nil {
		return fmt.Errorf("vz: create auxiliary storage: %w", err)
	}
	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacHardwareModel(hardwareModel),
		vz.WithMacMachineIdentifier(machineID),
		vz.WithMacAuxiliaryStorage(aux),
	)
	if err != nil {
		return fmt.Errorf("vz: create platform configuration: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)
	return nil
}

func attachGraphics(set *DeviceSet, vmCfg *vz.VirtualMachineConfiguration) error {
	graphics, err := vz.NewMacGraphicsDeviceConfiguration()
	if err != nil {
		return fmt.Errorf("vz: create graphics device: %w", err)
	}
	g := set.Graphics[0]
	display, err := vz.NewMacGraphicsDisplayConfiguration(int64(g.WidthPixels), int64(g.HeightPixels), int64(g.PixelsPerInch))
	if err != nil {
		return fmt.Errorf("vz: create display: %w", err)
	}
	graphics.SetDisplays(display)
	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{graphics})
	return nil
}

func attachStorage(set *DeviceSet, vmCfg *vz.VirtualMachineConfiguration) error {
	var devices []vz.StorageDeviceConfiguration
	for _, d := range set.Storage {
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(d.Path, d.ReadOnly)
		if err != nil {
			return fmt.Errorf("vz: attach disk %q: %w", d.Path, err)
		}
		block, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vz: create block device: %w", err)
		}
		devices = append(devices, block)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(devices)
	return nil
}

func attachNetwork(set *DeviceSet, vmCfg *vz.VirtualMachineConfiguration) error {
	var devices []*vz.VirtioNetworkDeviceConfiguration
	for _, d := range set.Network {
		attachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return fmt.Errorf("vz: create NAT attachment: %w", err)
		}
		device, err := vz.NewVirtioNetworkDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vz: create network device: %w", err)
		}
		hwAddr, err := net.ParseMAC(d.MACAddress)
		if err != nil {
			return fmt.Errorf("vz: parse MAC address %q: %w", d.MACAddress, err)
		}
		mac, err := vz.NewMACAddress(hwAddr)
		if err != nil {
			return fmt.Errorf("vz: bind MAC address: %w", err)
		}
		device.SetMACAddress(mac)
		devices = append(devices, device)
	}
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration(devices)
	return nil
}

func attachDirectoryShares(set *DeviceSet, vmCfg *vz.VirtualMachineConfiguration) error {
	if len(set.DirectoryShares) == 0 {
		return nil
	}
	var devices []vz.DirectorySharingDeviceConfiguration
	for _, d := range set.DirectoryShares {
		dir, err := vz.NewSharedDirectory(d.HostPath, d.ReadOnly)
		if err != nil {
			return fmt.Errorf("vz: share directory %q: %w", d.HostPath, err)
		}
		share, err := vz.NewSingleDirectoryShare(dir)
		if err != nil {
			return fmt.Errorf("vz: create directory share: %w", err)
		}
		fs, err := vz.NewVirtioFileSystemDeviceConfiguration(d.Tag)
		if err != nil {
			return fmt.Errorf("vz: create filesystem device %q: %w", d.Tag, err)
		}
		fs.SetDirectoryShare(share)
		devices = append(devices, fs)
	}
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(devices)
	return nil
}

func attachInputAndEntropy(set *DeviceSet, vmCfg *vz.VirtualMachineConfiguration) error {
	if set.Entropy {
		entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vz: create entropy device: %w", err)
		}
		vmCfg.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})
	}
	if set.Keyboard {
		keyboard, err := vz.NewMacKeyboardConfiguration()
		if err != nil {
			return fmt.Errorf("vz: create keyboard device: %w", err)
		}
		vmCfg.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})
	}
	if set.Pointing {
		trackpad, err := vz.NewMacTrackpadConfiguration()
		if err != nil {
			return fmt.Errorf("vz: create pointing device: %w", err)
		}
		vmCfg.SetPointingDevicesVirtualMachineConfiguration([]vz.PointingDeviceConfiguration{trackpad})
	}
	return nil
}

// vzHandle wraps a configured vz virtual machine.
type vzHandle struct {
	vm     *vz.VirtualMachine
	events chan Event

	mu       sync.Mutex
	recovery bool
}

func (h *vzHandle) pumpStateChanges() {
	defer close(h.events)
	for state := range h.vm.StateChangedNotify() {
		switch state {
		case vz.VirtualMachineStateStopped:
			logrus.Info("vz: guest stopped")
			h.events <- Event{Kind: EventGuestStopped}
			return
		case vz.VirtualMachineStateError:
			err := errors.New("vz: virtual machine entered error state")
			logrus.WithError(err).Error("vz: guest failed")
			h.events <- Event{Kind: EventGuestFailed, Err: err}
			return
		default:
			logrus.Debugf("vz: state change: %s", state)
		}
	}
}

func (h *vzHandle) Controls(tier Tier) (BootControls, bool) {
	if tier != TierStable {
		return nil, false
	}
	return &vzStableControls{handle: h}, true
}

// vzStableControls routes logical boot controls to the public interface
// surface. Controls the public surface of this host version does not carry
// fail fast instead of silently no-opping.
type vzStableControls struct {
	handle *vzHandle
}

func (c *vzStableControls) SetHaltFlags(onPanic, inIBoot1, inIBoot2 bool) error {
	if onPanic || inIBoot1 || inIBoot2 {
		return fmt.Errorf("boot-stage halt flags: %w", ErrCapabilityUnavailable)
	}
	return nil
}

func (c *vzStableControls) SetForceDFUBoot(enabled bool) error {
	if enabled {
		return fmt.Errorf("DFU boot: %w", ErrCapabilityUnavailable)
	}
	return nil
}

func (c *vzStableControls) SetBootIntoRecovery(enabled bool) error {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	c.handle.recovery = enabled
	return nil
}

func (c *vzStableControls) AttachDebugStub(port int) error {
	return fmt.Errorf("debug stub on port %d: %w", port, ErrCapabilityUnavailable)
}

func (h *vzHandle) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	recovery := h.recovery
	h.mu.Unlock()

	var opts []vz.VirtualMachineStartOption
	if recovery {
		opts = append(opts, vz.WithStartUpFromMacOSRecovery(true))
	}
	if err := h.vm.Start(opts...); err != nil {
		return fmt.Errorf("vz: start VM: %w", err)
	}
	return nil
}

func (h *vzHandle) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	canStop, err := h.vm.CanRequestStop()
	if err != nil {
		return fmt.Errorf("vz: query stop capability: %w", err)
	}
	if !canStop {
		if err := h.vm.Stop(); err != nil {
			return fmt.Errorf("vz: force stop: %w", err)
		}
		return nil
	}
	ok, err := h.vm.RequestStop()
	if err != nil || !ok {
		return fmt.Errorf("vz: request stop: %w", err)
	}
	return nil
}

func (h *vzHandle) Install(ctx context.Context, restoreImagePath string, onProgress func(float64)) error {
	installer, err := vz.NewMacOSInstaller(h.vm, restoreImagePath)
	if err != nil {
		return fmt.Errorf("vz: create installer: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	if onProgress != nil {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					onProgress(installer.FractionCompleted())
				}
			}
		}()
	}

	if err := installer.Install(ctx); err != nil {
		return fmt.Errorf("vz: install: %w", err)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

func (h *vzHandle) Events() <-chan Event {
	return h.events
}
