// Package hypervisor defines the contract between the VM lifecycle core and
// the host virtualization platform (macOS Virtualization.framework).
// The platform-specific implementation lives in host_darwin.go behind build
// tags; tests use the deterministic implementation in the fake subpackage.
package hypervisor

import "context"

// Tier identifies which of the two host-platform interface surfaces is
// available on the running host version. Older hosts expose boot-stage
// controls only through a version-gated private interface; newer hosts carry
// the same controls in the public interface under renamed fields.
type Tier int

const (
	// TierNone means neither surface exposes the gated controls.
	TierNone Tier = iota
	// TierLegacy is the version-gated private interface of older hosts.
	TierLegacy
	// TierStable is the public interface of newer hosts.
	TierStable
)

func (t Tier) String() string {
	switch t {
	case TierLegacy:
		return "legacy"
	case TierStable:
		return "stable"
	default:
		return "none"
	}
}

// HardwareModel is the opaque hardware descriptor extracted from a restore
// image. The guest OS identifies its virtual hardware by this value, so it is
// created exactly once at install time and never re-derived.
type HardwareModel interface {
	// DataRepresentation returns the serialized form persisted in metadata.
	DataRepresentation() []byte
}

// MachineIdentifier is the opaque unique identity of one VM instance.
// Like HardwareModel it is generated once at install time and immutable.
type MachineIdentifier interface {
	DataRepresentation() []byte
}

// MACGenerator produces locally-administered MAC addresses. Each capability
// tier provides its own concrete generator; both must yield addresses with
// the locally-administered bit set and the multicast bit clear.
type MACGenerator interface {
	GenerateMACAddress() (string, error)
}

// BootControls is the logical control surface the capability shim routes to a
// concrete interface surface on the handle. All methods take effect before
// the VM starts.
type BootControls interface {
	SetHaltFlags(onPanic, inIBoot1, inIBoot2 bool) error
	SetForceDFUBoot(enabled bool) error
	SetBootIntoRecovery(enabled bool) error
	AttachDebugStub(port int) error
}

// Host is the opaque capability provider for one virtualization platform.
type Host interface {
	// ProbeTier reports which gated control surface this host version
	// exposes. Called once per process by the capability shim; the result
	// must be stable for the process lifetime.
	ProbeTier() Tier

	// ResolveRestoreImage extracts the most capable hardware model the
	// restore image at path supports. Returns ErrImageIncompatible when the
	// image supports no configuration this host can run.
	ResolveRestoreImage(ctx context.Context, path string) (HardwareModel, error)

	// NewMachineIdentifier produces a fresh, globally-unique identity.
	NewMachineIdentifier() (MachineIdentifier, error)

	// HardwareModelFromData and MachineIdentifierFromData rehydrate the
	// persisted identity blobs of an installed instance.
	HardwareModelFromData(data []byte) (HardwareModel, error)
	MachineIdentifierFromData(data []byte) (MachineIdentifier, error)

	// MACGenerator returns the MAC generation route for the given tier,
	// reporting false when that surface is absent.
	MACGenerator(tier Tier) (MACGenerator, bool)

	// NewVirtualMachine translates a device set into a runnable handle.
	NewVirtualMachine(set *DeviceSet) (Handle, error)

	Info() Info
}

// EventKind classifies guest-originated notifications.
type EventKind int

const (
	// EventGuestStopped reports that the guest shut down on its own.
	EventGuestStopped EventKind = iota
	// EventGuestFailed reports that the guest stopped due to an error.
	EventGuestFailed
)

// Event is a guest-originated notification. Events arrive on the platform's
// own execution context; consumers must re-marshal them onto their owner
// context before mutating state.
type Event struct {
	Kind EventKind
	Err  error
}

// Handle is a configured, runnable VM obtained from Host.NewVirtualMachine.
type Handle interface {
	// Controls returns the boot-control surface for the given tier,
	// reporting false when the host version does not expose it. Callers go
	// through the capability shim rather than calling this directly.
	Controls(tier Tier) (BootControls, bool)

	// Start boots the VM. It does not return until the platform acknowledges
	// the VM is running or signals failure.
	Start(ctx context.Context) error

	// Stop requests a graceful guest shutdown.
	Stop(ctx context.Context) error

	// Install runs guest OS installation from the restore image against this
	// handle. onProgress, if non-nil, receives fractions in [0,1].
	Install(ctx context.Context, restoreImagePath string, onProgress func(float64)) error

	// Events delivers guest-originated notifications. The channel is closed
	// once the VM reaches a terminal stopped state.
	Events() <-chan Event
}

// Info contains host platform metadata.
type Info struct {
	Name    string // "vz"
	Version string // host platform product version
	Arch    string // "arm64" or "amd64"
}
