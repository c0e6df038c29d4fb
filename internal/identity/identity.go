// Package identity manages the artifacts that must never change after
// installation: the hardware model descriptor, the machine identifier, and
// the instance's locally-administered MAC address. All three are generated
// exactly once and reused for the lifetime of the instance directory.
package identity

import (
	"context"
	"fmt"
	"net"

	"github.com/kstrand/macvm/internal/metadata"
	"github.com/kstrand/macvm/pkg/hypervisor"
)

// ResolveHardwareModel selects the most capable hardware configuration the
// restore image supports. It fails with hypervisor.ErrImageIncompatible when
// the image supports no configuration the host can run.
func ResolveHardwareModel(ctx context.Context, host hypervisor.Host, imagePath string) (hypervisor.HardwareModel, error) {
	model, err := host.ResolveRestoreImage(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("resolve hardware model: %w", err)
	}
	return model, nil
}

// NewMachineIdentifier produces a fresh, globally-unique machine identity.
// Called exactly once per installation; retried installs overwrite the
// previous value.
func NewMachineIdentifier(host hypervisor.Host) (hypervisor.MachineIdentifier, error) {
	id, err := host.NewMachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("generate machine identifier: %w", err)
	}
	return id, nil
}

// Rehydrate decodes the persisted identity blobs of an installed instance.
func Rehydrate(host hypervisor.Host, meta *metadata.Metadata) (hypervisor.HardwareModel, hypervisor.MachineIdentifier, error) {
	if len(meta.HardwareModel) == 0 || len(meta.MachineIdentifier) == 0 {
		return nil, nil, fmt.Errorf("installed instance lacks identity blobs: %w", hypervisor.ErrCorruptIdentity)
	}
	model, err := host.HardwareModelFromData(meta.HardwareModel)
	if err != nil {
		return nil, nil, err
	}
	id, err := host.MachineIdentifierFromData(meta.MachineIdentifier)
	if err != nil {
		return nil, nil, err
	}
	return model, id, nil
}

// EnsureMACAddress returns the instance's MAC address, generating and
// persisting a locally-administered one on first use. It is idempotent and
// runs before every configuration build, so instances created by older tools
// converge on a stable address on their first run. The record is saved
// before any device is constructed from the address.
func EnsureMACAddress(store *metadata.Store, meta *metadata.Metadata, shim *hypervisor.Shim) (string, error) {
	if meta.MACAddress != "" {
		return meta.MACAddress, nil
	}
	mac, err := shim.GenerateMACAddress()
	if err != nil {
		return "", err
	}
	if !IsLocallyAdministered(mac) {
		return "", fmt.Errorf("generated MAC %q is not locally administered", mac)
	}
	meta.MACAddress = mac
	if err := store.Save(meta); err != nil {
		meta.MACAddress = ""
		return "", fmt.Errorf("persist MAC address: %w", err)
	}
	return mac, nil
}

// IsLocallyAdministered reports whether mac has the locally-administered bit
// set and the multicast bit clear.
func IsLocallyAdministered(mac string) bool {
	addr, err := net.ParseMAC(mac)
	if err != nil || len(addr) != 6 {
		return false
	}
	return addr[0]&0x02 != 0 && addr[0]&0x01 == 0
}
