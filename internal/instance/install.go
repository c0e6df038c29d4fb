package instance

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kstrand/macvm/internal/build"
	"github.com/kstrand/macvm/internal/identity"
	"github.com/kstrand/macvm/pkg/hypervisor"
)

// ErrAlreadyInstalled reports an install attempt on an installed instance.
var ErrAlreadyInstalled = errors.New("instance: already installed")

// installPhase tracks the one-time installation workflow.
type installPhase int

const (
	phaseAllocating installPhase = iota
	phaseResolvingImage
	phaseConfiguring
	phaseInstalling
	phaseInstalled
)

func (p installPhase) String() string {
	switch p {
	case phaseAllocating:
		return "allocating"
	case phaseResolvingImage:
		return "resolving-image"
	case phaseConfiguring:
		return "configuring"
	case phaseInstalling:
		return "installing"
	case phaseInstalled:
		return "installed"
	default:
		return "unknown"
	}
}

// Install drives the one-time OS installation: allocate the disk image,
// resolve the restore image to a hardware identity, persist that identity,
// build the device configuration, and run installation to completion.
//
// Installation is cancellable through ctx between steps and during the
// installation run. Any failure or cancellation leaves installed=false; the
// directory is preserved so a retry can proceed without re-creating it, and
// a retried install overwrites both identity fields with fresh values.
func (i *Instance) Install(ctx context.Context, restoreImagePath string, diskSizeGiB uint64, onProgress func(float64)) error {
	if !i.op.TryLock() {
		return hypervisor.ErrBusy
	}
	defer i.op.Unlock()

	if i.meta.Installed {
		return ErrAlreadyInstalled
	}

	log := logrus.WithField("image", restoreImagePath)

	log.WithField("phase", phaseAllocating).Info("installing")
	if err := i.allocateDisk(diskSizeGiB); err != nil {
		return fmt.Errorf("allocate disk: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log.WithField("phase", phaseResolvingImage).Info("installing")
	model, err := identity.ResolveHardwareModel(ctx, i.host, restoreImagePath)
	if err != nil {
		return err
	}
	// Persist the hardware model before any device is built from it; a
	// retried install repeats this step and overwrites the previous value.
	i.meta.HardwareModel = model.DataRepresentation()
	if err := i.store.Save(i.meta); err != nil {
		return err
	}
	machineID, err := identity.NewMachineIdentifier(i.host)
	if err != nil {
		return err
	}
	i.meta.MachineIdentifier = machineID.DataRepresentation()
	if err := i.store.Save(i.meta); err != nil {
		return err
	}
	i.hardwareModel = model
	i.machineID = machineID
	if err := ctx.Err(); err != nil {
		return err
	}

	log.WithField("phase", phaseConfiguring).Info("installing")
	if err := i.configureLocked(ctx); err != nil {
		return err
	}

	log.WithField("phase", phaseInstalling).Info("installing")
	i.mu.Lock()
	handle := i.handle
	i.mu.Unlock()
	if err := handle.Install(ctx, restoreImagePath, onProgress); err != nil {
		return fmt.Errorf("run installation: %w", err)
	}

	i.meta.Installed = true
	if err := i.store.Save(i.meta); err != nil {
		return err
	}
	log.WithField("phase", phaseInstalled).Info("installing")
	return nil
}

// allocateDisk creates the disk image with the exact requested logical size.
// Truncate keeps the file sparse on APFS.
func (i *Instance) allocateDisk(sizeGiB uint64) error {
	f, err := os.OpenFile(build.DiskPath(i.dir), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(sizeGiB << 30))
}
