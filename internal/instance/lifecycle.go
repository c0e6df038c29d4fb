package instance

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kstrand/macvm/internal/build"
	"github.com/kstrand/macvm/internal/identity"
	"github.com/kstrand/macvm/pkg/hypervisor"
)

// Configure builds the device configuration and obtains a host platform
// handle for it, subscribing this instance to the handle's guest events.
func (i *Instance) Configure(ctx context.Context) error {
	if !i.op.TryLock() {
		return hypervisor.ErrBusy
	}
	defer i.op.Unlock()
	return i.configureLocked(ctx)
}

// configureLocked requires i.op to be held.
func (i *Instance) configureLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := i.meta.Configuration
	if cfg == nil {
		return hypervisor.ErrConfigurationMissing
	}

	// The MAC is persisted before any device is constructed from it.
	mac, err := identity.EnsureMACAddress(i.store, i.meta, i.shim)
	if err != nil {
		return err
	}

	set, err := build.DeviceSet(cfg, build.Identity{
		HardwareModel:     i.hardwareModel,
		MachineIdentifier: i.machineID,
		MACAddress:        mac,
	}, i.dir)
	if err != nil {
		return err
	}

	handle, err := i.host.NewVirtualMachine(set)
	if err != nil {
		return fmt.Errorf("construct VM: %w", err)
	}

	if cfg.HaltOnPanic || cfg.HaltInIBoot1 || cfg.HaltInIBoot2 {
		if err := i.shim.SetHaltFlags(handle, cfg.HaltOnPanic, cfg.HaltInIBoot1, cfg.HaltInIBoot2); err != nil {
			return err
		}
	}
	if cfg.DebugPort > 0 {
		if err := i.shim.AttachDebugStub(handle, cfg.DebugPort); err != nil {
			return err
		}
	}

	i.mu.Lock()
	if i.pumpStop != nil {
		close(i.pumpStop)
	}
	stop := make(chan struct{})
	i.pumpStop = stop
	i.handle = handle
	i.handleDone = false
	i.mu.Unlock()
	go i.pump(handle, stop)

	logrus.WithFields(logrus.Fields{
		"cpus":   cfg.CPUCount,
		"memory": cfg.MemorySize,
		"mac":    mac,
	}).Debug("instance configured")
	return nil
}

// Start applies the configured boot modes through the capability shim and
// asks the host platform to start the VM. It does not return until the
// platform acknowledges the VM is running or signals failure. A handle whose
// event stream has already ended is rejected; the VM must be configured
// again before each start.
func (i *Instance) Start(ctx context.Context) error {
	if !i.op.TryLock() {
		return hypervisor.ErrBusy
	}
	defer i.op.Unlock()

	i.mu.Lock()
	handle := i.handle
	running := i.running
	stale := i.handleDone
	i.mu.Unlock()
	if handle == nil || stale {
		return hypervisor.ErrNotCreated
	}
	if running {
		return hypervisor.ErrAlreadyRunning
	}

	cfg := i.meta.Configuration
	if cfg.BootIntoRecovery {
		if err := i.shim.SetBootIntoRecovery(handle, true); err != nil {
			return err
		}
	}
	if cfg.BootIntoDFU {
		if err := i.shim.SetForceDFUBoot(handle, true); err != nil {
			return err
		}
	}

	if err := handle.Start(ctx); err != nil {
		i.mu.Lock()
		i.lastErr = err
		i.mu.Unlock()
		return fmt.Errorf("start VM: %w", err)
	}
	i.setRunning(true)
	logrus.Info("instance running")
	return nil
}

// Stop requests a graceful stop from the host platform. The instance's view
// of running is cleared unconditionally once the call returns: whatever the
// platform reported, this instance is no longer considered active.
func (i *Instance) Stop(ctx context.Context) error {
	if !i.op.TryLock() {
		return hypervisor.ErrBusy
	}
	defer i.op.Unlock()

	i.mu.Lock()
	handle := i.handle
	i.mu.Unlock()
	if handle == nil {
		return hypervisor.ErrNotCreated
	}

	err := handle.Stop(ctx)
	i.markHandleDone(handle)
	i.setRunning(false)
	if err != nil {
		return fmt.Errorf("stop VM: %w", err)
	}
	logrus.Info("instance stopped")
	return nil
}
