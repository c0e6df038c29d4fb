// Package instance orchestrates the lifecycle of one VM instance: create or
// open its durable on-disk state, install a guest OS, assemble the device
// configuration, and drive start/stop against the host platform handle.
package instance

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kstrand/macvm/internal/config"
	"github.com/kstrand/macvm/internal/identity"
	"github.com/kstrand/macvm/internal/metadata"
	"github.com/kstrand/macvm/pkg/hypervisor"
)

// Instance owns one per-instance directory and its metadata record. All
// explicit lifecycle calls are serialized: at most one operation is in
// flight, and overlapping calls fail with hypervisor.ErrBusy. Guest-side
// notifications are re-marshaled through a single event pump so that every
// running-state transition has one writer.
type Instance struct {
	dir   string
	host  hypervisor.Host
	shim  *hypervisor.Shim
	store *metadata.Store

	// op serializes explicit lifecycle operations. meta and the identity
	// fields are only touched while op is held.
	op            sync.Mutex
	meta          *metadata.Metadata
	hardwareModel hypervisor.HardwareModel
	machineID     hypervisor.MachineIdentifier

	// mu guards the runtime view shared with the event pump.
	mu      sync.Mutex
	handle  hypervisor.Handle
	running bool
	// handleDone marks a handle whose event stream reached its terminal
	// state. Such a handle has no observer left, so it must be replaced via
	// Configure before the next start.
	handleDone bool
	stoppedCh  chan struct{}
	lastErr    error
	pumpStop   chan struct{}
}

// Create wipes any existing directory at dir, creates it fresh, and writes a
// new metadata record holding cfg. The configuration is required up front so
// a later Configure cannot observe a missing one.
func Create(dir string, host hypervisor.Host, cfg *config.Configuration) (*Instance, error) {
	if cfg == nil {
		return nil, hypervisor.ErrConfigurationMissing
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("wipe instance dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	i := &Instance{
		dir:   dir,
		host:  host,
		shim:  hypervisor.NewShim(host),
		store: metadata.NewStore(dir),
		meta:  &metadata.Metadata{Configuration: cfg},
	}
	if err := i.store.Save(i.meta); err != nil {
		return nil, err
	}
	logrus.WithField("dir", dir).Info("instance created")
	return i, nil
}

// Open loads an existing instance from dir. For installed instances the
// persisted identity blobs are rehydrated; undecodable blobs fail the open
// with hypervisor.ErrCorruptIdentity.
func Open(dir string, host hypervisor.Host) (*Instance, error) {
	store := metadata.NewStore(dir)
	meta, err := store.Load()
	if err != nil {
		return nil, err
	}

	i := &Instance{
		dir:   dir,
		host:  host,
		shim:  hypervisor.NewShim(host),
		store: store,
		meta:  meta,
	}
	if meta.Installed {
		model, id, err := identity.Rehydrate(host, meta)
		if err != nil {
			return nil, err
		}
		i.hardwareModel = model
		i.machineID = id
	}
	return i, nil
}

// Dir returns the instance directory.
func (i *Instance) Dir() string {
	return i.dir
}

// Installed reports whether guest OS installation has completed.
func (i *Instance) Installed() bool {
	i.op.Lock()
	defer i.op.Unlock()
	return i.meta.Installed
}

// Metadata returns a detached copy of the durable record; mutating it does
// not touch the live instance state.
func (i *Instance) Metadata() metadata.Metadata {
	i.op.Lock()
	defer i.op.Unlock()
	meta := *i.meta
	if meta.Configuration != nil {
		cfg := *meta.Configuration
		meta.Configuration = &cfg
	}
	meta.MachineIdentifier = append([]byte(nil), meta.MachineIdentifier...)
	meta.HardwareModel = append([]byte(nil), meta.HardwareModel...)
	return meta
}

// Running reports the last known lifecycle observation.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// LastError returns the most recent guest failure or start error.
func (i *Instance) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// HostInfo returns host platform metadata.
func (i *Instance) HostInfo() hypervisor.Info {
	return i.host.Info()
}

// Done returns a channel closed when the instance leaves the running state.
// Before the first Start it returns an already-closed channel.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stoppedCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return i.stoppedCh
}

// setRunning is the single state-mutation path for the running flag; both
// explicit stop and guest notifications go through it.
func (i *Instance) setRunning(running bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running == running {
		return
	}
	i.running = running
	if running {
		i.stoppedCh = make(chan struct{})
	} else if i.stoppedCh != nil {
		close(i.stoppedCh)
	}
}

// markHandleDone retires h once its event stream has ended. A superseded
// handle is ignored so a stale terminal event cannot retire its replacement.
func (i *Instance) markHandleDone(h hypervisor.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.handle == h {
		i.handleDone = true
	}
}

// pump re-marshals guest-originated notifications onto this instance's
// state-mutation path. One pump runs per configured handle; a replacement
// handle supersedes the previous pump via stop.
func (i *Instance) pump(h hypervisor.Handle, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-h.Events():
			if !ok {
				i.markHandleDone(h)
				return
			}
			switch ev.Kind {
			case hypervisor.EventGuestStopped:
				logrus.Info("guest stopped")
				i.markHandleDone(h)
				i.setRunning(false)
			case hypervisor.EventGuestFailed:
				logrus.WithError(ev.Err).Error("guest failed")
				i.mu.Lock()
				i.lastErr = ev.Err
				i.mu.Unlock()
				i.markHandleDone(h)
				i.setRunning(false)
			}
		}
	}
}
