// Package fake provides a deterministic in-memory host platform. It stands in
// for Virtualization.framework in tests: it records the device sets and boot
// controls applied to it, can expose either capability surface or both, and
// lets tests inject guest-originated events and failures.
package fake

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/kstrand/macvm/pkg/hypervisor"
)

const hardwareModelPrefix = "fake-hw-model:"

// HardwareModel is an opaque fake hardware descriptor.
type HardwareModel struct {
	data []byte
}

func (m *HardwareModel) DataRepresentation() []byte { return m.data }

// MachineIdentifier is an opaque fake machine identity backed by a UUID.
type MachineIdentifier struct {
	data []byte
}

func (m *MachineIdentifier) DataRepresentation() []byte { return m.data }

// Host implements hypervisor.Host in memory.
type Host struct {
	surfaces map[hypervisor.Tier]bool

	mu      sync.Mutex
	images  map[string][]byte
	handles []*Handle

	// Test knobs.
	ResolveErr  error
	CreateErr   error
	StartErr    error
	StopErr     error
	InstallErr  error
	InstallHook func(ctx context.Context) error

	// MACsGenerated counts generator invocations per surface.
	MACsGenerated map[hypervisor.Tier]int
}

// NewHost creates a fake host exposing the given capability surfaces.
// ProbeTier prefers the stable surface when both are present.
func NewHost(surfaces ...hypervisor.Tier) *Host {
	h := &Host{
		surfaces:      make(map[hypervisor.Tier]bool),
		images:        make(map[string][]byte),
		MACsGenerated: make(map[hypervisor.Tier]int),
	}
	for _, s := range surfaces {
		h.surfaces[s] = true
	}
	return h
}

// AddRestoreImage registers path as a restore image the host can run and
// returns the hardware model payload resolution will yield for it.
func (h *Host) AddRestoreImage(path string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload := []byte(hardwareModelPrefix + path)
	h.images[path] = payload
	return payload
}

// Handles returns every handle constructed so far, oldest first.
func (h *Host) Handles() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Handle(nil), h.handles...)
}

// LastHandle returns the most recently constructed handle.
func (h *Host) LastHandle() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.handles) == 0 {
		return nil
	}
	return h.handles[len(h.handles)-1]
}

func (h *Host) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "0.0.0", Arch: runtime.GOARCH}
}

func (h *Host) ProbeTier() hypervisor.Tier {
	if h.surfaces[hypervisor.TierStable] {
		return hypervisor.TierStable
	}
	if h.surfaces[hypervisor.TierLegacy] {
		return hypervisor.TierLegacy
	}
	return hypervisor.TierNone
}

func (h *Host) ResolveRestoreImage(ctx context.Context, path string) (hypervisor.HardwareModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ResolveErr != nil {
		return nil, h.ResolveErr
	}
	payload, ok := h.images[path]
	if !ok {
		return nil, fmt.Errorf("restore image %q: %w", path, hypervisor.ErrImageIncompatible)
	}
	return &HardwareModel{data: payload}, nil
}

func (h *Host) NewMachineIdentifier() (hypervisor.MachineIdentifier, error) {
	id := uuid.New()
	return &MachineIdentifier{data: id[:]}, nil
}

func (h *Host) HardwareModelFromData(data []byte) (hypervisor.HardwareModel, error) {
	if len(data) <= len(hardwareModelPrefix) || string(data[:len(hardwareModelPrefix)]) != hardwareModelPrefix {
		return nil, fmt.Errorf("%w: hardware model", hypervisor.ErrCorruptIdentity)
	}
	return &HardwareModel{data: append([]byte(nil), data...)}, nil
}

func (h *Host) MachineIdentifierFromData(data []byte) (hypervisor.MachineIdentifier, error) {
	if _, err := uuid.FromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: machine identifier: %v", hypervisor.ErrCorruptIdentity, err)
	}
	return &MachineIdentifier{data: append([]byte(nil), data...)}, nil
}

type macGenerator struct {
	host *Host
	tier hypervisor.Tier
}

func (g macGenerator) GenerateMACAddress() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// Locally-administered bit set, multicast bit clear.
	buf[0] = (buf[0] | 0x02) &^ 0x01
	g.host.mu.Lock()
	g.host.MACsGenerated[g.tier]++
	g.host.mu.Unlock()
	return net.HardwareAddr(buf).String(), nil
}

func (h *Host) MACGenerator(tier hypervisor.Tier) (hypervisor.MACGenerator, bool) {
	if !h.surfaces[tier] {
		return nil, false
	}
	return macGenerator{host: h, tier: tier}, true
}

func (h *Host) NewVirtualMachine(set *hypervisor.DeviceSet) (hypervisor.Handle, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return nil, h.CreateErr
	}
	handle := &Handle{
		Set:    set,
		host:   h,
		routes: make(map[string]hypervisor.Tier),
		events: make(chan hypervisor.Event, 1),
	}
	h.handles = append(h.handles, handle)
	return handle, nil
}

// BootState is the logical boot configuration applied through either
// capability surface. Two handles configured with identical logical inputs
// have equal BootStates regardless of which route was used.
type BootState struct {
	HaltOnPanic   bool
	HaltInIBoot1  bool
	HaltInIBoot2  bool
	ForceDFU      bool
	Recovery      bool
	DebugStubPort int
}

// Handle implements hypervisor.Handle in memory.
type Handle struct {
	Set  *hypervisor.DeviceSet
	host *Host

	mu      sync.Mutex
	boot    BootState
	routes  map[string]hypervisor.Tier
	started bool

	events    chan hypervisor.Event
	closeOnce sync.Once
}

// BootState returns the boot controls applied so far.
func (h *Handle) BootState() BootState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boot
}

// Routes reports which surface served each logical operation.
func (h *Handle) Routes() map[string]hypervisor.Tier {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]hypervisor.Tier, len(h.routes))
	for k, v := range h.routes {
		out[k] = v
	}
	return out
}

// Started reports whether Start has been acknowledged.
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Handle) Controls(tier hypervisor.Tier) (hypervisor.BootControls, bool) {
	if !h.host.surfaces[tier] {
		return nil, false
	}
	return &controls{handle: h, tier: tier}, true
}

type controls struct {
	handle *Handle
	tier   hypervisor.Tier
}

func (c *controls) record(op string, apply func(*BootState)) error {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	apply(&c.handle.boot)
	c.handle.routes[op] = c.tier
	return nil
}

func (c *controls) SetHaltFlags(onPanic, inIBoot1, inIBoot2 bool) error {
	return c.record("haltFlags", func(b *BootState) {
		b.HaltOnPanic = onPanic
		b.HaltInIBoot1 = inIBoot1
		b.HaltInIBoot2 = inIBoot2
	})
}

func (c *controls) SetForceDFUBoot(enabled bool) error {
	return c.record("forceDFU", func(b *BootState) { b.ForceDFU = enabled })
}

func (c *controls) SetBootIntoRecovery(enabled bool) error {
	return c.record("recovery", func(b *BootState) { b.Recovery = enabled })
}

func (c *controls) AttachDebugStub(port int) error {
	return c.record("debugStub", func(b *BootState) { b.DebugStubPort = port })
}

func (h *Handle) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.host.mu.Lock()
	startErr := h.host.StartErr
	h.host.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return nil
}

func (h *Handle) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.host.mu.Lock()
	stopErr := h.host.StopErr
	h.host.mu.Unlock()
	if stopErr != nil {
		return stopErr
	}
	h.mu.Lock()
	h.started = false
	h.mu.Unlock()
	h.EmitGuestStopped()
	return nil
}

func (h *Handle) Install(ctx context.Context, restoreImagePath string, onProgress func(float64)) error {
	h.host.mu.Lock()
	installErr := h.host.InstallErr
	hook := h.host.InstallHook
	h.host.mu.Unlock()

	if onProgress != nil {
		onProgress(0)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if onProgress != nil {
		onProgress(0.5)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if installErr != nil {
		return installErr
	}
	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

func (h *Handle) Events() <-chan hypervisor.Event {
	return h.events
}

// EmitGuestStopped injects a guest-initiated stop notification. The event
// stream is terminal after the first emitted event, as with the real host.
func (h *Handle) EmitGuestStopped() {
	h.emit(hypervisor.Event{Kind: hypervisor.EventGuestStopped})
}

// EmitGuestFailed injects a guest failure notification.
func (h *Handle) EmitGuestFailed(err error) {
	h.emit(hypervisor.Event{Kind: hypervisor.EventGuestFailed, Err: err})
}

func (h *Handle) emit(ev hypervisor.Event) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.started = false
		h.mu.Unlock()
		h.events <- ev
		close(h.events)
	})
}
