package hypervisor

import (
	"fmt"
	"sync"
)

// Shim presents one logical control surface regardless of whether the host
// exposes boot-stage controls through the legacy-private interface or the
// stable-public one. The tier is probed once per process and cached; every
// logical call is then routed to the concrete surface for that tier. For any
// (operation, value) the resulting VM configuration must behave identically
// on either route.
type Shim struct {
	host Host

	probeOnce sync.Once
	tier      Tier
}

// NewShim creates a capability shim over host.
func NewShim(host Host) *Shim {
	return &Shim{host: host}
}

// Tier returns the cached capability tier, probing the host on first use.
func (s *Shim) Tier() Tier {
	s.probeOnce.Do(func() {
		s.tier = s.host.ProbeTier()
	})
	return s.tier
}

// controls resolves the boot-control route for h, failing fast when neither
// surface exposes it.
func (s *Shim) controls(h Handle) (BootControls, error) {
	tier := s.Tier()
	if tier == TierNone {
		return nil, fmt.Errorf("boot controls: %w", ErrCapabilityUnavailable)
	}
	c, ok := h.Controls(tier)
	if !ok {
		return nil, fmt.Errorf("boot controls on %s surface: %w", tier, ErrCapabilityUnavailable)
	}
	return c, nil
}

// SetHaltFlags configures whether the boot halts at the panic, first, or
// second boot-stage diagnostic points.
func (s *Shim) SetHaltFlags(h Handle, onPanic, inIBoot1, inIBoot2 bool) error {
	c, err := s.controls(h)
	if err != nil {
		return err
	}
	return c.SetHaltFlags(onPanic, inIBoot1, inIBoot2)
}

// SetForceDFUBoot forces the alternate (device firmware update) boot mode.
func (s *Shim) SetForceDFUBoot(h Handle, enabled bool) error {
	c, err := s.controls(h)
	if err != nil {
		return err
	}
	return c.SetForceDFUBoot(enabled)
}

// SetBootIntoRecovery makes the next start boot the guest recovery OS.
func (s *Shim) SetBootIntoRecovery(h Handle, enabled bool) error {
	c, err := s.controls(h)
	if err != nil {
		return err
	}
	return c.SetBootIntoRecovery(enabled)
}

// AttachDebugStub attaches a remote debug stub listening on port.
func (s *Shim) AttachDebugStub(h Handle, port int) error {
	c, err := s.controls(h)
	if err != nil {
		return err
	}
	return c.AttachDebugStub(port)
}

// GenerateMACAddress produces a fresh locally-administered MAC address via
// whichever surface the host exposes.
func (s *Shim) GenerateMACAddress() (string, error) {
	tier := s.Tier()
	if tier == TierNone {
		return "", fmt.Errorf("MAC generation: %w", ErrCapabilityUnavailable)
	}
	gen, ok := s.host.MACGenerator(tier)
	if !ok {
		return "", fmt.Errorf("MAC generation on %s surface: %w", tier, ErrCapabilityUnavailable)
	}
	return gen.GenerateMACAddress()
}
