//go:build !darwin

package hypervisor

// NewHost returns an error on platforms without a virtualization backend.
func NewHost() (Host, error) {
	return nil, ErrUnsupportedPlatform
}
