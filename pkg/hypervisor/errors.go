package hypervisor

import "errors"

// Configuration errors
var (
	ErrConfigurationMissing  = errors.New("hypervisor: configuration must be set before building devices")
	ErrInvalidCPUCount       = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory    = errors.New("hypervisor: memory must be at least 128MB")
	ErrInvalidStorage        = errors.New("hypervisor: exactly one storage device is required")
	ErrInvalidNetwork        = errors.New("hypervisor: exactly one network device with a bound MAC is required")
	ErrInvalidDisplay        = errors.New("hypervisor: exactly one graphics device is required")
	ErrInvalidDirectoryShare = errors.New("hypervisor: at most one directory share is supported")
)

// Identity and installation errors
var (
	ErrImageIncompatible = errors.New("hypervisor: restore image has no hardware configuration this host supports")
	ErrCorruptIdentity   = errors.New("hypervisor: persisted identity blobs failed to decode")
)

// Runtime errors
var (
	ErrNotCreated     = errors.New("hypervisor: VM not configured")
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
	ErrBusy           = errors.New("hypervisor: another lifecycle operation is in flight")
)

// Platform errors
var (
	ErrCapabilityUnavailable = errors.New("hypervisor: no interface surface exposes the requested capability")
	ErrUnsupportedPlatform   = errors.New("hypervisor: platform not supported")
)
