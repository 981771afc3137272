package backend

import (
	"errors"

	"github.com/gogpu/gpugraph/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoAdapter is returned when a backend finds no usable adapter.
	ErrNoAdapter = errors.New("backend: no compatible adapter")
)

// Backend names.
const (
	// BackendHAL selects the gogpu/wgpu HAL device (Vulkan).
	BackendHAL = "hal"

	// BackendSoftware selects the CPU reference device.
	BackendSoftware = "software"
)

// Factory opens a new device.
type Factory func() (gpucore.Device, error)
