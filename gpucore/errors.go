package gpucore

import (
	"errors"
	"fmt"
)

// Device errors.
var (
	// ErrInvalidHandle is returned when an ID does not name a live object.
	ErrInvalidHandle = errors.New("gpucore: invalid handle")

	// ErrOutOfMemory is returned when the device cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("gpucore: out of device memory")

	// ErrOutOfRange is returned for reads and writes past an allocation.
	ErrOutOfRange = errors.New("gpucore: access out of range")

	// ErrDeviceLost is returned once the device stops responding.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrUnsupported is returned for features a backend does not provide.
	ErrUnsupported = errors.New("gpucore: unsupported")

	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("gpucore: device closed")
)

// VkError is a device result failure. It is always fatal: the engine never
// retries or swallows it.
type VkError struct {
	// Op names the failing device call.
	Op string

	// Err is the backend result.
	Err error
}

func (e *VkError) Error() string {
	return fmt.Sprintf("gpucore: %s failed: %v", e.Op, e.Err)
}

func (e *VkError) Unwrap() error { return e.Err }

// Check wraps a non-nil device result into a *VkError.
// Errors that are already a *VkError are returned unchanged.
func Check(op string, err error) error {
	if err == nil {
		return nil
	}
	var vk *VkError
	if errors.As(err, &vk) {
		return err
	}
	return &VkError{Op: op, Err: err}
}

// IsFatal reports whether err carries a device result failure.
func IsFatal(err error) bool {
	var vk *VkError
	return errors.As(err, &vk)
}
