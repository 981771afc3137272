package gpucore

import (
	"fmt"
	"strings"
)

// Resource IDs
//
// These opaque IDs represent device objects. Each Device implementation
// maintains a mapping between IDs and its own backend handles.
// IDs are uint64 to accommodate various backend handle sizes.

// MemoryID is an opaque handle to a device memory allocation.
type MemoryID uint64

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// LayoutID is an opaque handle to a kernel layout: descriptor bindings plus
// the push-constant block size.
type LayoutID uint64

// PipelineID is an opaque handle to a compute pipeline.
type PipelineID uint64

// DescriptorSetID is an opaque handle to a descriptor set.
type DescriptorSetID uint64

// CommandBufferID is an opaque handle to a recorded command buffer.
type CommandBufferID uint64

// FenceID is an opaque handle to a host-visible completion fence.
type FenceID uint64

// SemaphoreID is an opaque handle to a binary or timeline semaphore.
type SemaphoreID uint64

// InvalidID is the zero value, representing an invalid/null object.
const InvalidID = 0

// MemoryProperty is a bitmask describing where an allocation lives and how
// the host can reach it.
type MemoryProperty uint32

// Memory property flags.
const (
	// MemoryDeviceLocal memory is fastest for device access and counts
	// against the device budget.
	MemoryDeviceLocal MemoryProperty = 1 << 0

	// MemoryHostVisible memory can be written and read by the host.
	MemoryHostVisible MemoryProperty = 1 << 1

	// MemoryHostCoherent memory needs no explicit flush after host writes.
	MemoryHostCoherent MemoryProperty = 1 << 2

	// MemoryHostCached memory is cached on the host for fast readback.
	MemoryHostCached MemoryProperty = 1 << 3
)

// Has reports whether all bits in f are set.
func (p MemoryProperty) Has(f MemoryProperty) bool { return p&f == f }

// String returns the flag names joined with "|".
func (p MemoryProperty) String() string {
	if p == 0 {
		return "None"
	}
	var parts []string
	names := []struct {
		bit  MemoryProperty
		name string
	}{
		{MemoryDeviceLocal, "DeviceLocal"},
		{MemoryHostVisible, "HostVisible"},
		{MemoryHostCoherent, "HostCoherent"},
		{MemoryHostCached, "HostCached"},
	}
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
			p &^= n.bit
		}
	}
	if p != 0 {
		parts = append(parts, fmt.Sprintf("Unknown(%#x)", uint32(p)))
	}
	return strings.Join(parts, "|")
}

// Access is a bitmask of memory access kinds used in barriers.
type Access uint32

// Access flags.
const (
	AccessShaderRead    Access = 1 << 0
	AccessShaderWrite   Access = 1 << 1
	AccessTransferRead  Access = 1 << 2
	AccessTransferWrite Access = 1 << 3
	AccessHostRead      Access = 1 << 4
	AccessHostWrite     Access = 1 << 5
)

// Stage is a bitmask of pipeline stages used in barriers.
type Stage uint32

// Pipeline stages.
const (
	StageCompute  Stage = 1 << 0
	StageTransfer Stage = 1 << 1
	StageHost     Stage = 1 << 2
)

// BindingType describes how a shader accesses a bound resource.
type BindingType uint8

// Binding types.
const (
	// BindingStorageBuffer is a read-write storage buffer.
	BindingStorageBuffer BindingType = iota

	// BindingReadOnlyStorageBuffer is a read-only storage buffer.
	BindingReadOnlyStorageBuffer

	// BindingStorageImage is an image accessed with load/store.
	BindingStorageImage
)

// String returns the binding type name as used in shader layout files.
func (t BindingType) String() string {
	switch t {
	case BindingStorageBuffer:
		return "storage_buffer"
	case BindingReadOnlyStorageBuffer:
		return "readonly_buffer"
	case BindingStorageImage:
		return "storage_image"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ParseBindingType converts a layout file name back into a BindingType.
func ParseBindingType(s string) (BindingType, error) {
	switch s {
	case "storage_buffer", "":
		return BindingStorageBuffer, nil
	case "readonly_buffer":
		return BindingReadOnlyStorageBuffer, nil
	case "storage_image":
		return BindingStorageImage, nil
	default:
		return 0, fmt.Errorf("gpucore: unknown binding type %q", s)
	}
}

// SemaphoreKind selects binary or timeline semantics.
type SemaphoreKind uint8

// Semaphore kinds.
const (
	// SemaphoreBinary is signaled once and consumed by one wait.
	SemaphoreBinary SemaphoreKind = iota

	// SemaphoreTimeline carries a monotonically increasing counter.
	SemaphoreTimeline
)

// String returns the semaphore kind name.
func (k SemaphoreKind) String() string {
	switch k {
	case SemaphoreBinary:
		return "Binary"
	case SemaphoreTimeline:
		return "Timeline"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Limits reports the device limits the engine depends on.
type Limits struct {
	// MaxWorkgroupSize is the per-axis maximum local size.
	MaxWorkgroupSize [3]uint32

	// MaxWorkgroupInvocations bounds the product of the local size axes.
	MaxWorkgroupInvocations uint32

	// MaxPushConstantSize is the push-constant block limit in bytes.
	MaxPushConstantSize uint32

	// MaxAllocationSize is the largest single allocation in bytes.
	MaxAllocationSize uint64
}

// DefaultLimits returns conservative limits every backend supports.
func DefaultLimits() Limits {
	return Limits{
		MaxWorkgroupSize:        [3]uint32{256, 256, 64},
		MaxWorkgroupInvocations: 256,
		MaxPushConstantSize:     128,
		MaxAllocationSize:       1 << 30,
	}
}

// MemoryType describes one memory type exposed by the device.
type MemoryType struct {
	Properties MemoryProperty
}

// FindMemoryType returns the index of the first memory type that carries
// every requested property.
func FindMemoryType(types []MemoryType, want MemoryProperty) (uint32, bool) {
	for i, t := range types {
		if t.Properties.Has(want) {
			return uint32(i), true //nolint:gosec // memory type lists are tiny
		}
	}
	return 0, false
}
