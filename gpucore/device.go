package gpucore

import "time"

// ShaderSource holds shader code in one of the supported forms.
// A backend uses the first form it understands.
type ShaderSource struct {
	// WGSL is WGSL source text.
	WGSL string

	// SPIRV is pre-compiled SPIR-V.
	SPIRV []uint32

	// Host names a host function registered with a CPU device.
	Host string
}

// Empty reports whether no form of code is present.
func (s ShaderSource) Empty() bool {
	return s.WGSL == "" && len(s.SPIRV) == 0 && s.Host == ""
}

// ShaderModuleDescriptor describes a shader module.
type ShaderModuleDescriptor struct {
	Label  string
	Source ShaderSource
}

// LayoutBinding declares one descriptor binding of a kernel layout.
type LayoutBinding struct {
	Binding uint32
	Type    BindingType
}

// LayoutDescriptor describes the resources and constants a kernel reads.
type LayoutDescriptor struct {
	Label    string
	Bindings []LayoutBinding

	// PushConstantSize is the size of the push-constant block in bytes.
	PushConstantSize uint32
}

// PipelineDescriptor describes a compute pipeline with an explicit local
// workgroup size.
type PipelineDescriptor struct {
	Label      string
	Layout     LayoutID
	Module     ShaderModuleID
	EntryPoint string
	LocalSize  [3]uint32
}

// DescriptorWrite binds one allocation range to a binding slot.
// A zero Size binds the whole allocation from Offset.
type DescriptorWrite struct {
	Binding uint32
	Memory  MemoryID
	Offset  uint64
	Size    uint64
}

// DescriptorSetDescriptor describes a descriptor set.
type DescriptorSetDescriptor struct {
	Label  string
	Layout LayoutID
	Writes []DescriptorWrite
}

// Barrier is a pipeline barrier over a list of allocations.
type Barrier struct {
	SrcStage  Stage
	DstStage  Stage
	SrcAccess Access
	DstAccess Access
	Memory    []MemoryID
}

// MemoryCopy is one region of an allocation-to-allocation copy.
type MemoryCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// SemaphoreValue pairs a semaphore with a counter value.
// The value is ignored for binary semaphores.
type SemaphoreValue struct {
	Semaphore SemaphoreID
	Value     uint64
}

// SubmitInfo describes one queue submission.
type SubmitInfo struct {
	Commands []CommandBufferID

	// Waits must all be satisfied before any command executes.
	Waits []SemaphoreValue

	// Signals are raised once every command has completed.
	Signals []SemaphoreValue

	// Fence, if valid, is signaled together with Signals.
	Fence FenceID
}

// CommandEncoder records compute commands into a command buffer.
//
// Recording methods do not fail; recording errors surface from End.
type CommandEncoder interface {
	BindPipeline(p PipelineID)
	BindDescriptorSet(s DescriptorSetID)
	PushConstants(offset uint32, data []byte)
	Dispatch(x, y, z uint32)
	PipelineBarrier(b Barrier)
	CopyMemory(src, dst MemoryID, regions ...MemoryCopy)
	FillMemory(dst MemoryID, offset, size uint64, value uint32)

	// End finishes recording and returns the executable command buffer.
	End() (CommandBufferID, error)

	// Discard abandons the recording.
	Discard()
}

// Device is the narrow compute API the engine is written against.
//
// Object creation and destruction are safe for concurrent use. Submit is
// not: callers serialize submissions through a single queue lock.
type Device interface {
	// Name returns a human-readable device name.
	Name() string

	// Limits returns the device limits.
	Limits() Limits

	// MemoryTypes lists the memory types in index order.
	MemoryTypes() []MemoryType

	AllocateMemory(size uint64, props MemoryProperty, typeIndex uint32) (MemoryID, error)
	FreeMemory(m MemoryID)
	WriteMemory(m MemoryID, offset uint64, data []byte) error
	ReadMemory(m MemoryID, offset uint64, dst []byte) error

	CreateShaderModule(desc *ShaderModuleDescriptor) (ShaderModuleID, error)
	DestroyShaderModule(m ShaderModuleID)

	CreateLayout(desc *LayoutDescriptor) (LayoutID, error)
	DestroyLayout(l LayoutID)

	CreatePipeline(desc *PipelineDescriptor) (PipelineID, error)
	DestroyPipeline(p PipelineID)

	CreateDescriptorSet(desc *DescriptorSetDescriptor) (DescriptorSetID, error)
	DestroyDescriptorSet(s DescriptorSetID)

	// BeginCommands starts recording a new command buffer.
	BeginCommands(label string) (CommandEncoder, error)
	FreeCommandBuffer(c CommandBufferID)

	Submit(info *SubmitInfo) error

	CreateFence() (FenceID, error)
	FenceSignaled(f FenceID) (bool, error)

	// WaitFence blocks until the fence is signaled or the timeout expires.
	// It reports false on timeout.
	WaitFence(f FenceID, timeout time.Duration) (bool, error)
	ResetFence(f FenceID) error
	DestroyFence(f FenceID)

	CreateSemaphore(kind SemaphoreKind, initial uint64) (SemaphoreID, error)

	// SemaphoreValue returns the device-side counter of a timeline semaphore.
	SemaphoreValue(s SemaphoreID) (uint64, error)

	// WaitSemaphore blocks until a timeline reaches value or the timeout
	// expires. It reports false on timeout.
	WaitSemaphore(s SemaphoreID, value uint64, timeout time.Duration) (bool, error)

	// SignalSemaphore advances a timeline from the host.
	SignalSemaphore(s SemaphoreID, value uint64) error
	DestroySemaphore(s SemaphoreID)

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error

	// Close releases the device. Objects must be destroyed first.
	Close()
}
