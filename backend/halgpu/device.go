// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpugraph/backend"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

func init() {
	backend.Register(backend.BackendHAL, func() (gpucore.Device, error) {
		return Open(Config{})
	})
}

// maxPushConstants is the size of the emulated push-constant block.
const maxPushConstants = 256

// defaultBackends is the adapter search order when Config.Backends is empty.
var defaultBackends = []gputypes.Backend{
	gputypes.BackendVulkan,
	gputypes.BackendMetal,
	gputypes.BackendDX12,
	gputypes.BackendGL,
}

// memoryTypes is the memory type table exposed by every HAL device.
var memoryTypes = []gpucore.MemoryType{
	{Properties: gpucore.MemoryDeviceLocal},
	{Properties: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
	{Properties: gpucore.MemoryDeviceLocal | gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
}

// Config selects the adapter a Device opens.
type Config struct {
	// Backends lists HAL backends in order of preference. Empty means
	// Vulkan, Metal, DX12, then GL.
	Backends []gputypes.Backend

	// Adapter, if set, selects the first adapter whose name contains it.
	Adapter string

	// Limits overrides the limits derived from the adapter.
	Limits gpucore.Limits
}

type buffer struct {
	raw   hal.Buffer
	size  uint64
	props gpucore.MemoryProperty
}

type module struct {
	label  string
	source gpucore.ShaderSource
}

type layout struct {
	desc     gpucore.LayoutDescriptor
	group    hal.BindGroupLayout
	push     hal.BindGroupLayout
	pipeline hal.PipelineLayout
}

type pipeline struct {
	raw    hal.ComputePipeline
	shader hal.ShaderModule
	layout *layout
	local  [3]uint32
}

type descriptorSet struct {
	group  hal.BindGroup
	layout *layout
}

type fence struct {
	signaled bool
}

type semaphore struct {
	kind  gpucore.SemaphoreKind
	value uint64
}

// Device implements gpucore.Device on a gogpu/wgpu HAL device.
//
// Submissions run in FIFO order on an executor goroutine. Semaphore waits
// are resolved on the host before a submission is encoded, and signals
// are raised once the HAL queue reports the submission complete. Push
// constants are emulated with a uniform buffer bound at group 1.
type Device struct {
	name   string
	info   gputypes.AdapterInfo
	limits gpucore.Limits

	instance hal.Instance
	adapter  hal.Adapter
	dev      hal.Device
	queue    hal.Queue

	// owned is false for devices shared through NewFromProvider.
	owned bool

	nextID atomic.Uint64

	// mu guards the object tables and the submission queue.
	mu   sync.Mutex
	cond *sync.Cond

	// halMu serializes queue submissions and host transfers.
	halMu sync.Mutex

	memory     map[gpucore.MemoryID]*buffer
	modules    map[gpucore.ShaderModuleID]*module
	layouts    map[gpucore.LayoutID]*layout
	pipelines  map[gpucore.PipelineID]*pipeline
	sets       map[gpucore.DescriptorSetID]*descriptorSet
	commands   map[gpucore.CommandBufferID][]op
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]*semaphore

	pending  []*gpucore.SubmitInfo
	inflight int
	closed   bool
	lost     error

	done chan struct{}
}

// Open creates a Device on the first adapter matching cfg.
func Open(cfg Config) (*Device, error) {
	order := cfg.Backends
	if len(order) == 0 {
		order = defaultBackends
	}

	var errs []error
	for _, variant := range order {
		b, ok := hal.GetBackend(variant)
		if !ok {
			continue
		}
		d, err := openBackend(b, cfg)
		if err == nil {
			return d, nil
		}
		errs = append(errs, fmt.Errorf("%v: %w", variant, err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("halgpu: %w", backend.ErrBackendNotAvailable)
	}
	return nil, fmt.Errorf("halgpu: %w", errors.Join(errs...))
}

func openBackend(b hal.Backend, cfg Config) (*Device, error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Backends: gputypes.BackendsAll})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	selected := selectAdapter(instance.EnumerateAdapters(nil), cfg.Adapter)
	if selected == nil {
		instance.Destroy()
		return nil, backend.ErrNoAdapter
	}

	open, err := selected.Adapter.Open(gputypes.Features(0), selected.Capabilities.Limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	d := newDevice(open.Device, open.Queue, selected.Info, selected.Capabilities.Limits, cfg)
	d.name = fmt.Sprintf("%s (%v)", selected.Info.Name, b.Variant())
	d.instance, d.adapter, d.owned = instance, selected.Adapter, true

	logging.Logger().Info("halgpu: device opened", "adapter", selected.Info.Name, "backend", b.Variant())
	return d, nil
}

// NewFromProvider wraps the HAL device of a host application. The
// provider must hand out hal.Device and hal.Queue values. Close leaves
// the shared device open.
func NewFromProvider(p gpucontext.DeviceProvider, cfg Config) (*Device, error) {
	dev, ok := p.Device().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: provider device %T is not a hal.Device", gpucore.ErrUnsupported, p.Device())
	}
	queue, ok := p.Queue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: provider queue %T is not a hal.Queue", gpucore.ErrUnsupported, p.Queue())
	}
	ai := p.AdapterInfo()
	info := gputypes.AdapterInfo{Name: ai.Name}
	switch ai.Type {
	case gpucontext.AdapterTypeDiscrete:
		info.DeviceType = gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		info.DeviceType = gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		info.DeviceType = gputypes.DeviceTypeCPU
	}
	d := newDevice(dev, queue, info, gputypes.DefaultLimits(), cfg)
	d.name = ai.Name + " (shared)"
	logging.Logger().Info("halgpu: using shared device", "adapter", ai.Name)
	return d, nil
}

func newDevice(dev hal.Device, queue hal.Queue, info gputypes.AdapterInfo, adapterLimits gputypes.Limits, cfg Config) *Device {
	limits := cfg.Limits
	if limits == (gpucore.Limits{}) {
		limits = deriveLimits(adapterLimits)
	}
	d := &Device{
		name:       info.Name,
		info:       info,
		limits:     limits,
		dev:        dev,
		queue:      queue,
		memory:     make(map[gpucore.MemoryID]*buffer),
		modules:    make(map[gpucore.ShaderModuleID]*module),
		layouts:    make(map[gpucore.LayoutID]*layout),
		pipelines:  make(map[gpucore.PipelineID]*pipeline),
		sets:       make(map[gpucore.DescriptorSetID]*descriptorSet),
		commands:   make(map[gpucore.CommandBufferID][]op),
		fences:     make(map[gpucore.FenceID]*fence),
		semaphores: make(map[gpucore.SemaphoreID]*semaphore),
		done:       make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.executor()
	return d
}

// selectAdapter prefers a named match, then discrete and integrated GPUs,
// then whatever comes first.
func selectAdapter(adapters []hal.ExposedAdapter, name string) *hal.ExposedAdapter {
	if len(adapters) == 0 {
		return nil
	}
	if name != "" {
		for i := range adapters {
			if strings.Contains(adapters[i].Info.Name, name) {
				return &adapters[i]
			}
		}
		return nil
	}
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return &adapters[i]
			}
		}
	}
	return &adapters[0]
}

// deriveLimits maps adapter limits onto gpucore.Limits, falling back to
// the defaults for fields the adapter leaves unset.
func deriveLimits(l gputypes.Limits) gpucore.Limits {
	out := gpucore.DefaultLimits()
	if l.MaxComputeWorkgroupSizeX > 0 && l.MaxComputeWorkgroupSizeY > 0 && l.MaxComputeWorkgroupSizeZ > 0 {
		out.MaxWorkgroupSize = [3]uint32{l.MaxComputeWorkgroupSizeX, l.MaxComputeWorkgroupSizeY, l.MaxComputeWorkgroupSizeZ}
	}
	if l.MaxComputeInvocationsPerWorkgroup > 0 {
		out.MaxWorkgroupInvocations = l.MaxComputeInvocationsPerWorkgroup
	}
	if l.MaxUniformBufferBindingSize > 0 {
		out.MaxPushConstantSize = uint32(min(l.MaxUniformBufferBindingSize, maxPushConstants))
	} else {
		out.MaxPushConstantSize = maxPushConstants
	}
	if l.MaxBufferSize > 0 {
		out.MaxAllocationSize = l.MaxBufferSize
		if l.MaxStorageBufferBindingSize > 0 {
			out.MaxAllocationSize = min(l.MaxBufferSize, l.MaxStorageBufferBindingSize)
		}
	}
	return out
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// AdapterInfo describes the adapter the device runs on.
func (d *Device) AdapterInfo() gpucontext.AdapterInfo {
	t := gpucontext.AdapterTypeUnknown
	switch d.info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		t = gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		t = gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		t = gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterInfo{Name: d.info.Name, Type: t}
}

// LiveObjects returns the number of objects not yet destroyed.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memory) + len(d.modules) + len(d.layouts) + len(d.pipelines) +
		len(d.sets) + len(d.commands) + len(d.fences) + len(d.semaphores)
}

// Name implements gpucore.Device.
func (d *Device) Name() string { return d.name }

// Limits implements gpucore.Device.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// MemoryTypes implements gpucore.Device.
func (d *Device) MemoryTypes() []gpucore.MemoryType {
	out := make([]gpucore.MemoryType, len(memoryTypes))
	copy(out, memoryTypes)
	return out
}

func bufferUsage(props gpucore.MemoryProperty) gputypes.BufferUsage {
	u := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if props.Has(gpucore.MemoryHostVisible) {
		u |= gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite
	}
	return u
}

// AllocateMemory implements gpucore.Device. Every allocation is a HAL
// storage buffer; host-visible types are also mappable.
func (d *Device) AllocateMemory(size uint64, props gpucore.MemoryProperty, typeIndex uint32) (gpucore.MemoryID, error) {
	if size == 0 {
		return gpucore.InvalidID, fmt.Errorf("halgpu: zero-size allocation")
	}
	if int(typeIndex) >= len(memoryTypes) || !memoryTypes[typeIndex].Properties.Has(props) {
		return gpucore.InvalidID, fmt.Errorf("halgpu: memory type %d does not provide %v", typeIndex, props)
	}
	if size > d.limits.MaxAllocationSize {
		return gpucore.InvalidID, gpucore.ErrOutOfMemory
	}
	typeProps := memoryTypes[typeIndex].Properties

	raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpugraph-memory",
		Size:  alignUp(size, 4),
		Usage: bufferUsage(typeProps),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: %w", gpucore.ErrOutOfMemory, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dev.DestroyBuffer(raw)
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	id := gpucore.MemoryID(d.newID())
	d.memory[id] = &buffer{raw: raw, size: size, props: typeProps}
	return id, nil
}

// FreeMemory implements gpucore.Device.
func (d *Device) FreeMemory(m gpucore.MemoryID) {
	d.mu.Lock()
	b, ok := d.memory[m]
	delete(d.memory, m)
	d.mu.Unlock()
	if ok {
		d.dev.DestroyBuffer(b.raw)
	}
}

func (d *Device) bufferOf(m gpucore.MemoryID) (*buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.memory[m]
	if !ok {
		return nil, fmt.Errorf("%w: memory %d", gpucore.ErrInvalidHandle, m)
	}
	return b, nil
}

// WriteMemory implements gpucore.Device. Host-visible memory is mapped;
// device-local memory is written through the queue.
func (d *Device) WriteMemory(m gpucore.MemoryID, offset uint64, data []byte) error {
	b, err := d.bufferOf(m)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.size {
		return gpucore.ErrOutOfRange
	}
	if len(data) == 0 {
		return nil
	}

	d.halMu.Lock()
	defer d.halMu.Unlock()
	if !b.props.Has(gpucore.MemoryHostVisible) {
		return gpucore.Check("Queue.WriteBuffer", d.queue.WriteBuffer(b.raw, offset, data))
	}
	mapping, err := d.dev.MapBuffer(b.raw, offset, uint64(len(data)))
	if err != nil {
		return gpucore.Check("MapBuffer", err)
	}
	copy(unsafe.Slice((*byte)(mapping.Ptr), len(data)), data)
	return gpucore.Check("UnmapBuffer", d.dev.UnmapBuffer(b.raw))
}

// ReadMemory implements gpucore.Device. Device-local memory is read
// through a staging buffer.
func (d *Device) ReadMemory(m gpucore.MemoryID, offset uint64, dst []byte) error {
	b, err := d.bufferOf(m)
	if err != nil {
		return err
	}
	if offset+uint64(len(dst)) > b.size {
		return gpucore.ErrOutOfRange
	}
	if len(dst) == 0 {
		return nil
	}

	d.halMu.Lock()
	defer d.halMu.Unlock()
	if b.props.Has(gpucore.MemoryHostVisible) {
		return d.readMapped(b.raw, offset, dst)
	}
	return d.readStaged(b.raw, offset, dst)
}

// readMapped copies from a mappable buffer. d.halMu must be held.
func (d *Device) readMapped(raw hal.Buffer, offset uint64, dst []byte) error {
	mapping, err := d.dev.MapBuffer(raw, offset, uint64(len(dst)))
	if err != nil {
		return gpucore.Check("MapBuffer", err)
	}
	copy(dst, unsafe.Slice((*byte)(mapping.Ptr), len(dst)))
	return gpucore.Check("UnmapBuffer", d.dev.UnmapBuffer(raw))
}

// readStaged copies through a temporary mappable buffer. d.halMu must be
// held.
func (d *Device) readStaged(raw hal.Buffer, offset uint64, dst []byte) error {
	start := offset &^ 3
	size := alignUp(offset+uint64(len(dst)), 4) - start

	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpugraph-readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return gpucore.Check("CreateBuffer", err)
	}
	defer d.dev.DestroyBuffer(staging)

	err = d.submitEncoded("gpugraph-readback", func(enc hal.CommandEncoder) error {
		enc.CopyBufferToBuffer(raw, staging, []hal.BufferCopy{{SrcOffset: start, DstOffset: 0, Size: size}})
		return nil
	})
	if err != nil {
		return err
	}
	tmp := make([]byte, size)
	if err := d.readMapped(staging, 0, tmp); err != nil {
		return err
	}
	copy(dst, tmp[offset-start:])
	return nil
}

// CreateShaderModule implements gpucore.Device. The HAL module is built
// per pipeline, once the local size is known.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDescriptor) (gpucore.ShaderModuleID, error) {
	if desc.Source.WGSL == "" && len(desc.Source.SPIRV) == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: module %q has no WGSL or SPIR-V", gpucore.ErrUnsupported, desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = &module{label: desc.Label, source: desc.Source}
	return id, nil
}

// DestroyShaderModule implements gpucore.Device.
func (d *Device) DestroyShaderModule(m gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, m)
}

func bindingLayout(t gpucore.BindingType) (gputypes.BufferBindingType, error) {
	switch t {
	case gpucore.BindingStorageBuffer:
		return gputypes.BufferBindingTypeStorage, nil
	case gpucore.BindingReadOnlyStorageBuffer:
		return gputypes.BufferBindingTypeReadOnlyStorage, nil
	default:
		return gputypes.BufferBindingTypeUndefined, fmt.Errorf("%w: binding type %v", gpucore.ErrUnsupported, t)
	}
}

// CreateLayout implements gpucore.Device.
func (d *Device) CreateLayout(desc *gpucore.LayoutDescriptor) (gpucore.LayoutID, error) {
	if desc.PushConstantSize > d.limits.MaxPushConstantSize {
		return gpucore.InvalidID, fmt.Errorf("halgpu: push constant block %d exceeds limit %d",
			desc.PushConstantSize, d.limits.MaxPushConstantSize)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(desc.Bindings))
	for _, b := range desc.Bindings {
		t, err := bindingLayout(b.Type)
		if err != nil {
			return gpucore.InvalidID, err
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: t},
		})
	}

	l := &layout{desc: *desc}
	l.desc.Bindings = append([]gpucore.LayoutBinding(nil), desc.Bindings...)

	var err error
	l.group, err = d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: desc.Label, Entries: entries})
	if err != nil {
		return gpucore.InvalidID, gpucore.Check("CreateBindGroupLayout", err)
	}
	groups := []hal.BindGroupLayout{l.group}
	if desc.PushConstantSize > 0 {
		l.push, err = d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label: desc.Label + "-push",
			Entries: []gputypes.BindGroupLayoutEntry{{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			}},
		})
		if err != nil {
			d.destroyLayout(l)
			return gpucore.InvalidID, gpucore.Check("CreateBindGroupLayout", err)
		}
		groups = append(groups, l.push)
	}
	l.pipeline, err = d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: desc.Label, BindGroupLayouts: groups})
	if err != nil {
		d.destroyLayout(l)
		return gpucore.InvalidID, gpucore.Check("CreatePipelineLayout", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.LayoutID(d.newID())
	d.layouts[id] = l
	return id, nil
}

func (d *Device) destroyLayout(l *layout) {
	if l.pipeline != nil {
		d.dev.DestroyPipelineLayout(l.pipeline)
	}
	if l.push != nil {
		d.dev.DestroyBindGroupLayout(l.push)
	}
	if l.group != nil {
		d.dev.DestroyBindGroupLayout(l.group)
	}
}

// DestroyLayout implements gpucore.Device.
func (d *Device) DestroyLayout(id gpucore.LayoutID) {
	d.mu.Lock()
	l, ok := d.layouts[id]
	delete(d.layouts, id)
	d.mu.Unlock()
	if ok {
		d.destroyLayout(l)
	}
}

// CreatePipeline implements gpucore.Device. WGSL sources are specialized
// to the requested local size; SPIR-V is used as given.
func (d *Device) CreatePipeline(desc *gpucore.PipelineDescriptor) (gpucore.PipelineID, error) {
	local := desc.LocalSize
	if local[0] == 0 || local[1] == 0 || local[2] == 0 {
		return gpucore.InvalidID, fmt.Errorf("halgpu: zero local size %v", local)
	}
	if local[0]*local[1]*local[2] > d.limits.MaxWorkgroupInvocations {
		return gpucore.InvalidID, fmt.Errorf("halgpu: local size %v exceeds %d invocations",
			local, d.limits.MaxWorkgroupInvocations)
	}

	d.mu.Lock()
	mod, okMod := d.modules[desc.Module]
	l, okLayout := d.layouts[desc.Layout]
	d.mu.Unlock()
	if !okMod {
		return gpucore.InvalidID, fmt.Errorf("%w: shader module %d", gpucore.ErrInvalidHandle, desc.Module)
	}
	if !okLayout {
		return gpucore.InvalidID, fmt.Errorf("%w: layout %d", gpucore.ErrInvalidHandle, desc.Layout)
	}

	source := hal.ShaderSource{SPIRV: mod.source.SPIRV}
	if mod.source.WGSL != "" {
		wgsl, err := SpecializeWorkgroupSize(mod.source.WGSL, local)
		if err != nil {
			return gpucore.InvalidID, fmt.Errorf("halgpu: module %q: %w", mod.label, err)
		}
		source = hal.ShaderSource{WGSL: wgsl}
	} else {
		logging.Logger().Debug("halgpu: SPIR-V module keeps its own local size", "module", mod.label, "local", local)
	}

	shader, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: mod.label, Source: source})
	if err != nil {
		return gpucore.InvalidID, gpucore.Check("CreateShaderModule", err)
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	raw, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  l.pipeline,
		Compute: hal.ComputeState{Module: shader, EntryPoint: entry},
	})
	if err != nil {
		d.dev.DestroyShaderModule(shader)
		return gpucore.InvalidID, gpucore.Check("CreateComputePipeline", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = &pipeline{raw: raw, shader: shader, layout: l, local: local}
	return id, nil
}

// DestroyPipeline implements gpucore.Device.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		d.dev.DestroyComputePipeline(p.raw)
		d.dev.DestroyShaderModule(p.shader)
	}
}

// CreateDescriptorSet implements gpucore.Device.
func (d *Device) CreateDescriptorSet(desc *gpucore.DescriptorSetDescriptor) (gpucore.DescriptorSetID, error) {
	d.mu.Lock()
	l, ok := d.layouts[desc.Layout]
	if !ok {
		d.mu.Unlock()
		return gpucore.InvalidID, fmt.Errorf("%w: layout %d", gpucore.ErrInvalidHandle, desc.Layout)
	}
	declared := make(map[uint32]bool, len(l.desc.Bindings))
	for _, b := range l.desc.Bindings {
		declared[b.Binding] = true
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(desc.Writes))
	for _, w := range desc.Writes {
		if !declared[w.Binding] {
			d.mu.Unlock()
			return gpucore.InvalidID, fmt.Errorf("halgpu: binding %d not in layout %q", w.Binding, l.desc.Label)
		}
		b, ok := d.memory[w.Memory]
		if !ok {
			d.mu.Unlock()
			return gpucore.InvalidID, fmt.Errorf("%w: memory %d at binding %d", gpucore.ErrInvalidHandle, w.Memory, w.Binding)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  w.Binding,
			Resource: gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: w.Offset, Size: w.Size},
		})
	}
	d.mu.Unlock()

	group, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{Label: desc.Label, Layout: l.group, Entries: entries})
	if err != nil {
		return gpucore.InvalidID, gpucore.Check("CreateBindGroup", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.DescriptorSetID(d.newID())
	d.sets[id] = &descriptorSet{group: group, layout: l}
	return id, nil
}

// DestroyDescriptorSet implements gpucore.Device.
func (d *Device) DestroyDescriptorSet(id gpucore.DescriptorSetID) {
	d.mu.Lock()
	s, ok := d.sets[id]
	delete(d.sets, id)
	d.mu.Unlock()
	if ok {
		d.dev.DestroyBindGroup(s.group)
	}
}

// BeginCommands implements gpucore.Device.
func (d *Device) BeginCommands(label string) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, gpucore.ErrDeviceClosed
	}
	return &encoder{dev: d, label: label}, nil
}

// FreeCommandBuffer implements gpucore.Device.
func (d *Device) FreeCommandBuffer(c gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.commands, c)
}

// Submit implements gpucore.Device. Work is queued for the executor.
func (d *Device) Submit(info *gpucore.SubmitInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	if d.lost != nil {
		return d.lost
	}
	for _, c := range info.Commands {
		if _, ok := d.commands[c]; !ok {
			return fmt.Errorf("%w: command buffer %d", gpucore.ErrInvalidHandle, c)
		}
	}
	for _, w := range info.Waits {
		if _, ok := d.semaphores[w.Semaphore]; !ok {
			return fmt.Errorf("%w: wait semaphore %d", gpucore.ErrInvalidHandle, w.Semaphore)
		}
	}
	for _, s := range info.Signals {
		if _, ok := d.semaphores[s.Semaphore]; !ok {
			return fmt.Errorf("%w: signal semaphore %d", gpucore.ErrInvalidHandle, s.Semaphore)
		}
	}
	if info.Fence != gpucore.InvalidID {
		f, ok := d.fences[info.Fence]
		if !ok {
			return fmt.Errorf("%w: fence %d", gpucore.ErrInvalidHandle, info.Fence)
		}
		f.signaled = false
	}

	cp := *info
	cp.Commands = append([]gpucore.CommandBufferID(nil), info.Commands...)
	cp.Waits = append([]gpucore.SemaphoreValue(nil), info.Waits...)
	cp.Signals = append([]gpucore.SemaphoreValue(nil), info.Signals...)
	d.pending = append(d.pending, &cp)
	d.cond.Broadcast()
	return nil
}

// CreateFence implements gpucore.Device.
func (d *Device) CreateFence() (gpucore.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.FenceID(d.newID())
	d.fences[id] = &fence{}
	return id, nil
}

// FenceSignaled implements gpucore.Device.
func (d *Device) FenceSignaled(f gpucore.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc, ok := d.fences[f]
	if !ok {
		return false, fmt.Errorf("%w: fence %d", gpucore.ErrInvalidHandle, f)
	}
	return fc.signaled, d.lost
}

// WaitFence implements gpucore.Device.
func (d *Device) WaitFence(f gpucore.FenceID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc, ok := d.fences[f]
	if !ok {
		return false, fmt.Errorf("%w: fence %d", gpucore.ErrInvalidHandle, f)
	}
	return d.waitLocked(func() bool { return fc.signaled }, timeout)
}

// ResetFence implements gpucore.Device.
func (d *Device) ResetFence(f gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc, ok := d.fences[f]
	if !ok {
		return fmt.Errorf("%w: fence %d", gpucore.ErrInvalidHandle, f)
	}
	fc.signaled = false
	return nil
}

// DestroyFence implements gpucore.Device.
func (d *Device) DestroyFence(f gpucore.FenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, f)
}

// CreateSemaphore implements gpucore.Device.
func (d *Device) CreateSemaphore(kind gpucore.SemaphoreKind, initial uint64) (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{kind: kind, value: initial}
	return id, nil
}

// SemaphoreValue implements gpucore.Device.
func (d *Device) SemaphoreValue(s gpucore.SemaphoreID) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.semaphores[s]
	if !ok {
		return 0, fmt.Errorf("%w: semaphore %d", gpucore.ErrInvalidHandle, s)
	}
	return sem.value, nil
}

// WaitSemaphore implements gpucore.Device.
func (d *Device) WaitSemaphore(s gpucore.SemaphoreID, value uint64, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.semaphores[s]
	if !ok {
		return false, fmt.Errorf("%w: semaphore %d", gpucore.ErrInvalidHandle, s)
	}
	if sem.kind != gpucore.SemaphoreTimeline {
		return false, fmt.Errorf("%w: host wait on binary semaphore", gpucore.ErrUnsupported)
	}
	return d.waitLocked(func() bool { return sem.value >= value }, timeout)
}

// SignalSemaphore implements gpucore.Device.
func (d *Device) SignalSemaphore(s gpucore.SemaphoreID, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.semaphores[s]
	if !ok {
		return fmt.Errorf("%w: semaphore %d", gpucore.ErrInvalidHandle, s)
	}
	if sem.kind != gpucore.SemaphoreTimeline {
		return fmt.Errorf("%w: host signal on binary semaphore", gpucore.ErrUnsupported)
	}
	if value <= sem.value {
		return fmt.Errorf("halgpu: timeline signal %d not above current value %d", value, sem.value)
	}
	sem.value = value
	d.cond.Broadcast()
	return nil
}

// DestroySemaphore implements gpucore.Device.
func (d *Device) DestroySemaphore(s gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, s)
}

// WaitIdle implements gpucore.Device.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	for (len(d.pending) > 0 || d.inflight > 0) && !d.closed {
		d.cond.Wait()
	}
	lost := d.lost
	d.mu.Unlock()
	if lost != nil {
		return lost
	}

	d.halMu.Lock()
	defer d.halMu.Unlock()
	return gpucore.Check("WaitIdle", d.dev.WaitIdle())
}

// Close implements gpucore.Device. Objects still alive are destroyed
// with the device.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done

	d.halMu.Lock()
	defer d.halMu.Unlock()
	if err := d.dev.WaitIdle(); err != nil {
		logging.Logger().Warn("halgpu: wait idle on close", "err", err)
	}

	d.mu.Lock()
	if n := len(d.memory) + len(d.sets) + len(d.pipelines) + len(d.layouts); n > 0 {
		logging.Logger().Debug("halgpu: device closed with live objects", "count", n)
	}
	for id, s := range d.sets {
		d.dev.DestroyBindGroup(s.group)
		delete(d.sets, id)
	}
	for id, p := range d.pipelines {
		d.dev.DestroyComputePipeline(p.raw)
		d.dev.DestroyShaderModule(p.shader)
		delete(d.pipelines, id)
	}
	for id, l := range d.layouts {
		d.destroyLayout(l)
		delete(d.layouts, id)
	}
	for id, b := range d.memory {
		d.dev.DestroyBuffer(b.raw)
		delete(d.memory, id)
	}
	d.mu.Unlock()

	if d.owned {
		d.dev.Destroy()
		d.adapter.Destroy()
		d.instance.Destroy()
	}
}

// waitLocked blocks on cond until ready reports true or the timeout
// expires. d.mu must be held.
func (d *Device) waitLocked(ready func() bool, timeout time.Duration) (bool, error) {
	if ready() {
		return true, nil
	}
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	for !ready() {
		if d.closed {
			return false, gpucore.ErrDeviceClosed
		}
		if d.lost != nil {
			return false, d.lost
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		d.cond.Wait()
	}
	return true, nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
