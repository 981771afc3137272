// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpugraph/backend"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

func init() {
	backend.Register(backend.BackendSoftware, func() (gpucore.Device, error) {
		return New(Config{}), nil
	})
}

// Config configures a software Device.
type Config struct {
	// Name overrides the reported device name.
	Name string

	// MemoryLimit caps the total allocated bytes. Zero means unlimited.
	MemoryLimit uint64

	// Limits overrides the reported limits. Zero value uses defaults.
	Limits gpucore.Limits
}

// Stats counts device activity.
type Stats struct {
	Allocations uint64
	Frees       uint64
	Submits     uint64
	Dispatches  uint64
	Invocations uint64
	Barriers    uint64
}

// memoryTypes is the fixed memory type table of the software device.
var memoryTypes = []gpucore.MemoryType{
	{Properties: gpucore.MemoryDeviceLocal},
	{Properties: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
	{Properties: gpucore.MemoryDeviceLocal | gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent},
	{Properties: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent | gpucore.MemoryHostCached},
}

type allocation struct {
	data  []byte
	props gpucore.MemoryProperty
}

type module struct {
	name string
	fn   ShaderFunc
}

type pipeline struct {
	fn     ShaderFunc
	local  [3]uint32
	layout gpucore.LayoutID
}

type fence struct {
	signaled bool
}

type semaphore struct {
	kind  gpucore.SemaphoreKind
	value uint64
}

// Device is a CPU implementation of gpucore.Device.
//
// Submissions are executed in FIFO order by a single executor goroutine
// that honours semaphore waits and signals, so ordering behaves like a
// single hardware queue. Kernels are Go functions registered by name with
// RegisterShader and invoked once per global invocation.
//
// Device is safe for concurrent use except Submit, which callers serialize.
type Device struct {
	name   string
	limits gpucore.Limits
	memCap uint64

	nextID atomic.Uint64

	// mu guards every object table and the submission queue.
	mu   sync.Mutex
	cond *sync.Cond

	// dataMu serializes access to allocation bytes between the executor
	// and host reads and writes.
	dataMu sync.Mutex

	shaders    map[string]ShaderFunc
	memory     map[gpucore.MemoryID]*allocation
	modules    map[gpucore.ShaderModuleID]*module
	layouts    map[gpucore.LayoutID]*gpucore.LayoutDescriptor
	pipelines  map[gpucore.PipelineID]*pipeline
	sets       map[gpucore.DescriptorSetID]*gpucore.DescriptorSetDescriptor
	commands   map[gpucore.CommandBufferID][]op
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]*semaphore

	allocated uint64
	pending   []*gpucore.SubmitInfo
	inflight  int
	closed    bool
	lost      error

	stats Stats
	done  chan struct{}
}

// New creates a software device and starts its executor.
func New(cfg Config) *Device {
	name := cfg.Name
	if name == "" {
		name = "gpugraph software device"
	}
	limits := cfg.Limits
	if limits == (gpucore.Limits{}) {
		limits = gpucore.DefaultLimits()
	}
	d := &Device{
		name:       name,
		limits:     limits,
		memCap:     cfg.MemoryLimit,
		shaders:    make(map[string]ShaderFunc),
		memory:     make(map[gpucore.MemoryID]*allocation),
		modules:    make(map[gpucore.ShaderModuleID]*module),
		layouts:    make(map[gpucore.LayoutID]*gpucore.LayoutDescriptor),
		pipelines:  make(map[gpucore.PipelineID]*pipeline),
		sets:       make(map[gpucore.DescriptorSetID]*gpucore.DescriptorSetDescriptor),
		commands:   make(map[gpucore.CommandBufferID][]op),
		fences:     make(map[gpucore.FenceID]*fence),
		semaphores: make(map[gpucore.SemaphoreID]*semaphore),
		done:       make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.executor()
	return d
}

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// RegisterShader makes fn available to shader modules whose source names
// it in ShaderSource.Host.
func (d *Device) RegisterShader(name string, fn ShaderFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shaders[name] = fn
}

// Stats returns a snapshot of the activity counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// LiveObjects returns the number of objects not yet destroyed, excluding
// registered shaders. Tests use it to check for leaks.
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

// AllocateMemory implements gpucore.Device.
func (d *Device) AllocateMemory(size uint64, props gpucore.MemoryProperty, typeIndex uint32) (gpucore.MemoryID, error) {
	if size == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: zero-size allocation")
	}
	if int(typeIndex) >= len(memoryTypes) || !memoryTypes[typeIndex].Properties.Has(props) {
		return gpucore.InvalidID, fmt.Errorf("software: memory type %d does not provide %v", typeIndex, props)
	}
	if size > d.limits.MaxAllocationSize {
		return gpucore.InvalidID, gpucore.ErrOutOfMemory
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	if d.memCap > 0 && d.allocated+size > d.memCap {
		return gpucore.InvalidID, gpucore.ErrOutOfMemory
	}

	id := gpucore.MemoryID(d.newID())
	d.memory[id] = &allocation{data: make([]byte, size), props: props}
	d.allocated += size
	d.stats.Allocations++
	return id, nil
}

// FreeMemory implements gpucore.Device.
func (d *Device) FreeMemory(m gpucore.MemoryID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.memory[m]
	if !ok {
		return
	}
	d.allocated -= uint64(len(a.data))
	delete(d.memory, m)
	d.stats.Frees++
}

func (d *Device) bytesOf(m gpucore.MemoryID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.memory[m]
	if !ok {
		return nil, fmt.Errorf("%w: memory %d", gpucore.ErrInvalidHandle, m)
	}
	return a.data, nil
}

// WriteMemory implements gpucore.Device.
func (d *Device) WriteMemory(m gpucore.MemoryID, offset uint64, data []byte) error {
	buf, err := d.bytesOf(m)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > uint64(len(buf)) {
		return gpucore.ErrOutOfRange
	}
	d.dataMu.Lock()
	copy(buf[offset:], data)
	d.dataMu.Unlock()
	return nil
}

// ReadMemory implements gpucore.Device.
func (d *Device) ReadMemory(m gpucore.MemoryID, offset uint64, dst []byte) error {
	buf, err := d.bytesOf(m)
	if err != nil {
		return err
	}
	if offset+uint64(len(dst)) > uint64(len(buf)) {
		return gpucore.ErrOutOfRange
	}
	d.dataMu.Lock()
	copy(dst, buf[offset:])
	d.dataMu.Unlock()
	return nil
}

// CreateShaderModule implements gpucore.Device. Only host shaders are
// supported.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDescriptor) (gpucore.ShaderModuleID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fn, ok := d.shaders[desc.Source.Host]
	if desc.Source.Host == "" || !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: no host shader %q for module %q",
			gpucore.ErrUnsupported, desc.Source.Host, desc.Label)
	}
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = &module{name: desc.Source.Host, fn: fn}
	return id, nil
}

// DestroyShaderModule implements gpucore.Device.
func (d *Device) DestroyShaderModule(m gpucore.ShaderModuleID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, m)
}

// CreateLayout implements gpucore.Device.
func (d *Device) CreateLayout(desc *gpucore.LayoutDescriptor) (gpucore.LayoutID, error) {
	if desc.PushConstantSize > d.limits.MaxPushConstantSize {
		return gpucore.InvalidID, fmt.Errorf("software: push constant block %d exceeds limit %d",
			desc.PushConstantSize, d.limits.MaxPushConstantSize)
	}
	cp := *desc
	cp.Bindings = append([]gpucore.LayoutBinding(nil), desc.Bindings...)

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.LayoutID(d.newID())
	d.layouts[id] = &cp
	return id, nil
}

// DestroyLayout implements gpucore.Device.
func (d *Device) DestroyLayout(l gpucore.LayoutID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.layouts, l)
}

// CreatePipeline implements gpucore.Device.
func (d *Device) CreatePipeline(desc *gpucore.PipelineDescriptor) (gpucore.PipelineID, error) {
	local := desc.LocalSize
	if local[0] == 0 || local[1] == 0 || local[2] == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: zero local size %v", local)
	}
	if local[0]*local[1]*local[2] > d.limits.MaxWorkgroupInvocations {
		return gpucore.InvalidID, fmt.Errorf("software: local size %v exceeds %d invocations",
			local, d.limits.MaxWorkgroupInvocations)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mod, ok := d.modules[desc.Module]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: shader module %d", gpucore.ErrInvalidHandle, desc.Module)
	}
	if _, ok := d.layouts[desc.Layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: layout %d", gpucore.ErrInvalidHandle, desc.Layout)
	}
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = &pipeline{fn: mod.fn, local: local, layout: desc.Layout}
	return id, nil
}

// DestroyPipeline implements gpucore.Device.
func (d *Device) DestroyPipeline(p gpucore.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, p)
}

// CreateDescriptorSet implements gpucore.Device.
func (d *Device) CreateDescriptorSet(desc *gpucore.DescriptorSetDescriptor) (gpucore.DescriptorSetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	layout, ok := d.layouts[desc.Layout]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: layout %d", gpucore.ErrInvalidHandle, desc.Layout)
	}
	declared := make(map[uint32]bool, len(layout.Bindings))
	for _, b := range layout.Bindings {
		declared[b.Binding] = true
	}
	for _, w := range desc.Writes {
		if !declared[w.Binding] {
			return gpucore.InvalidID, fmt.Errorf("software: binding %d not in layout %q", w.Binding, layout.Label)
		}
		if _, ok := d.memory[w.Memory]; !ok {
			return gpucore.InvalidID, fmt.Errorf("%w: memory %d at binding %d", gpucore.ErrInvalidHandle, w.Memory, w.Binding)
		}
	}

	cp := *desc
	cp.Writes = append([]gpucore.DescriptorWrite(nil), desc.Writes...)
	id := gpucore.DescriptorSetID(d.newID())
	d.sets[id] = &cp
	return id, nil
}

// DestroyDescriptorSet implements gpucore.Device.
func (d *Device) DestroyDescriptorSet(s gpucore.DescriptorSetID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sets, s)
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

// Submit implements gpucore.Device. Work is queued for the executor; the
// call does not wait for execution.
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
	d.stats.Submits++
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
	return fc.signaled, nil
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
		return fmt.Errorf("software: timeline signal %d not above current value %d", value, sem.value)
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
	defer d.mu.Unlock()
	for (len(d.pending) > 0 || d.inflight > 0) && !d.closed {
		d.cond.Wait()
	}
	return d.lost
}

// Close implements gpucore.Device. Queued work that is blocked on a
// semaphore that will never be signaled is abandoned.
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

	if n := d.LiveObjects(); n > 0 {
		logging.Logger().Debug("software: device closed with live objects", "count", n)
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
		if !time.Now().Before(deadline) {
			return false, nil
		}
		d.cond.Wait()
	}
	return true, nil
}
