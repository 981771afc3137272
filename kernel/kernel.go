package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/memory"
)

// Kernel errors.
var (
	// ErrUnknownBinding is returned when binding a slot the shader does not
	// declare.
	ErrUnknownBinding = errors.New("kernel: unknown binding")

	// ErrUnbound is returned when dispatching with a declared binding left
	// empty.
	ErrUnbound = errors.New("kernel: binding not bound")

	// ErrLimits is returned when a shader exceeds the device limits.
	ErrLimits = errors.New("kernel: exceeds device limits")

	// ErrClosed is returned when using a closed kernel.
	ErrClosed = errors.New("kernel: closed")
)

// Kernel is one compute shader dispatch unit: a shader, its pipeline
// variants, the resources bound to it and its parameters.
//
// Pipelines are created lazily, one per distinct local size a dispatch
// needs. The descriptor set is rebuilt rather than updated when bindings
// change; a replaced set stays alive until every command buffer that used
// it has been released.
//
// Kernel is safe for concurrent use, but recording a dispatch into a
// command buffer is not atomic with respect to other callers binding
// resources.
type Kernel struct {
	mu     sync.Mutex
	name   string
	dev    gpucore.Device
	shader *Shader
	layout gpucore.LayoutID
	local  [3]uint32
	entry  string

	declared map[uint32]gpucore.BindingType
	variants map[[3]uint32]gpucore.PipelineID

	args        map[uint32]memory.Resource
	argsChanged bool
	set         gpucore.DescriptorSetID

	params   ParamSet
	pushSize uint32
	push     []byte

	setMu   sync.Mutex
	setRefs map[gpucore.DescriptorSetID]int
	retired map[gpucore.DescriptorSetID]bool

	closed bool
}

// New creates a kernel for shader and takes ownership of the caller's
// reference to it.
func New(dev gpucore.Device, shader *Shader) (*Kernel, error) {
	l := shader.Layout
	limits := dev.Limits()
	inv := uint64(l.LocalSize[0]) * uint64(l.LocalSize[1]) * uint64(l.LocalSize[2])
	for i, v := range l.LocalSize {
		if v > limits.MaxWorkgroupSize[i] {
			shader.Release()
			return nil, fmt.Errorf("%w: %s local_size[%d] = %d > %d", ErrLimits, shader.Name, i, v, limits.MaxWorkgroupSize[i])
		}
	}
	if inv > uint64(limits.MaxWorkgroupInvocations) {
		shader.Release()
		return nil, fmt.Errorf("%w: %s has %d invocations per workgroup", ErrLimits, shader.Name, inv)
	}

	params, pushSize, err := NewParamSet(l.Params)
	if err != nil {
		shader.Release()
		return nil, fmt.Errorf("kernel %q: %w", shader.Name, err)
	}
	if pushSize > limits.MaxPushConstantSize {
		shader.Release()
		return nil, fmt.Errorf("%w: %s needs %d bytes of push constants", ErrLimits, shader.Name, pushSize)
	}

	declared := make(map[uint32]gpucore.BindingType, len(l.Bindings))
	desc := &gpucore.LayoutDescriptor{Label: shader.Name, PushConstantSize: pushSize}
	for _, b := range l.Bindings {
		typ, _ := gpucore.ParseBindingType(b.Type) // checked by Layout.validate
		declared[b.Binding] = typ
		desc.Bindings = append(desc.Bindings, gpucore.LayoutBinding{Binding: b.Binding, Type: typ})
	}
	layout, err := dev.CreateLayout(desc)
	if err != nil {
		shader.Release()
		return nil, gpucore.Check("CreateLayout", err)
	}

	return &Kernel{
		name:     shader.Name,
		dev:      dev,
		shader:   shader,
		layout:   layout,
		local:    l.LocalSize,
		entry:    l.Entry,
		declared: declared,
		variants: make(map[[3]uint32]gpucore.PipelineID),
		args:     make(map[uint32]memory.Resource),
		params:   params,
		pushSize: pushSize,
		push:     make([]byte, pushSize),
		setRefs:  make(map[gpucore.DescriptorSetID]int),
		retired:  make(map[gpucore.DescriptorSetID]bool),
	}, nil
}

// Open loads the named shader from cache and creates a kernel for it.
func Open(dev gpucore.Device, cache *ShaderCache, name string) (*Kernel, error) {
	s, err := cache.Load(name)
	if err != nil {
		return nil, err
	}
	return New(dev, s)
}

// Name returns the shader name.
func (k *Kernel) Name() string { return k.name }

// LocalSize returns the compile-time workgroup size.
func (k *Kernel) LocalSize() [3]uint32 { return k.local }

// Bind attaches r to a declared binding slot. Rebinding the same
// resource is a no-op.
func (k *Kernel) Bind(binding uint32, r memory.Resource) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if _, ok := k.declared[binding]; !ok {
		return fmt.Errorf("%w: %s binding %d", ErrUnknownBinding, k.name, binding)
	}
	if cur, ok := k.args[binding]; ok && cur == r {
		return nil
	}
	k.args[binding] = r
	k.argsChanged = true
	return nil
}

// Arg returns the resource bound at a slot.
func (k *Kernel) Arg(binding uint32) (memory.Resource, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.args[binding]
	return r, ok
}

// SetParam stores a parameter value.
func (k *Kernel) SetParam(name string, v any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.params.Set(name, v)
}

// Param returns a parameter value.
func (k *Kernel) Param(name string) (any, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.params.Get(name)
}

// Params returns the live parameter set. Callers holding it across
// dispatches must not modify it concurrently with Dispatch.
func (k *Kernel) Params() ParamSet { return k.params }

// ApplyParams copies same-named parameter values from src.
func (k *Kernel) ApplyParams(src ParamSet) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.params.CopyFrom(src)
}

// Variants returns the number of pipelines created so far.
func (k *Kernel) Variants() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.variants)
}

// Dispatch records a tiled dispatch over a global extent of gx*gy*gz
// invocations into rec, followed by one barrier over every bound resource.
func (k *Kernel) Dispatch(rec *command.Recorder, gx, gy, gz uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}

	if k.argsChanged || k.set == gpucore.InvalidID {
		if err := k.rebuildSetLocked(); err != nil {
			return err
		}
	}

	tiles := PlanDispatch([3]uint32{gx, gy, gz}, k.local)
	if len(tiles) == 0 {
		return nil
	}

	set := k.set
	k.retainSet(set)
	rec.OnRelease(func() { k.releaseSet(set) })

	k.params.Encode(k.push)
	for _, t := range tiles {
		p, err := k.variantLocked(t.Local)
		if err != nil {
			return err
		}
		rec.BindPipeline(p)
		rec.BindDescriptorSet(set)
		k.setOffset(t.Offset)
		rec.PushConstants(0, k.push)
		rec.Dispatch(t.Groups[0], t.Groups[1], t.Groups[2])
	}
	k.setOffset([3]uint32{})

	rec.PipelineBarrier(gpucore.Barrier{
		SrcStage:  gpucore.StageCompute,
		DstStage:  gpucore.StageCompute,
		SrcAccess: gpucore.AccessShaderRead | gpucore.AccessShaderWrite,
		DstAccess: gpucore.AccessShaderRead | gpucore.AccessShaderWrite,
		Memory:    k.argHandlesLocked(),
	})
	logging.Logger().Debug("kernel: dispatch", "kernel", k.name, "global", [3]uint32{gx, gy, gz}, "tiles", len(tiles))
	return nil
}

func (k *Kernel) setOffset(off [3]uint32) {
	binary.LittleEndian.PutUint32(k.push[0:], off[0])
	binary.LittleEndian.PutUint32(k.push[4:], off[1])
	binary.LittleEndian.PutUint32(k.push[8:], off[2])
	binary.LittleEndian.PutUint32(k.push[12:], 0)
}

func (k *Kernel) sortedBindings() []uint32 {
	out := make([]uint32, 0, len(k.declared))
	for b := range k.declared {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (k *Kernel) argHandlesLocked() []gpucore.MemoryID {
	out := make([]gpucore.MemoryID, 0, len(k.args))
	for _, b := range k.sortedBindings() {
		if r, ok := k.args[b]; ok {
			out = append(out, r.Handle())
		}
	}
	return out
}

// rebuildSetLocked creates a descriptor set from the current bindings.
// argsChanged is cleared only once the new set exists.
func (k *Kernel) rebuildSetLocked() error {
	desc := &gpucore.DescriptorSetDescriptor{Label: k.name, Layout: k.layout}
	for _, b := range k.sortedBindings() {
		r, ok := k.args[b]
		if !ok {
			return fmt.Errorf("%w: %s binding %d", ErrUnbound, k.name, b)
		}
		desc.Writes = append(desc.Writes, gpucore.DescriptorWrite{Binding: b, Memory: r.Handle(), Size: r.Size()})
	}
	set, err := k.dev.CreateDescriptorSet(desc)
	if err != nil {
		return gpucore.Check("CreateDescriptorSet", err)
	}
	if k.set != gpucore.InvalidID {
		k.retireSet(k.set)
	}
	k.set = set
	k.argsChanged = false
	return nil
}

func (k *Kernel) variantLocked(local [3]uint32) (gpucore.PipelineID, error) {
	if p, ok := k.variants[local]; ok {
		return p, nil
	}
	p, err := k.dev.CreatePipeline(&gpucore.PipelineDescriptor{
		Label:      fmt.Sprintf("%s%v", k.name, local),
		Layout:     k.layout,
		Module:     k.shader.Module(),
		EntryPoint: k.entry,
		LocalSize:  local,
	})
	if err != nil {
		return gpucore.InvalidID, gpucore.Check("CreatePipeline", err)
	}
	k.variants[local] = p
	logging.Logger().Debug("kernel: pipeline variant created", "kernel", k.name, "local_size", local)
	return p, nil
}

func (k *Kernel) retainSet(s gpucore.DescriptorSetID) {
	k.setMu.Lock()
	k.setRefs[s]++
	k.setMu.Unlock()
}

func (k *Kernel) releaseSet(s gpucore.DescriptorSetID) {
	k.setMu.Lock()
	defer k.setMu.Unlock()
	if k.setRefs[s] > 0 {
		k.setRefs[s]--
	}
	k.destroySetIfIdleLocked(s)
}

func (k *Kernel) retireSet(s gpucore.DescriptorSetID) {
	k.setMu.Lock()
	defer k.setMu.Unlock()
	k.retired[s] = true
	k.destroySetIfIdleLocked(s)
}

func (k *Kernel) destroySetIfIdleLocked(s gpucore.DescriptorSetID) {
	if k.retired[s] && k.setRefs[s] == 0 {
		k.dev.DestroyDescriptorSet(s)
		delete(k.retired, s)
		delete(k.setRefs, s)
	}
}

// LiveSets returns the number of descriptor sets not yet destroyed.
func (k *Kernel) LiveSets() int {
	k.mu.Lock()
	cur := k.set
	k.mu.Unlock()
	k.setMu.Lock()
	defer k.setMu.Unlock()
	n := len(k.retired)
	if cur != gpucore.InvalidID {
		n++
	}
	return n
}

// Close destroys the pipelines and layout and releases the shader. Work
// recorded with the kernel must have completed. The current descriptor set
// is destroyed once command buffers using it are released.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	if k.set != gpucore.InvalidID {
		k.retireSet(k.set)
		k.set = gpucore.InvalidID
	}
	for _, p := range k.variants {
		k.dev.DestroyPipeline(p)
	}
	k.variants = nil
	k.dev.DestroyLayout(k.layout)
	k.shader.Release()
	k.args = nil
}
