// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpugraph/gpucore"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d := New(Config{})
	t.Cleanup(d.Close)
	return d
}

func mustAlloc(t *testing.T, d *Device, size uint64) gpucore.MemoryID {
	t.Helper()
	m, err := d.AllocateMemory(size, gpucore.MemoryDeviceLocal, 0)
	if err != nil {
		t.Fatalf("AllocateMemory(%d) error = %v", size, err)
	}
	return m
}

// counterPipeline builds a pipeline whose shader increments element
// x + y*width of binding 0 for every invocation, offset applied.
func counterPipeline(t *testing.T, d *Device, width uint32, local [3]uint32) (gpucore.PipelineID, gpucore.LayoutID) {
	t.Helper()
	d.RegisterShader("count", func(inv *Invocation) {
		c := inv.Coord()
		i := int(c[0] + c[1]*width)
		inv.SetUint32(0, i, inv.Uint32(0, i)+1)
	})
	mod, err := d.CreateShaderModule(&gpucore.ShaderModuleDescriptor{Label: "count", Source: gpucore.ShaderSource{Host: "count"}})
	if err != nil {
		t.Fatalf("CreateShaderModule() error = %v", err)
	}
	layout, err := d.CreateLayout(&gpucore.LayoutDescriptor{
		Label:            "count",
		Bindings:         []gpucore.LayoutBinding{{Binding: 0, Type: gpucore.BindingStorageBuffer}},
		PushConstantSize: 16,
	})
	if err != nil {
		t.Fatalf("CreateLayout() error = %v", err)
	}
	p, err := d.CreatePipeline(&gpucore.PipelineDescriptor{Layout: layout, Module: mod, EntryPoint: "main", LocalSize: local})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	return p, layout
}

// =============================================================================
// Memory
// =============================================================================

func TestMemoryReadWrite(t *testing.T) {
	d := newTestDevice(t)
	m := mustAlloc(t, d, 16)

	if err := d.WriteMemory(m, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemory() error = %v", err)
	}
	got := make([]byte, 8)
	if err := d.ReadMemory(m, 0, got); err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if want := []byte{0, 0, 0, 0, 1, 2, 3, 4}; string(got) != string(want) {
		t.Errorf("ReadMemory() = %v, want %v", got, want)
	}

	if err := d.WriteMemory(m, 14, []byte{1, 2, 3}); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("WriteMemory() past end error = %v, want ErrOutOfRange", err)
	}

	d.FreeMemory(m)
	if err := d.ReadMemory(m, 0, got); !errors.Is(err, gpucore.ErrInvalidHandle) {
		t.Errorf("ReadMemory() after free error = %v, want ErrInvalidHandle", err)
	}
	if s := d.Stats(); s.Allocations != 1 || s.Frees != 1 {
		t.Errorf("Stats() = %+v, want 1 allocation and 1 free", s)
	}
}

func TestMemoryTypeMismatch(t *testing.T) {
	d := newTestDevice(t)
	if _, err := d.AllocateMemory(16, gpucore.MemoryHostVisible, 0); err == nil {
		t.Error("AllocateMemory(HostVisible, type 0) should fail")
	}
}

func TestMemoryLimit(t *testing.T) {
	d := New(Config{MemoryLimit: 64})
	defer d.Close()

	m, err := d.AllocateMemory(48, gpucore.MemoryDeviceLocal, 0)
	if err != nil {
		t.Fatalf("AllocateMemory() error = %v", err)
	}
	if _, err := d.AllocateMemory(32, gpucore.MemoryDeviceLocal, 0); !errors.Is(err, gpucore.ErrOutOfMemory) {
		t.Errorf("AllocateMemory() over limit error = %v, want ErrOutOfMemory", err)
	}
	d.FreeMemory(m)
	if _, err := d.AllocateMemory(32, gpucore.MemoryDeviceLocal, 0); err != nil {
		t.Errorf("AllocateMemory() after free error = %v", err)
	}
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatchWithOffset(t *testing.T) {
	d := newTestDevice(t)
	const width = 8
	p, layout := counterPipeline(t, d, width, [3]uint32{4, 2, 1})
	m := mustAlloc(t, d, width*4*4)

	set, err := d.CreateDescriptorSet(&gpucore.DescriptorSetDescriptor{
		Layout: layout,
		Writes: []gpucore.DescriptorWrite{{Binding: 0, Memory: m}},
	})
	if err != nil {
		t.Fatalf("CreateDescriptorSet() error = %v", err)
	}

	enc, err := d.BeginCommands("dispatch")
	if err != nil {
		t.Fatalf("BeginCommands() error = %v", err)
	}
	enc.BindPipeline(p)
	enc.BindDescriptorSet(set)
	// 8x2 block starting at row 2.
	offset := make([]byte, 16)
	binary.LittleEndian.PutUint32(offset[4:], 2)
	enc.PushConstants(0, offset)
	enc.Dispatch(2, 1, 1)
	cb, err := enc.End()
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}

	if err := d.Submit(&gpucore.SubmitInfo{Commands: []gpucore.CommandBufferID{cb}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	out := make([]byte, width*4*4)
	if err := d.ReadMemory(m, 0, out); err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	for y := range 4 {
		for x := range width {
			got := binary.LittleEndian.Uint32(out[(y*width+x)*4:])
			want := uint32(0)
			if y == 2 || y == 3 {
				want = 1
			}
			if got != want {
				t.Errorf("cell (%d,%d) = %d, want %d", x, y, got, want)
			}
		}
	}
	if s := d.Stats(); s.Dispatches != 1 || s.Invocations != 16 {
		t.Errorf("Stats() = %+v, want 1 dispatch of 16 invocations", s)
	}
}

func TestEncoderErrors(t *testing.T) {
	d := newTestDevice(t)

	enc, _ := d.BeginCommands("bad")
	enc.Dispatch(1, 1, 1)
	if _, err := enc.End(); err == nil {
		t.Error("End() after dispatch without pipeline should fail")
	}
	if _, err := enc.End(); err == nil {
		t.Error("second End() should fail")
	}

	enc, _ = d.BeginCommands("push")
	enc.PushConstants(250, make([]byte, 16))
	if _, err := enc.End(); err == nil {
		t.Error("End() after out-of-range push should fail")
	}
}

func TestCopyAndFill(t *testing.T) {
	d := newTestDevice(t)
	src := mustAlloc(t, d, 16)
	dst := mustAlloc(t, d, 16)

	enc, _ := d.BeginCommands("copy")
	enc.FillMemory(src, 0, 16, 0xAABBCCDD)
	enc.CopyMemory(src, dst, gpucore.MemoryCopy{SrcOffset: 4, DstOffset: 8, Size: 8})
	cb, err := enc.End()
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := d.Submit(&gpucore.SubmitInfo{Commands: []gpucore.CommandBufferID{cb}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	out := make([]byte, 16)
	_ = d.ReadMemory(dst, 0, out)
	if binary.LittleEndian.Uint32(out[0:]) != 0 || binary.LittleEndian.Uint32(out[8:]) != 0xAABBCCDD {
		t.Errorf("dst = %x, want zeros then fill pattern", out)
	}
}

// =============================================================================
// Synchronization
// =============================================================================

func TestTimelineOrdering(t *testing.T) {
	d := newTestDevice(t)
	tl, err := d.CreateSemaphore(gpucore.SemaphoreTimeline, 0)
	if err != nil {
		t.Fatalf("CreateSemaphore() error = %v", err)
	}

	// Blocked on value 1, which only the host provides.
	err = d.Submit(&gpucore.SubmitInfo{
		Waits:   []gpucore.SemaphoreValue{{Semaphore: tl, Value: 1}},
		Signals: []gpucore.SemaphoreValue{{Semaphore: tl, Value: 2}},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ok, err := d.WaitSemaphore(tl, 2, 20*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("WaitSemaphore() = (%v, %v), want timeout", ok, err)
	}

	if err := d.SignalSemaphore(tl, 1); err != nil {
		t.Fatalf("SignalSemaphore() error = %v", err)
	}
	ok, err = d.WaitSemaphore(tl, 2, time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitSemaphore() = (%v, %v), want reached", ok, err)
	}

	if err := d.SignalSemaphore(tl, 2); err == nil {
		t.Error("SignalSemaphore() not above current value should fail")
	}
}

func TestBinarySemaphoreHandoff(t *testing.T) {
	d := newTestDevice(t)
	bin, _ := d.CreateSemaphore(gpucore.SemaphoreBinary, 0)
	f1, _ := d.CreateFence()
	f2, _ := d.CreateFence()

	if err := d.Submit(&gpucore.SubmitInfo{Signals: []gpucore.SemaphoreValue{{Semaphore: bin}}, Fence: f1}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.Submit(&gpucore.SubmitInfo{Waits: []gpucore.SemaphoreValue{{Semaphore: bin}}, Fence: f2}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ok, err := d.WaitFence(f2, time.Second); err != nil || !ok {
		t.Fatalf("WaitFence() = (%v, %v), want signaled", ok, err)
	}
	if v, _ := d.SemaphoreValue(bin); v != 0 {
		t.Errorf("binary semaphore value after wait = %d, want 0 (consumed)", v)
	}
}

func TestFenceResetAndTimeout(t *testing.T) {
	d := newTestDevice(t)
	f, _ := d.CreateFence()

	ok, err := d.WaitFence(f, 10*time.Millisecond)
	if err != nil || ok {
		t.Errorf("WaitFence() on unsignaled fence = (%v, %v), want timeout", ok, err)
	}

	_ = d.Submit(&gpucore.SubmitInfo{Fence: f})
	if ok, _ := d.WaitFence(f, time.Second); !ok {
		t.Fatal("WaitFence() after submit = false, want true")
	}
	if err := d.ResetFence(f); err != nil {
		t.Fatalf("ResetFence() error = %v", err)
	}
	if signaled, _ := d.FenceSignaled(f); signaled {
		t.Error("FenceSignaled() after reset = true, want false")
	}
}

func TestCloseAbandonsBlockedWork(t *testing.T) {
	d := New(Config{})
	tl, _ := d.CreateSemaphore(gpucore.SemaphoreTimeline, 0)
	_ = d.Submit(&gpucore.SubmitInfo{Waits: []gpucore.SemaphoreValue{{Semaphore: tl, Value: 5}}})

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() blocked on unsatisfiable wait")
	}
	if err := d.Submit(&gpucore.SubmitInfo{}); !errors.Is(err, gpucore.ErrDeviceClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrDeviceClosed", err)
	}
}
