// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

// executor runs queued submissions in order until the device closes.
func (d *Device) executor() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.pending = nil
			d.mu.Unlock()
			return
		}

		sub := d.pending[0]
		d.pending = d.pending[1:]
		d.inflight++

		if !d.awaitLocked(sub.Waits) {
			d.inflight--
			d.cond.Broadcast()
			d.mu.Unlock()
			return
		}

		var err error
		var work []resolved
		if d.lost == nil {
			work, err = d.resolveLocked(sub.Commands)
		}
		d.mu.Unlock()

		if err == nil && len(work) > 0 {
			err = d.run(work)
		}

		d.mu.Lock()
		if err != nil && d.lost == nil {
			d.lost = fmt.Errorf("%w: %w", gpucore.ErrDeviceLost, err)
			logging.Logger().Warn("halgpu: submission failed", "err", err)
		}
		d.signalLocked(sub)
		d.inflight--
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// awaitLocked blocks until every wait is satisfied on the host. Binary
// semaphores are consumed. It reports false if the device closed while
// waiting.
func (d *Device) awaitLocked(waits []gpucore.SemaphoreValue) bool {
	for _, w := range waits {
		sem, ok := d.semaphores[w.Semaphore]
		if !ok {
			continue
		}
		switch sem.kind {
		case gpucore.SemaphoreTimeline:
			for sem.value < w.Value && !d.closed {
				d.cond.Wait()
			}
		default:
			for sem.value == 0 && !d.closed {
				d.cond.Wait()
			}
			sem.value = 0
		}
		if d.closed {
			return false
		}
	}
	return true
}

func (d *Device) signalLocked(sub *gpucore.SubmitInfo) {
	for _, s := range sub.Signals {
		sem, ok := d.semaphores[s.Semaphore]
		if !ok {
			continue
		}
		if sem.kind == gpucore.SemaphoreTimeline {
			if s.Value > sem.value {
				sem.value = s.Value
			}
		} else {
			sem.value = 1
		}
	}
	if f, ok := d.fences[sub.Fence]; ok {
		f.signaled = true
	}
}

// resolved is an op with its handles looked up.
type resolved struct {
	op       *op
	pipeline *pipeline
	set      *descriptorSet
	src, dst *buffer
	barrier  []*buffer
}

func (d *Device) resolveLocked(commands []gpucore.CommandBufferID) ([]resolved, error) {
	var out []resolved
	for _, c := range commands {
		ops := d.commands[c]
		for i := range ops {
			o := &ops[i]
			r := resolved{op: o}
			switch o.kind {
			case opDispatch:
				p, ok := d.pipelines[o.pipeline]
				if !ok {
					return nil, fmt.Errorf("%w: pipeline %d", gpucore.ErrInvalidHandle, o.pipeline)
				}
				r.pipeline = p
				if o.set != gpucore.InvalidID {
					s, ok := d.sets[o.set]
					if !ok {
						return nil, fmt.Errorf("%w: descriptor set %d", gpucore.ErrInvalidHandle, o.set)
					}
					r.set = s
				} else if len(p.layout.desc.Bindings) > 0 {
					return nil, fmt.Errorf("halgpu: dispatch of %q without descriptor set", p.layout.desc.Label)
				}
			case opCopy, opFill:
				var ok bool
				if r.dst, ok = d.memory[o.dst]; !ok {
					return nil, fmt.Errorf("%w: memory %d", gpucore.ErrInvalidHandle, o.dst)
				}
				if o.kind == opCopy {
					if r.src, ok = d.memory[o.src]; !ok {
						return nil, fmt.Errorf("%w: memory %d", gpucore.ErrInvalidHandle, o.src)
					}
					for _, reg := range o.regions {
						if reg.SrcOffset+reg.Size > r.src.size || reg.DstOffset+reg.Size > r.dst.size {
							return nil, gpucore.ErrOutOfRange
						}
					}
				} else if o.offset+o.size > r.dst.size {
					return nil, gpucore.ErrOutOfRange
				}
			case opBarrier:
				for _, m := range o.barrier.Memory {
					if b, ok := d.memory[m]; ok {
						r.barrier = append(r.barrier, b)
					}
				}
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// scratch holds per-submission HAL objects released after completion.
type scratch struct {
	buffers []hal.Buffer
	groups  []hal.BindGroup
}

func (s *scratch) release(dev hal.Device) {
	for _, g := range s.groups {
		dev.DestroyBindGroup(g)
	}
	for _, b := range s.buffers {
		dev.DestroyBuffer(b)
	}
}

func (d *Device) run(work []resolved) error {
	d.halMu.Lock()
	defer d.halMu.Unlock()

	var s scratch
	defer s.release(d.dev)
	return d.submitEncoded("gpugraph-submit", func(enc hal.CommandEncoder) error {
		for i := range work {
			if err := d.encode(enc, &work[i], &s); err != nil {
				return err
			}
		}
		return nil
	})
}

// submitEncoded records fn into a fresh HAL command buffer, submits it and
// waits for completion. d.halMu must be held.
func (d *Device) submitEncoded(label string, fn func(hal.CommandEncoder) error) error {
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return gpucore.Check("CreateCommandEncoder", err)
	}
	defer enc.Destroy()

	if err := enc.BeginEncoding(label); err != nil {
		return gpucore.Check("BeginEncoding", err)
	}
	if err := fn(enc); err != nil {
		enc.DiscardEncoding()
		return err
	}
	cb, err := enc.EndEncoding()
	if err != nil {
		return gpucore.Check("EndEncoding", err)
	}
	defer d.dev.FreeCommandBuffer(cb)

	idx, err := d.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		return gpucore.Check("Queue.Submit", err)
	}
	if d.queue.PollCompleted() >= idx {
		return nil
	}
	return gpucore.Check("WaitIdle", d.dev.WaitIdle())
}

func (d *Device) encode(enc hal.CommandEncoder, r *resolved, s *scratch) error {
	o := r.op
	switch o.kind {
	case opDispatch:
		return d.encodeDispatch(enc, r, s)

	case opBarrier:
		if len(r.barrier) == 0 {
			return nil
		}
		barriers := make([]hal.BufferBarrier, len(r.barrier))
		for i, b := range r.barrier {
			barriers[i] = hal.BufferBarrier{
				Buffer: b.raw,
				Usage: hal.BufferUsageTransition{
					OldUsage: accessUsage(o.barrier.SrcAccess),
					NewUsage: accessUsage(o.barrier.DstAccess),
				},
			}
		}
		enc.TransitionBuffers(barriers)

	case opCopy:
		regions := make([]hal.BufferCopy, len(o.regions))
		for i, reg := range o.regions {
			regions[i] = hal.BufferCopy{SrcOffset: reg.SrcOffset, DstOffset: reg.DstOffset, Size: reg.Size}
		}
		enc.CopyBufferToBuffer(r.src.raw, r.dst.raw, regions)

	case opFill:
		if o.value == 0 {
			enc.ClearBuffer(r.dst.raw, o.offset, o.size)
			return nil
		}
		pattern, err := d.scratchBuffer(s, "gpugraph-fill", o.size, gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		data := make([]byte, o.size)
		for i := 0; i < len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:], o.value)
		}
		if err := d.queue.WriteBuffer(pattern, 0, data); err != nil {
			return gpucore.Check("Queue.WriteBuffer", err)
		}
		enc.CopyBufferToBuffer(pattern, r.dst.raw, []hal.BufferCopy{{DstOffset: o.offset, Size: o.size}})
	}
	return nil
}

func (d *Device) encodeDispatch(enc hal.CommandEncoder, r *resolved, s *scratch) error {
	p := r.pipeline
	var push hal.BindGroup
	if size := uint64(p.layout.desc.PushConstantSize); size > 0 {
		size = alignUp(size, 16)
		ub, err := d.scratchBuffer(s, "gpugraph-push", size, gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		if err := d.queue.WriteBuffer(ub, 0, r.op.push[:size]); err != nil {
			return gpucore.Check("Queue.WriteBuffer", err)
		}
		push, err = d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:  "gpugraph-push",
			Layout: p.layout.push,
			Entries: []gputypes.BindGroupEntry{{
				Binding:  0,
				Resource: gputypes.BufferBinding{Buffer: ub.NativeHandle(), Size: size},
			}},
		})
		if err != nil {
			return gpucore.Check("CreateBindGroup", err)
		}
		s.groups = append(s.groups, push)
	}

	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: p.layout.desc.Label})
	pass.SetPipeline(p.raw)
	if r.set != nil {
		pass.SetBindGroup(0, r.set.group, nil)
	}
	if push != nil {
		pass.SetBindGroup(1, push, nil)
	}
	pass.Dispatch(r.op.groups[0], r.op.groups[1], r.op.groups[2])
	pass.End()
	return nil
}

func (d *Device) scratchBuffer(s *scratch, label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	b, err := d.dev.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, gpucore.Check("CreateBuffer", err)
	}
	s.buffers = append(s.buffers, b)
	return b, nil
}

// accessUsage maps barrier access bits onto HAL buffer usages.
func accessUsage(a gpucore.Access) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if a&(gpucore.AccessShaderRead|gpucore.AccessShaderWrite) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if a&gpucore.AccessTransferRead != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if a&gpucore.AccessTransferWrite != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	if a&gpucore.AccessHostRead != 0 {
		u |= gputypes.BufferUsageMapRead
	}
	if a&gpucore.AccessHostWrite != 0 {
		u |= gputypes.BufferUsageMapWrite
	}
	return u
}
