// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"encoding/binary"
	"fmt"

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

		lists := make([][]op, 0, len(sub.Commands))
		for _, c := range sub.Commands {
			lists = append(lists, d.commands[c])
		}
		d.mu.Unlock()

		err := d.run(lists)

		d.mu.Lock()
		if err != nil && d.lost == nil {
			d.lost = fmt.Errorf("%w: %v", gpucore.ErrDeviceLost, err)
			logging.Logger().Warn("software: submission failed", "err", err)
		}
		d.signalLocked(sub)
		d.inflight--
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// awaitLocked blocks until every wait is satisfied. Binary semaphores are
// consumed. It reports false if the device closed while waiting.
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

func (d *Device) run(lists [][]op) error {
	for _, ops := range lists {
		for i := range ops {
			var err error
			switch ops[i].kind {
			case opDispatch:
				err = d.dispatch(&ops[i])
			case opCopy:
				err = d.copyMemory(&ops[i])
			case opFill:
				err = d.fillMemory(&ops[i])
			case opBarrier:
				d.mu.Lock()
				d.stats.Barriers++
				d.mu.Unlock()
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) dispatch(o *op) error {
	d.mu.Lock()
	p, ok := d.pipelines[o.pipeline]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: pipeline %d", gpucore.ErrInvalidHandle, o.pipeline)
	}
	bindings := make(map[uint32][]byte)
	if o.set != gpucore.InvalidID {
		set, ok := d.sets[o.set]
		if !ok {
			d.mu.Unlock()
			return fmt.Errorf("%w: descriptor set %d", gpucore.ErrInvalidHandle, o.set)
		}
		for _, w := range set.Writes {
			a, ok := d.memory[w.Memory]
			if !ok || w.Offset > uint64(len(a.data)) {
				d.mu.Unlock()
				return fmt.Errorf("%w: memory %d at binding %d", gpucore.ErrInvalidHandle, w.Memory, w.Binding)
			}
			data := a.data[w.Offset:]
			if w.Size > 0 && w.Size <= uint64(len(data)) {
				data = data[:w.Size]
			}
			bindings[w.Binding] = data
		}
	}
	local := p.local
	d.stats.Dispatches++
	d.stats.Invocations += uint64(o.groups[0]*local[0]) * uint64(o.groups[1]*local[1]) * uint64(o.groups[2]*local[2])
	d.mu.Unlock()

	d.dataMu.Lock()
	defer d.dataMu.Unlock()

	inv := &Invocation{LocalSize: local, Push: o.push, bindings: bindings}
	for gz := range o.groups[2] {
		for gy := range o.groups[1] {
			for gx := range o.groups[0] {
				inv.WorkgroupID = [3]uint32{gx, gy, gz}
				for lz := range local[2] {
					for ly := range local[1] {
						for lx := range local[0] {
							inv.LocalID = [3]uint32{lx, ly, lz}
							inv.GlobalID = [3]uint32{gx*local[0] + lx, gy*local[1] + ly, gz*local[2] + lz}
							p.fn(inv)
						}
					}
				}
			}
		}
	}
	return nil
}

func (d *Device) copyMemory(o *op) error {
	src, err := d.bytesOf(o.src)
	if err != nil {
		return err
	}
	dst, err := d.bytesOf(o.dst)
	if err != nil {
		return err
	}

	d.dataMu.Lock()
	defer d.dataMu.Unlock()
	for _, r := range o.regions {
		if r.SrcOffset+r.Size > uint64(len(src)) || r.DstOffset+r.Size > uint64(len(dst)) {
			return gpucore.ErrOutOfRange
		}
		copy(dst[r.DstOffset:r.DstOffset+r.Size], src[r.SrcOffset:r.SrcOffset+r.Size])
	}
	return nil
}

func (d *Device) fillMemory(o *op) error {
	dst, err := d.bytesOf(o.dst)
	if err != nil {
		return err
	}
	if o.offset+o.size > uint64(len(dst)) || o.size%4 != 0 {
		return gpucore.ErrOutOfRange
	}

	d.dataMu.Lock()
	defer d.dataMu.Unlock()
	for i := o.offset; i < o.offset+o.size; i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], o.value)
	}
	return nil
}
