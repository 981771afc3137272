// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpugraph/gpucore"
)

var errEncoderDone = errors.New("halgpu: encoder already finished")

type opKind uint8

const (
	opDispatch opKind = iota
	opBarrier
	opCopy
	opFill
)

// op is one recorded command. Recording is deferred: ops are encoded into
// a HAL command buffer when their submission runs, so a command buffer
// can be submitted more than once.
type op struct {
	kind     opKind
	pipeline gpucore.PipelineID
	set      gpucore.DescriptorSetID
	push     []byte
	groups   [3]uint32

	barrier gpucore.Barrier
	src     gpucore.MemoryID
	dst     gpucore.MemoryID
	regions []gpucore.MemoryCopy
	offset  uint64
	size    uint64
	value   uint32
}

type encoder struct {
	dev   *Device
	label string

	pipeline gpucore.PipelineID
	set      gpucore.DescriptorSetID
	push     [maxPushConstants]byte
	ops      []op
	err      error
	done     bool
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = fmt.Errorf("halgpu: encoder %q: %w", e.label, err)
	}
}

func (e *encoder) BindPipeline(p gpucore.PipelineID) {
	if p == gpucore.InvalidID {
		e.fail(fmt.Errorf("%w: pipeline", gpucore.ErrInvalidHandle))
		return
	}
	e.pipeline = p
}

func (e *encoder) BindDescriptorSet(s gpucore.DescriptorSetID) {
	e.set = s
}

func (e *encoder) PushConstants(offset uint32, data []byte) {
	if int(offset)+len(data) > maxPushConstants {
		e.fail(fmt.Errorf("push constants [%d,%d) out of range", offset, int(offset)+len(data)))
		return
	}
	copy(e.push[offset:], data)
}

func (e *encoder) Dispatch(x, y, z uint32) {
	if e.pipeline == gpucore.InvalidID {
		e.fail(errors.New("dispatch without pipeline"))
		return
	}
	if x == 0 || y == 0 || z == 0 {
		return
	}
	e.ops = append(e.ops, op{
		kind:     opDispatch,
		pipeline: e.pipeline,
		set:      e.set,
		push:     append([]byte(nil), e.push[:]...),
		groups:   [3]uint32{x, y, z},
	})
}

func (e *encoder) PipelineBarrier(b gpucore.Barrier) {
	b.Memory = append([]gpucore.MemoryID(nil), b.Memory...)
	e.ops = append(e.ops, op{kind: opBarrier, barrier: b})
}

func (e *encoder) CopyMemory(src, dst gpucore.MemoryID, regions ...gpucore.MemoryCopy) {
	e.ops = append(e.ops, op{
		kind:    opCopy,
		src:     src,
		dst:     dst,
		regions: append([]gpucore.MemoryCopy(nil), regions...),
	})
}

func (e *encoder) FillMemory(dst gpucore.MemoryID, offset, size uint64, value uint32) {
	if offset%4 != 0 || size%4 != 0 {
		e.fail(fmt.Errorf("fill [%d,+%d) not 4-byte aligned", offset, size))
		return
	}
	e.ops = append(e.ops, op{kind: opFill, dst: dst, offset: offset, size: size, value: value})
}

func (e *encoder) End() (gpucore.CommandBufferID, error) {
	if e.done {
		return gpucore.InvalidID, errEncoderDone
	}
	e.done = true
	if e.err != nil {
		return gpucore.InvalidID, e.err
	}

	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	if e.dev.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	id := gpucore.CommandBufferID(e.dev.newID())
	e.dev.commands[id] = e.ops
	return id, nil
}

func (e *encoder) Discard() {
	e.done = true
	e.ops = nil
}
