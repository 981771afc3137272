// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpugraph/gpucore"
)

// maxPushConstants bounds the push-constant state kept by an encoder.
const maxPushConstants = 256

// errEncoderDone is returned by End after End or Discard.
var errEncoderDone = errors.New("software: encoder already finished")

type opKind uint8

const (
	opDispatch opKind = iota
	opBarrier
	opCopy
	opFill
)

// op is one recorded command. Dispatch ops capture the pipeline,
// descriptor set and push-constant bytes current at record time.
type op struct {
	kind     opKind
	pipeline gpucore.PipelineID
	set      gpucore.DescriptorSetID
	push     []byte
	groups   [3]uint32

	src, dst gpucore.MemoryID
	regions  []gpucore.MemoryCopy
	offset   uint64
	size     uint64
	value    uint32
}

// encoder records ops for the software device.
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
		e.err = fmt.Errorf("software: encoder %q: %w", e.label, err)
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
	push := make([]byte, maxPushConstants)
	copy(push, e.push[:])
	e.ops = append(e.ops, op{
		kind:     opDispatch,
		pipeline: e.pipeline,
		set:      e.set,
		push:     push,
		groups:   [3]uint32{x, y, z},
	})
}

func (e *encoder) PipelineBarrier(gpucore.Barrier) {
	e.ops = append(e.ops, op{kind: opBarrier})
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
	id := gpucore.CommandBufferID(e.dev.newID())
	e.dev.commands[id] = e.ops
	return id, nil
}

func (e *encoder) Discard() {
	e.done = true
	e.ops = nil
}
