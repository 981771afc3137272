// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"encoding/binary"
	"math"
)

// ShaderFunc is a host kernel. It is invoked once per global invocation of
// a dispatch, in workgroup order.
type ShaderFunc func(inv *Invocation)

// Invocation describes one shader invocation.
type Invocation struct {
	// GlobalID is WorkgroupID*LocalSize + LocalID.
	GlobalID    [3]uint32
	LocalID     [3]uint32
	WorkgroupID [3]uint32
	LocalSize   [3]uint32

	// Push holds the push-constant block current at dispatch.
	Push []byte

	bindings map[uint32][]byte
}

// Binding returns the bytes bound at the given slot, or nil.
func (inv *Invocation) Binding(b uint32) []byte {
	return inv.bindings[b]
}

// Float32 loads element i of a binding as float32.
func (inv *Invocation) Float32(b uint32, i int) float32 {
	buf := inv.bindings[b]
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
}

// SetFloat32 stores element i of a binding as float32.
func (inv *Invocation) SetFloat32(b uint32, i int, v float32) {
	buf := inv.bindings[b]
	binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
}

// Uint32 loads element i of a binding as uint32.
func (inv *Invocation) Uint32(b uint32, i int) uint32 {
	return binary.LittleEndian.Uint32(inv.bindings[b][i*4:])
}

// SetUint32 stores element i of a binding as uint32.
func (inv *Invocation) SetUint32(b uint32, i int, v uint32) {
	binary.LittleEndian.PutUint32(inv.bindings[b][i*4:], v)
}

// Len returns the number of 32-bit elements in a binding.
func (inv *Invocation) Len(b uint32) int {
	return len(inv.bindings[b]) / 4
}

// PushInt32 reads a signed 32-bit push constant at a byte offset.
func (inv *Invocation) PushInt32(offset int) int32 {
	return int32(binary.LittleEndian.Uint32(inv.Push[offset:])) //nolint:gosec // reinterpretation
}

// PushUint32 reads an unsigned 32-bit push constant at a byte offset.
func (inv *Invocation) PushUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(inv.Push[offset:])
}

// PushFloat32 reads a float push constant at a byte offset.
func (inv *Invocation) PushFloat32(offset int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(inv.Push[offset:]))
}

// Offset returns the dispatch offset stored in the first 16 bytes of the
// push-constant block, added to GlobalID.
func (inv *Invocation) Offset() [3]uint32 {
	return [3]uint32{inv.PushUint32(0), inv.PushUint32(4), inv.PushUint32(8)}
}

// Coord returns GlobalID plus the dispatch offset.
func (inv *Invocation) Coord() [3]uint32 {
	off := inv.Offset()
	return [3]uint32{
		inv.GlobalID[0] + off[0],
		inv.GlobalID[1] + off[1],
		inv.GlobalID[2] + off[2],
	}
}
