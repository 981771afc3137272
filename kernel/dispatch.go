// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Tile is one dispatch call of a tiled dispatch: Groups workgroups of
// size Local, covering the box that starts at Offset.
type Tile struct {
	Local  [3]uint32
	Groups [3]uint32
	Offset [3]uint32
}

// Extent returns the number of invocations along each axis.
func (t Tile) Extent() [3]uint32 {
	return [3]uint32{
		t.Local[0] * t.Groups[0],
		t.Local[1] * t.Groups[1],
		t.Local[2] * t.Groups[2],
	}
}

// Invocations returns the total number of invocations.
func (t Tile) Invocations() uint64 {
	e := t.Extent()
	return uint64(e[0]) * uint64(e[1]) * uint64(e[2])
}

func (t Tile) String() string {
	return fmt.Sprintf("Tile[local %v x groups %v at %v]", t.Local, t.Groups, t.Offset)
}

// PlanDispatch splits a global extent into the tiles needed to cover it
// exactly with a fixed local size.
//
// Along each axis the effective local size is min(local, global); full
// workgroups cover global/eff*eff and the remainder global%eff is left
// for overflow tiles. The first tile is the primary one over the full
// region. Each nonempty combination of axes with a remainder adds one
// overflow tile whose local size on those axes equals the remainder, so a
// 3D dispatch needs at most eight tiles. The tiles never overlap.
//
// A zero extent on any axis yields no tiles. A zero local size is treated
// as one.
func PlanDispatch(global, local [3]uint32) []Tile {
	var eff, full, rem [3]uint32
	for i := range 3 {
		if global[i] == 0 {
			return nil
		}
		l := max(local[i], 1)
		eff[i] = min(l, global[i])
		full[i] = global[i] / eff[i]
		rem[i] = global[i] % eff[i]
	}

	tiles := make([]Tile, 0, 8)
	for mask := range 8 {
		var t Tile
		ok := true
		for i := range 3 {
			if mask&(1<<i) == 0 {
				t.Local[i] = eff[i]
				t.Groups[i] = full[i]
				continue
			}
			if rem[i] == 0 {
				ok = false
				break
			}
			t.Local[i] = rem[i]
			t.Groups[i] = 1
			t.Offset[i] = full[i] * eff[i]
		}
		if ok {
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// alignUp rounds v up to a multiple of a.
func alignUp[T constraints.Unsigned](v, a T) T {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}
