// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNoWorkgroupSize is returned for WGSL without a @workgroup_size
// attribute.
var ErrNoWorkgroupSize = errors.New("halgpu: WGSL has no @workgroup_size attribute")

var workgroupSizeAttr = regexp.MustCompile(`@workgroup_size\s*\([^)]*\)`)

// SpecializeWorkgroupSize rewrites every @workgroup_size attribute in src
// to the given local size. WGSL has no specialization constants for the
// workgroup size, so each local size gets its own module.
func SpecializeWorkgroupSize(src string, local [3]uint32) (string, error) {
	if !workgroupSizeAttr.MatchString(src) {
		return "", ErrNoWorkgroupSize
	}
	attr := fmt.Sprintf("@workgroup_size(%d, %d, %d)", local[0], local[1], local[2])
	return workgroupSizeAttr.ReplaceAllLiteralString(src, attr), nil
}
