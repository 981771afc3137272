// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halgpu implements gpucore.Device on top of the gogpu/wgpu
// hardware abstraction layer.
//
// The package registers itself as backend.BackendHAL. HAL backends are
// registered by blank imports, for example:
//
//	import (
//		_ "github.com/gogpu/gpugraph/backend/halgpu"
//		_ "github.com/gogpu/wgpu/hal/allbackends"
//	)
//
//	dev, err := backend.Open(backend.BackendHAL)
//
// Memory allocations are HAL storage buffers. Kernel push constants are
// written to a small uniform buffer per dispatch and bound at group 1, so
// shaders declare them as
//
//	@group(1) @binding(0) var<uniform> push: Push;
//
// WGSL modules are recompiled for every pipeline local size.
package halgpu
