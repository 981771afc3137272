// Package kernel implements the single-dispatch compute unit of the graph
// engine.
//
// A Kernel pairs a shader loaded through a ShaderCache with the resources
// bound to it and the parameters of its push-constant block. The block
// always starts with a 16 byte integer offset (x, y, z, w) followed by the
// parameters declared in the shader layout:
//
//	struct Push {
//	    offset: vec4<i32>,
//	    exposure: f32,
//	}
//
// Dispatch covers an arbitrary global extent with the shader's fixed local
// size. The extent is split by PlanDispatch into a primary tile and up to
// seven overflow tiles, each dispatched with a pipeline variant whose local
// size matches the tile. Shaders add the offset to their global invocation
// id to get absolute coordinates.
//
// Shader layouts are TOML files kept next to the shader source:
//
//	shaders/exposure.wgsl
//	shaders/exposure.toml
package kernel
