// Package nodes provides the built-in node types.
//
//   - hostimage: uploads a Go image.Image, resampled on the worker pool.
//   - exposure, invert: single-input image filters.
//   - blend: composites two images of the same size.
//   - readback: terminal copying its input to host memory.
//
// Images travel between nodes as RGBA32F storage buffers. The filters
// ship as embedded WGSL with TOML layouts; RegisterShaders adds them to a
// kernel.ShaderCache and InstallSoftwareShaders adds host versions to the
// software device.
package nodes
