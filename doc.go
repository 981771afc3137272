// Package gpugraph runs directed graphs of GPU compute nodes.
//
// # Overview
//
// A graph is edited as a set of proxies in a graph.Builder, baked into
// engine nodes, sorted and executed frame by frame. Nodes dispatch compute
// kernels that tile over the device workgroup limits, allocate their
// outputs from a reusing memory pool and release them as soon as every
// consumer's work has passed on the stream timeline.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpugraph"
//	    _ "github.com/gogpu/gpugraph/backend/software"
//	)
//
//	eng, err := gpugraph.Open(gpugraph.WithWorkers(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	b := eng.NewBuilder()
//	in := b.Add("in", nodes.TypeHostImage)
//	inv := b.Add("invert", nodes.TypeInvert)
//	out := b.Add("out", nodes.TypeReadback)
//	b.Connect(in.ID, inv.ID)
//	b.Connect(inv.ID, out.ID)
//
//	g, err := eng.Bake(b, nil)
//	...
//	res, err := eng.RunFrame(g, graph.ModeExport, 0)
//
// # Architecture
//
// The module is organized into:
//   - gpucore: the narrow device interface and its handles
//   - backend: the backend registry, the software device and the HAL device
//   - memory, syncobj, command: pooled allocations, fences, timelines,
//     streams and command buffers
//   - kernel: shaders, parameters and tiled dispatch
//   - graph: builder, bake, sort, execute and deferred release
//   - nodes: built-in node types
//
// # Backends
//
// The software backend executes kernels on the host and needs no GPU. The
// hal backend runs WGSL kernels through gogpu/wgpu on Vulkan, Metal, DX12
// or GLES. Backends register themselves when imported.
//
// # Logging
//
// gpugraph is silent by default. SetLogger installs a *slog.Logger for all
// packages.
package gpugraph
