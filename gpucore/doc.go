// Package gpucore defines the narrow compute-device abstraction the
// gpugraph engine runs on.
//
// A Device exposes raw memory allocations, shader modules, kernel layouts,
// compute pipelines with an explicit local size, descriptor sets, command
// recording, and the three synchronization objects the engine wraps:
// fences, binary semaphores and timeline semaphores. All objects are named
// by opaque uint64 IDs; the zero ID is invalid.
//
// Implementations live under backend/: a CPU reference device used for
// tests and headless runs, and a device over the gogpu/wgpu HAL.
//
// Every failure a Device reports is wrapped with Check into a *VkError,
// which the engine treats as fatal.
package gpucore
