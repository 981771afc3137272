// Package software provides a CPU implementation of gpucore.Device.
//
// The device keeps allocations in host memory and runs kernels as Go
// functions registered with RegisterShader. A single executor goroutine
// drains submissions in order and honours semaphore waits and signals, so
// the engine's ordering and reclamation logic behaves exactly as on a
// hardware queue. It backs the test suite and headless runs.
//
// Importing the package registers it under backend.BackendSoftware.
package software
