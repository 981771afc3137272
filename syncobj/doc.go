// Package syncobj wraps the device synchronization primitives the engine
// orders and bounds GPU work with.
//
//   - Queue: the single logical submission queue; one mutex around every submit.
//   - Semaphore: binary GPU-to-GPU handoff.
//   - TimelineSemaphore: monotonic counter with host and device wait/signal.
//   - Fence: host-visible completion with a Reset/Submitted/Waited state machine.
//   - Stream: one timeline used as a strictly FIFO submission queue.
//
// Host waits use an escalating timeout: each retry doubles the previous
// timeout, and a wait that exhausts its retries returns ErrDeviceWedged.
// No primitive supports cancellation; submitted work always runs to
// completion.
package syncobj
