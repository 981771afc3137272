package memory

import (
	"sync"

	"github.com/gogpu/gpugraph/gpucore"
)

// Counter accounts bytes allocated from the device, split between
// device-local and host memory.
//
// Counter is safe for concurrent use.
type Counter struct {
	mu         sync.Mutex
	device     uint64
	host       uint64
	peakDevice uint64
}

// Add accounts size bytes of memory with the given flags.
func (c *Counter) Add(flags gpucore.MemoryProperty, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flags.Has(gpucore.MemoryDeviceLocal) {
		c.device += size
		c.peakDevice = max(c.peakDevice, c.device)
	} else {
		c.host += size
	}
}

// Sub removes size bytes of memory with the given flags.
func (c *Counter) Sub(flags gpucore.MemoryProperty, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flags.Has(gpucore.MemoryDeviceLocal) {
		c.device -= min(size, c.device)
	} else {
		c.host -= min(size, c.host)
	}
}

// Device returns the device-local bytes in use.
func (c *Counter) Device() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Host returns the host bytes in use.
func (c *Counter) Host() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// PeakDevice returns the highest device-local usage observed.
func (c *Counter) PeakDevice() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakDevice
}
