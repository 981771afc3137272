// Package memory provides the device memory pool and the buffer and image
// resources that draw from it.
//
// A Pool never returns deallocated memory to the device on its own: it
// parks it on a free list and hands it out again to a later request with
// the same memory properties and type whose size it covers within a small
// tolerance. The frame loop calls Trim after every frame to bring device
// usage back under a high-water mark.
//
//	pool := memory.NewPool(dev, nil, memory.PoolConfig{})
//	img, err := memory.NewImage(pool, "blur", 1920, 1080, memory.FormatRGBA32F, gpucore.MemoryDeviceLocal)
//	...
//	img.Release()      // back to the free list
//	pool.Trim(512 << 20)
package memory
