package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpugraph/gpucore"
)

// Resource errors.
var (
	// ErrNoMemoryType is returned when the device exposes no memory type
	// with the requested properties.
	ErrNoMemoryType = errors.New("memory: no matching memory type")

	// ErrReleased is returned when using a released resource.
	ErrReleased = errors.New("memory: resource released")

	// ErrInvalidSize is returned for empty resources.
	ErrInvalidSize = errors.New("memory: invalid size")
)

// Resource is device memory that can be bound to a kernel.
type Resource interface {
	// Handle returns the backing allocation.
	Handle() gpucore.MemoryID

	// Size returns the usable size in bytes.
	Size() uint64
}

// Buffer is a linear resource drawing its memory from a Pool.
type Buffer struct {
	mu       sync.Mutex
	pool     *Pool
	alloc    Alloc
	size     uint64
	label    string
	released bool
}

// NewBuffer allocates a buffer of size bytes with the given memory
// properties.
func NewBuffer(pool *Pool, label string, size uint64, flags gpucore.MemoryProperty) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: buffer %q", ErrInvalidSize, label)
	}
	typeIndex, ok := gpucore.FindMemoryType(pool.Device().MemoryTypes(), flags)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoMemoryType, flags)
	}
	a, err := pool.Allocate(size, flags, typeIndex)
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w", label, err)
	}
	return &Buffer{pool: pool, alloc: a, size: size, label: label}, nil
}

// Handle returns the backing allocation.
func (b *Buffer) Handle() gpucore.MemoryID { return b.alloc.Handle }

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Capacity returns the size of the backing allocation, which may exceed
// Size when the allocation was reused.
func (b *Buffer) Capacity() uint64 { return b.alloc.Size }

// Flags returns the memory properties.
func (b *Buffer) Flags() gpucore.MemoryProperty { return b.alloc.Flags }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Write uploads data at offset.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if err := b.check(offset, len(data)); err != nil {
		return err
	}
	return gpucore.Check("WriteMemory", b.pool.Device().WriteMemory(b.alloc.Handle, offset, data))
}

// Read downloads len(dst) bytes from offset.
func (b *Buffer) Read(offset uint64, dst []byte) error {
	if err := b.check(offset, len(dst)); err != nil {
		return err
	}
	return gpucore.Check("ReadMemory", b.pool.Device().ReadMemory(b.alloc.Handle, offset, dst))
}

func (b *Buffer) check(offset uint64, n int) error {
	b.mu.Lock()
	released := b.released
	b.mu.Unlock()
	if released {
		return fmt.Errorf("%w: %q", ErrReleased, b.label)
	}
	if offset+uint64(n) > b.size {
		return fmt.Errorf("%w: buffer %q [%d,%d) of %d", gpucore.ErrOutOfRange, b.label, offset, offset+uint64(n), b.size)
	}
	return nil
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Release returns the memory to the pool. Release is safe to call
// multiple times.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	b.mu.Unlock()
	return b.pool.Deallocate(b.alloc.Handle)
}

// Format is the pixel format of an Image.
type Format uint8

// Image formats.
const (
	FormatRGBA32F Format = iota
	FormatRG32F
	FormatR32F
	FormatRGBA8
)

// String returns a human-readable format name.
func (f Format) String() string {
	switch f {
	case FormatRGBA32F:
		return "RGBA32F"
	case FormatRG32F:
		return "RG32F"
	case FormatR32F:
		return "R32F"
	case FormatRGBA8:
		return "RGBA8"
	default:
		return fmt.Sprintf("Unknown(%d)", f)
	}
}

// BytesPerPixel returns the size of one pixel.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA32F:
		return 16
	case FormatRG32F:
		return 8
	case FormatR32F, FormatRGBA8:
		return 4
	default:
		return 4
	}
}

// Image is a 2D pixel resource stored row-major without padding.
type Image struct {
	*Buffer
	width  int
	height int
	format Format
}

// NewImage allocates a width x height image.
func NewImage(pool *Pool, label string, width, height int, format Format, flags gpucore.MemoryProperty) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: image %q is %dx%d", ErrInvalidSize, label, width, height)
	}
	//nolint:gosec // G115: dimensions checked positive
	size := uint64(width) * uint64(height) * uint64(format.BytesPerPixel())
	buf, err := NewBuffer(pool, label, size, flags)
	if err != nil {
		return nil, err
	}
	return &Image{Buffer: buf, width: width, height: height, format: format}, nil
}

// Width returns the image width in pixels.
func (img *Image) Width() int { return img.width }

// Height returns the image height in pixels.
func (img *Image) Height() int { return img.height }

// Format returns the pixel format.
func (img *Image) Format() Format { return img.format }

// Extent returns the dispatch extent covering one invocation per pixel.
func (img *Image) Extent() [3]uint32 {
	//nolint:gosec // G115: dimensions checked positive
	return [3]uint32{uint32(img.width), uint32(img.height), 1}
}
