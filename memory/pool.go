package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

// Pool errors.
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("memory: pool closed")

	// ErrUnknownAlloc is returned when deallocating a handle the pool did
	// not hand out, or one already returned.
	ErrUnknownAlloc = errors.New("memory: unknown allocation")

	// ErrTrimIncomplete is returned by Trim when the free list runs out
	// before usage drops to the limit. It is not fatal.
	ErrTrimIncomplete = errors.New("memory: trim could not reach limit")
)

// Default reuse tolerances.
const (
	// DefaultTolerance is the largest absolute slack accepted on reuse (4 MiB).
	DefaultTolerance = 4 << 20

	// DefaultRatio bounds the slack relative to the request size.
	DefaultRatio = 0.25
)

// Alloc is a raw device allocation.
type Alloc struct {
	Handle    gpucore.MemoryID
	Size      uint64
	Flags     gpucore.MemoryProperty
	TypeIndex uint32
}

// PoolConfig holds configuration for creating a Pool.
type PoolConfig struct {
	// Tolerance is the largest number of spare bytes a reused allocation
	// may carry. Defaults to DefaultTolerance if zero.
	Tolerance uint64

	// Ratio additionally bounds the spare bytes to Ratio*request.
	// Zero disables the relative bound; negative uses DefaultRatio.
	Ratio float64
}

// Stats contains pool statistics.
type Stats struct {
	LiveCount int
	LiveBytes uint64
	FreeCount int
	FreeBytes uint64

	// Hits counts requests served from the free list.
	Hits uint64

	// Misses counts requests that went to the device.
	Misses uint64

	// Evictions counts free entries released by Trim.
	Evictions uint64
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[live %d (%s), free %d (%s), %d hits, %d misses, %d evictions]",
		s.LiveCount, humanize.IBytes(s.LiveBytes),
		s.FreeCount, humanize.IBytes(s.FreeBytes),
		s.Hits, s.Misses, s.Evictions)
}

// Pool reuses device allocations across resource re-creation.
//
// Deallocated memory is kept on a free list sorted ascending by size and
// handed out again to requests with identical flags and memory type whose
// size it covers within the reuse tolerance. Memory only returns to the
// device through Trim or Close.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	dev     gpucore.Device
	counter *Counter

	tolerance uint64
	ratio     float64

	live map[gpucore.MemoryID]Alloc
	free []Alloc

	hits      uint64
	misses    uint64
	evictions uint64

	closed bool
}

// NewPool creates a pool over dev. Allocations are accounted in counter,
// which may be shared between pools; nil creates a private counter.
func NewPool(dev gpucore.Device, counter *Counter, config PoolConfig) *Pool {
	tolerance := config.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	ratio := config.Ratio
	if ratio < 0 {
		ratio = DefaultRatio
	}
	if counter == nil {
		counter = &Counter{}
	}
	return &Pool{
		dev:       dev,
		counter:   counter,
		tolerance: tolerance,
		ratio:     ratio,
		live:      make(map[gpucore.MemoryID]Alloc),
	}
}

// Device returns the device the pool allocates from.
func (p *Pool) Device() gpucore.Device { return p.dev }

// Counter returns the usage counter.
func (p *Pool) Counter() *Counter { return p.counter }

// slack returns how many spare bytes a reused allocation may carry for a
// request of size bytes.
func (p *Pool) slack(size uint64) uint64 {
	s := p.tolerance
	if p.ratio > 0 {
		if r := uint64(float64(size) * p.ratio); r < s {
			s = r
		}
	}
	return s
}

// Allocate returns an allocation of at least size bytes with exactly the
// given flags and memory type.
func (p *Pool) Allocate(size uint64, flags gpucore.MemoryProperty, typeIndex uint32) (Alloc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Alloc{}, ErrPoolClosed
	}

	slack := p.slack(size)
	for i, e := range p.free {
		if e.Flags != flags || e.TypeIndex != typeIndex || e.Size < size {
			continue
		}
		if e.Size-size > slack {
			// Sorted ascending: every later entry carries more slack.
			break
		}
		p.free = append(p.free[:i], p.free[i+1:]...)
		p.live[e.Handle] = e
		p.hits++
		return e, nil
	}

	h, err := p.dev.AllocateMemory(size, flags, typeIndex)
	if err != nil {
		return Alloc{}, gpucore.Check("AllocateMemory", err)
	}
	a := Alloc{Handle: h, Size: size, Flags: flags, TypeIndex: typeIndex}
	p.live[h] = a
	p.counter.Add(flags, size)
	p.misses++

	logging.Logger().Debug("memory: device allocation",
		"size", humanize.IBytes(size), "flags", flags, "type", typeIndex)
	return a, nil
}

// Deallocate returns an allocation to the free list. The memory stays
// allocated on the device.
func (p *Pool) Deallocate(h gpucore.MemoryID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	a, ok := p.live[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAlloc, h)
	}
	delete(p.live, h)

	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].Size > a.Size })
	p.free = append(p.free, Alloc{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = a
	return nil
}

// Trim releases free device-local allocations, largest first, while the
// device usage exceeds limit. Checked-out allocations are never touched.
// If no free device-local memory remains before the limit is met, Trim
// stops and returns ErrTrimIncomplete.
func (p *Pool) Trim(limit uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	for p.counter.Device() > limit {
		i := p.largestDeviceLocal()
		if i < 0 {
			used := p.counter.Device()
			logging.Logger().Warn("memory: trim incomplete",
				"used", humanize.IBytes(used), "limit", humanize.IBytes(limit))
			return fmt.Errorf("%w: %s in use, limit %s",
				ErrTrimIncomplete, humanize.IBytes(used), humanize.IBytes(limit))
		}
		e := p.free[i]
		p.free = append(p.free[:i], p.free[i+1:]...)
		p.dev.FreeMemory(e.Handle)
		p.counter.Sub(e.Flags, e.Size)
		p.evictions++
	}
	return nil
}

// largestDeviceLocal returns the index of the largest free device-local
// entry or -1.
func (p *Pool) largestDeviceLocal() int {
	for i := len(p.free) - 1; i >= 0; i-- {
		if p.free[i].Flags.Has(gpucore.MemoryDeviceLocal) {
			return i
		}
	}
	return -1
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		LiveCount: len(p.live),
		FreeCount: len(p.free),
		Hits:      p.hits,
		Misses:    p.misses,
		Evictions: p.evictions,
	}
	for _, a := range p.live {
		s.LiveBytes += a.Size
	}
	for _, a := range p.free {
		s.FreeBytes += a.Size
	}
	return s
}

// Close releases every allocation, live or free, back to the device.
// Close is safe to call multiple times.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if len(p.live) > 0 {
		logging.Logger().Warn("memory: pool closed with live allocations", "count", len(p.live))
	}
	for h, a := range p.live {
		p.dev.FreeMemory(h)
		p.counter.Sub(a.Flags, a.Size)
	}
	for _, a := range p.free {
		p.dev.FreeMemory(a.Handle)
		p.counter.Sub(a.Flags, a.Size)
	}
	p.live = nil
	p.free = nil
}
