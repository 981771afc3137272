package memory

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gpugraph/backend/software"
	"github.com/gogpu/gpugraph/gpucore"
)

const (
	deviceLocal = gpucore.MemoryDeviceLocal
	hostVisible = gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent
	mib         = 1 << 20
)

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *software.Device) {
	t.Helper()
	dev := software.New(software.Config{})
	pool := NewPool(dev, nil, cfg)
	t.Cleanup(func() {
		pool.Close()
		dev.Close()
	})
	return pool, dev
}

// =============================================================================
// Reuse
// =============================================================================

func TestPoolReuseLaw(t *testing.T) {
	pool, dev := newTestPool(t, PoolConfig{})

	sizes := []uint64{1, 256, 3 * mib, 64 * mib}
	for _, size := range sizes {
		a, err := pool.Allocate(size, deviceLocal, 0)
		if err != nil {
			t.Fatalf("Allocate(%d) error = %v", size, err)
		}
		before := dev.Stats().Allocations
		if err := pool.Deallocate(a.Handle); err != nil {
			t.Fatalf("Deallocate() error = %v", err)
		}
		b, err := pool.Allocate(size, deviceLocal, 0)
		if err != nil {
			t.Fatalf("Allocate(%d) again error = %v", size, err)
		}
		if b.Handle != a.Handle {
			t.Errorf("Allocate(%d) after Deallocate handle = %d, want %d", size, b.Handle, a.Handle)
		}
		if got := dev.Stats().Allocations; got != before {
			t.Errorf("device allocations = %d, want %d (no new allocation)", got, before)
		}
		_ = pool.Deallocate(b.Handle)
	}
}

func TestPoolNoReuseAcrossFlagsOrType(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{})

	a, _ := pool.Allocate(4096, deviceLocal, 0)
	_ = pool.Deallocate(a.Handle)

	tests := []struct {
		name      string
		flags     gpucore.MemoryProperty
		typeIndex uint32
	}{
		{"different flags", deviceLocal | hostVisible, 2},
		{"different type index", deviceLocal, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := pool.Allocate(4096, tt.flags, tt.typeIndex)
			if err != nil {
				t.Fatalf("Allocate() error = %v", err)
			}
			if b.Handle == a.Handle {
				t.Errorf("Allocate(%v, type %d) reused handle across mismatched class", tt.flags, tt.typeIndex)
			}
			_ = pool.Deallocate(b.Handle)
		})
	}
}

func TestPoolTolerance(t *testing.T) {
	tests := []struct {
		name      string
		cfg       PoolConfig
		freeSize  uint64
		request   uint64
		wantReuse bool
	}{
		{"exact", PoolConfig{}, 8 * mib, 8 * mib, true},
		{"within absolute", PoolConfig{Ratio: 0}, 8 * mib, 6 * mib, true},
		{"beyond absolute", PoolConfig{Ratio: 0}, 16 * mib, 8 * mib, false},
		{"smaller never fits", PoolConfig{}, 4 * mib, 5 * mib, false},
		{"relative bound rejects", PoolConfig{Ratio: 0.25}, 2048, 1024, false},
		{"relative bound accepts", PoolConfig{Ratio: 0.25}, 1200, 1024, true},
		{"absolute caps relative", PoolConfig{Tolerance: mib, Ratio: 0.5}, 66 * mib, 64 * mib, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _ := newTestPool(t, tt.cfg)
			a, _ := pool.Allocate(tt.freeSize, deviceLocal, 0)
			_ = pool.Deallocate(a.Handle)

			b, err := pool.Allocate(tt.request, deviceLocal, 0)
			if err != nil {
				t.Fatalf("Allocate() error = %v", err)
			}
			if got := b.Handle == a.Handle; got != tt.wantReuse {
				t.Errorf("reused = %v, want %v", got, tt.wantReuse)
			}
		})
	}
}

func TestPoolFirstFitAscending(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{Ratio: 0})

	big, _ := pool.Allocate(3*mib, deviceLocal, 0)
	small, _ := pool.Allocate(2*mib, deviceLocal, 0)
	_ = pool.Deallocate(big.Handle)
	_ = pool.Deallocate(small.Handle)

	got, _ := pool.Allocate(2*mib, deviceLocal, 0)
	if got.Handle != small.Handle {
		t.Errorf("Allocate() picked %d (size %d), want smallest fitting %d", got.Handle, got.Size, small.Handle)
	}
}

func TestPoolDeallocateUnknown(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{})

	if err := pool.Deallocate(12345); !errors.Is(err, ErrUnknownAlloc) {
		t.Errorf("Deallocate(unknown) error = %v, want ErrUnknownAlloc", err)
	}
	a, _ := pool.Allocate(64, deviceLocal, 0)
	_ = pool.Deallocate(a.Handle)
	if err := pool.Deallocate(a.Handle); !errors.Is(err, ErrUnknownAlloc) {
		t.Errorf("double Deallocate() error = %v, want ErrUnknownAlloc", err)
	}
}

// =============================================================================
// Trim
// =============================================================================

func TestPoolTrim(t *testing.T) {
	pool, dev := newTestPool(t, PoolConfig{Ratio: 0})

	var handles []gpucore.MemoryID
	for _, size := range []uint64{1 * mib, 2 * mib, 4 * mib, 8 * mib} {
		a, _ := pool.Allocate(size, deviceLocal, 0)
		handles = append(handles, a.Handle)
	}
	// 1 MiB stays checked out.
	for _, h := range handles[1:] {
		_ = pool.Deallocate(h)
	}

	if got := pool.Counter().Device(); got != 15*mib {
		t.Fatalf("device usage = %d, want %d", got, 15*mib)
	}

	// Evicting 8 MiB reaches 7 MiB <= 10 MiB: one step, no more.
	if err := pool.Trim(10 * mib); err != nil {
		t.Fatalf("Trim(10MiB) error = %v", err)
	}
	if got := pool.Counter().Device(); got != 7*mib {
		t.Errorf("device usage after Trim(10MiB) = %d, want %d", got, 7*mib)
	}
	if s := pool.Stats(); s.Evictions != 1 || s.FreeCount != 2 {
		t.Errorf("Stats() = %v, want 1 eviction and 2 free entries", s)
	}

	// Limit below the checked-out allocation: free list empties, report.
	err := pool.Trim(0)
	if !errors.Is(err, ErrTrimIncomplete) {
		t.Fatalf("Trim(0) error = %v, want ErrTrimIncomplete", err)
	}
	if got := pool.Counter().Device(); got != 1*mib {
		t.Errorf("device usage after Trim(0) = %d, want %d (checked-out memory kept)", got, 1*mib)
	}
	if s := dev.Stats(); s.Frees != 3 {
		t.Errorf("device frees = %d, want 3", s.Frees)
	}

	// The checked-out allocation is still valid.
	if err := dev.WriteMemory(handles[0], 0, []byte{1}); err != nil {
		t.Errorf("WriteMemory() on checked-out allocation error = %v", err)
	}
}

func TestPoolTrimIgnoresHostMemory(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{})

	a, _ := pool.Allocate(mib, hostVisible, 1)
	_ = pool.Deallocate(a.Handle)
	if err := pool.Trim(0); err != nil {
		t.Errorf("Trim(0) with only host memory error = %v, want nil", err)
	}
	if s := pool.Stats(); s.FreeCount != 1 {
		t.Errorf("free entries = %d, want 1 (host memory not evicted)", s.FreeCount)
	}
	if got := pool.Counter().Host(); got != mib {
		t.Errorf("host usage = %d, want %d", got, mib)
	}
}

func TestPoolClose(t *testing.T) {
	dev := software.New(software.Config{})
	defer dev.Close()
	pool := NewPool(dev, nil, PoolConfig{})

	a, _ := pool.Allocate(128, deviceLocal, 0)
	b, _ := pool.Allocate(128, deviceLocal, 0)
	_ = pool.Deallocate(b.Handle)

	pool.Close()
	pool.Close()

	if got := dev.LiveObjects(); got != 0 {
		t.Errorf("live device objects after Close = %d, want 0", got)
	}
	if _, err := pool.Allocate(1, deviceLocal, 0); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Allocate() after Close error = %v, want ErrPoolClosed", err)
	}
	if err := pool.Deallocate(a.Handle); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Deallocate() after Close error = %v, want ErrPoolClosed", err)
	}
}

func TestStatsString(t *testing.T) {
	s := Stats{LiveCount: 2, LiveBytes: 3 * mib, FreeCount: 1, FreeBytes: 1024, Hits: 4, Misses: 2}
	str := s.String()
	for _, want := range []string{"3.0 MiB", "1.0 KiB", "4 hits"} {
		if !strings.Contains(str, want) {
			t.Errorf("String() = %q, want it to contain %q", str, want)
		}
	}
}
