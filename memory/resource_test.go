package memory

import (
	"errors"
	"testing"

	"github.com/gogpu/gpugraph/gpucore"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		format Format
		name   string
		bpp    int
	}{
		{FormatRGBA32F, "RGBA32F", 16},
		{FormatRG32F, "RG32F", 8},
		{FormatR32F, "R32F", 4},
		{FormatRGBA8, "RGBA8", 4},
		{Format(99), "Unknown(99)", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.format.BytesPerPixel(); got != tt.bpp {
				t.Errorf("BytesPerPixel() = %d, want %d", got, tt.bpp)
			}
		})
	}
}

func TestImageLifecycle(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{})

	img, err := NewImage(pool, "img", 4, 3, FormatRGBA32F, deviceLocal)
	if err != nil {
		t.Fatalf("NewImage() error = %v", err)
	}
	if img.Size() != 4*3*16 {
		t.Errorf("Size() = %d, want %d", img.Size(), 4*3*16)
	}
	if got := img.Extent(); got != [3]uint32{4, 3, 1} {
		t.Errorf("Extent() = %v, want [4 3 1]", got)
	}

	if err := img.Write(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := make([]byte, 4)
	if err := img.Read(0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("Read() = %v, want [1 2 3 4]", got)
	}
	if err := img.Write(img.Size()-2, []byte{1, 2, 3, 4}); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("Write() past end error = %v, want ErrOutOfRange", err)
	}

	h := img.Handle()
	if err := img.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := img.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}
	if err := img.Read(0, got); !errors.Is(err, ErrReleased) {
		t.Errorf("Read() after Release error = %v, want ErrReleased", err)
	}

	// Same size image reuses the released allocation.
	again, err := NewImage(pool, "img2", 4, 3, FormatRGBA32F, deviceLocal)
	if err != nil {
		t.Fatalf("NewImage() error = %v", err)
	}
	if again.Handle() != h {
		t.Errorf("Handle() = %d, want reused %d", again.Handle(), h)
	}
}

func TestNewImageInvalid(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{})

	if _, err := NewImage(pool, "empty", 0, 10, FormatR32F, deviceLocal); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("NewImage(0x10) error = %v, want ErrInvalidSize", err)
	}
	if _, err := NewBuffer(pool, "cached-local", 16, deviceLocal|gpucore.MemoryHostCached); !errors.Is(err, ErrNoMemoryType) {
		t.Errorf("NewBuffer(DeviceLocal|HostCached) error = %v, want ErrNoMemoryType", err)
	}
}
