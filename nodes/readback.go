package nodes

import (
	"encoding/binary"
	"image"
	"math"
	"sync"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/graph"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

// Readback is a terminal node that copies its input image into host
// visible memory. The result can be read after the frame and stays valid
// until the next frame starts.
type Readback struct {
	base graph.Base

	mu     sync.Mutex
	buf    *memory.Buffer
	width  int
	height int
	stream *syncobj.Stream
	value  uint64
}

// NewReadback returns a readback node.
func NewReadback(hash uint64) *Readback {
	return &Readback{base: graph.NewBase(TypeReadback, hash)}
}

func (r *Readback) Base() *graph.Base          { return &r.base }
func (r *Readback) Params() kernel.ParamGroups { return kernel.ParamGroups{} }
func (r *Readback) Init(*graph.Context) error  { return nil }

func (r *Readback) Clone() graph.EngineNode {
	return &Readback{base: graph.CloneBase(&r.base)}
}

func (r *Readback) Update(ctx *graph.Context, _ graph.Mode) graph.Result {
	if n := ctx.NumInputs(); n != 1 {
		return graph.Unconfigured(ErrInputs)
	}
	return graph.Clean()
}

func (r *Readback) Allocate(ctx *graph.Context, _ *command.Recorder) error {
	in, err := inputImage(ctx, 0)
	if err != nil {
		return err
	}
	buf, err := memory.NewBuffer(ctx.Pool(), ctx.Name(), in.Size(), gpucore.MemoryHostVisible|gpucore.MemoryHostCoherent)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.buf, r.width, r.height, r.value = buf, in.Width(), in.Height(), 0
	r.mu.Unlock()
	return nil
}

func (r *Readback) Execute(ctx *graph.Context, _ graph.Mode, stream *syncobj.Stream) error {
	in, err := inputImage(ctx, 0)
	if err != nil {
		return err
	}
	cb, err := ctx.NewCommandBuffer("readback")
	if err != nil {
		return err
	}
	err = cb.Record(func(rec *command.Recorder) error {
		rec.CopyMemory(in.Handle(), r.buf.Handle(), gpucore.MemoryCopy{Size: in.Size()})
		return nil
	})
	if err != nil {
		return err
	}
	v, err := stream.Submit(cb)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.stream, r.value = stream, v
	r.mu.Unlock()
	return nil
}

func (r *Readback) Deallocate(*graph.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf != nil {
		_ = r.buf.Release()
		r.buf = nil
	}
	r.value = 0
}

// Size returns the size of the last result.
func (r *Readback) Size() (width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width, r.height
}

// Bytes waits for the copy of the last frame and returns the RGBA32F
// pixels.
func (r *Readback) Bytes() ([]byte, error) {
	r.mu.Lock()
	buf, stream, v := r.buf, r.stream, r.value
	r.mu.Unlock()
	if buf == nil || v == 0 {
		return nil, ErrNotReady
	}
	if err := stream.Wait(v); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Size())
	if err := buf.Read(0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pixels returns the last result as float32 RGBA values.
func (r *Readback) Pixels() ([]float32, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Image returns the last result as a 16-bit image, clamped to [0, 1].
func (r *Readback) Image() (image.Image, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	w, h := r.Size()
	return fromRGBA32F(b, w, h), nil
}
