package nodes

import (
	"image"
	"sync"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/graph"
	"github.com/gogpu/gpugraph/internal/parallel"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/syncobj"
)

// HostImage is a source node that uploads a Go image.
//
// The image is resampled to the size given by the "size" parameters (zero
// keeps the source size) and converted to RGBA32F on the worker pool;
// Update reports Pending until the conversion has finished.
type HostImage struct {
	base   graph.Base
	params kernel.ParamGroups

	mu     sync.Mutex
	src    image.Image
	gen    uint64
	pixels []byte
	width  int
	height int
	fresh  bool

	task    *parallel.Task
	taskKey convertKey

	imageOutput
}

type convertKey struct {
	gen  uint64
	w, h int
}

// NewHostImage returns an unconfigured HostImage.
func NewHostImage(hash uint64) *HostImage {
	set, _, err := kernel.NewParamSet([]kernel.ParamDesc{
		{Name: "width", Type: "uint"},
		{Name: "height", Type: "uint"},
	})
	if err != nil {
		panic(err) // static descriptors
	}
	return &HostImage{
		base:   graph.NewBase(TypeHostImage, hash),
		params: kernel.ParamGroups{"size": set},
	}
}

// SetImage sets the source image. It may be called from any goroutine;
// the new image is picked up by the next Update.
func (h *HostImage) SetImage(img image.Image) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.src = img
	h.gen++
}

func (h *HostImage) Base() *graph.Base          { return &h.base }
func (h *HostImage) Params() kernel.ParamGroups { return h.params }
func (h *HostImage) Init(*graph.Context) error  { return nil }
func (h *HostImage) Deallocate(*graph.Context)  { h.release() }

// targetSize applies the size parameters to the source bounds.
func (h *HostImage) targetSize(b image.Rectangle) (int, int) {
	w, ht := b.Dx(), b.Dy()
	size := h.params["size"]
	if v, _ := size.Get("width"); v != nil && v.(uint32) > 0 { //nolint:forcetypeassert // uint param
		w = int(v.(uint32)) //nolint:forcetypeassert // uint param
	}
	if v, _ := size.Get("height"); v != nil && v.(uint32) > 0 { //nolint:forcetypeassert // uint param
		ht = int(v.(uint32)) //nolint:forcetypeassert // uint param
	}
	return w, ht
}

// Clone returns a copy sharing the converted pixels.
func (h *HostImage) Clone() graph.EngineNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &HostImage{
		base:   graph.CloneBase(&h.base),
		params: h.params.Clone(),
		src:    h.src,
		gen:    h.gen,
		pixels: h.pixels,
		width:  h.width,
		height: h.height,
		fresh:  h.pixels != nil,
	}
}

func (h *HostImage) Update(ctx *graph.Context, _ graph.Mode) graph.Result {
	h.mu.Lock()
	src, gen := h.src, h.gen
	h.mu.Unlock()
	if src == nil {
		return graph.Unconfigured(ErrNoImage)
	}

	w, ht := h.targetSize(src.Bounds())
	key := convertKey{gen: gen, w: w, h: ht}
	if h.task == nil || h.taskKey != key {
		h.taskKey = key
		h.task = ctx.Go(func() error {
			px, err := toRGBA32F(src, w, ht)
			if err != nil {
				return err
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.gen == key.gen {
				h.pixels, h.width, h.height, h.fresh = px, w, ht, true
			}
			return nil
		})
		return graph.Pending()
	}
	if !h.task.Finished() {
		return graph.Pending()
	}
	if err := h.task.Err(); err != nil {
		return graph.Failed(err)
	}

	h.mu.Lock()
	fresh := h.fresh
	h.mu.Unlock()
	return graph.DirtyIf(fresh || graph.ParamChanged(h.base.Hash()))
}

func (h *HostImage) Allocate(ctx *graph.Context, _ *command.Recorder) error {
	h.mu.Lock()
	w, ht, ready := h.width, h.height, h.pixels != nil
	h.mu.Unlock()
	if !ready {
		return ErrNotReady
	}
	img, err := newImage(ctx, w, ht, gpucore.MemoryDeviceLocal|gpucore.MemoryHostVisible|gpucore.MemoryHostCoherent)
	if err != nil {
		return err
	}
	h.out = img
	return nil
}

// Execute uploads the converted pixels. The upload is a host write, so no
// command buffer is submitted.
func (h *HostImage) Execute(*graph.Context, graph.Mode, *syncobj.Stream) error {
	h.mu.Lock()
	px := h.pixels
	h.fresh = false
	h.mu.Unlock()
	return h.out.Write(0, px)
}
