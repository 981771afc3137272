package nodes

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/graph"
	"github.com/gogpu/gpugraph/memory"
)

// Node errors.
var (
	// ErrNoImage is reported by HostImage before SetImage is called.
	ErrNoImage = errors.New("nodes: no source image")

	// ErrNotImage is returned when an input does not produce an image.
	ErrNotImage = errors.New("nodes: input is not an image")

	// ErrSizeMismatch is returned when the inputs of a node differ in size.
	ErrSizeMismatch = errors.New("nodes: input sizes differ")

	// ErrInputs is reported when a node has the wrong number of inputs.
	ErrInputs = errors.New("nodes: wrong number of inputs")

	// ErrNoShaders is returned when the runtime has no shader cache.
	ErrNoShaders = errors.New("nodes: runtime has no shader cache")

	// ErrNotReady is returned when reading a result before it exists.
	ErrNotReady = errors.New("nodes: result not ready")
)

// bandRows is the number of rows one conversion task handles.
const bandRows = 64

// imageOutput holds the output image of a producing node.
type imageOutput struct {
	out *memory.Image
}

// Output returns the current output image, or nil outside a frame.
func (o *imageOutput) Output() memory.Resource {
	if o.out == nil {
		return nil
	}
	return o.out
}

func (o *imageOutput) release() {
	if o.out != nil {
		_ = o.out.Release()
		o.out = nil
	}
}

func newImage(ctx *graph.Context, w, h int, flags gpucore.MemoryProperty) (*memory.Image, error) {
	return memory.NewImage(ctx.Pool(), ctx.Name(), w, h, memory.FormatRGBA32F, flags)
}

// inputImage returns input i of the node as an image.
func inputImage(ctx *graph.Context, i int) (*memory.Image, error) {
	r, err := ctx.InputResource(i)
	if err != nil {
		return nil, err
	}
	img, ok := r.(*memory.Image)
	if !ok {
		return nil, fmt.Errorf("%w: input %d of %s", ErrNotImage, i, ctx.Name())
	}
	return img, nil
}

// toRGBA32F resamples src to w x h and converts it to tightly packed
// little-endian RGBA32F with straight alpha. Rows are converted in bands
// in parallel.
func toRGBA32F(src image.Image, w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", memory.ErrInvalidSize, w, h)
	}
	dst := image.NewNRGBA64(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	if sb.Dx() == w && sb.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	}

	out := make([]byte, w*h*16)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for y0 := 0; y0 < h; y0 += bandRows {
		y1 := min(y0+bandRows, h)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				row := dst.Pix[y*dst.Stride:]
				for x := range w {
					o := (y*w + x) * 16
					for c := range 4 {
						v := uint16(row[x*8+c*2])<<8 | uint16(row[x*8+c*2+1])
						binary.LittleEndian.PutUint32(out[o+c*4:], math.Float32bits(float32(v)/0xffff))
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fromRGBA32F converts packed RGBA32F pixels back to an image, clamping
// each channel to [0, 1].
func fromRGBA32F(px []byte, w, h int) *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, w, h))
	for i := range w * h {
		for c := range 4 {
			f := math.Float32frombits(binary.LittleEndian.Uint32(px[i*16+c*4:]))
			f = max(0, min(1, f))
			v := uint16(math.Round(float64(f) * 0xffff))
			img.Pix[i*8+c*2] = uint8(v >> 8)
			img.Pix[i*8+c*2+1] = uint8(v)
		}
	}
	return img
}
